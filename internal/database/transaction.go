// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package database

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgconn"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// ErrWriteConflict is returned when a transaction lost a race against a
// concurrent writer. The caller may retry on a later pass.
var ErrWriteConflict = errors.New("write conflict")

// Postgres error codes reported for concurrent writers.
var conflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"23505": true, // unique_violation
}

// RunInTransaction runs f in a SERIALIZABLE transaction and commits it if f
// returns nil. Any error rolls the transaction back.
//
// Errors caused by concurrent writers are reported as ErrWriteConflict.
func RunInTransaction(ctx context.Context, db *sql.DB, f func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		logging.Errorf(ctx, "RunInTransaction: failed to start transaction: %s", err)
		return err
	}

	if err := f(ctx, tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			logging.Errorf(ctx, "RunInTransaction: unable to rollback: %v", rollbackErr)
		}
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		logging.Errorf(ctx, "RunInTransaction: failed to commit: %s", err)
		return classify(err)
	}
	return nil
}

// classify tags errors caused by concurrent writers with ErrWriteConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && conflictCodes[pgErr.Code] {
		return errors.Annotate(ErrWriteConflict, "%s (SQLSTATE %s)", pgErr.Message, pgErr.Code).Err()
	}
	return err
}
