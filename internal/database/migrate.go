// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package database

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// migrationFiles contains the schema migrations applied in filename order.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationDir = "migrations"

// Migrate applies every migration not yet recorded in schema_migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		);`); err != nil {
		return errors.Annotate(err, "create schema_migrations").Err()
	}

	files, err := listMigrationFiles(migrationFiles)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		err := db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1);`, file).Scan(&applied)
		if err != nil {
			return errors.Annotate(err, "check migration %s", file).Err()
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, db, file); err != nil {
			return err
		}
		logging.Infof(ctx, "Migrate: applied %s", file)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, file string) error {
	stmts, err := migrationFiles.ReadFile(path.Join(migrationDir, file))
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(stmts)); err != nil {
		return errors.Annotate(err, "apply migration %s", file).Err()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2);`,
		file, clock.Now(ctx).UTC()); err != nil {
		return errors.Annotate(err, "record migration %s", file).Err()
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, migrationDir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
