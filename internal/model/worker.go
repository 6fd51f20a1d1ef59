// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"context"
	"database/sql"
	"time"

	"go.chromium.org/luci/common/logging"
)

// Worker contains a single row from the Workers table in the database. A
// Worker is a dispatcher host which runs jobs on attached devices.
type Worker struct {
	Hostname    string
	Description string
	LastPing    time.Time
	IsMaster    bool
}

func scanWorker(row rowScanner) (*Worker, error) {
	var (
		worker      Worker
		description sql.NullString
		lastPing    sql.NullTime
	)
	if err := row.Scan(&worker.Hostname, &description, &lastPing, &worker.IsMaster); err != nil {
		return nil, err
	}
	worker.Description = description.String
	if lastPing.Valid {
		worker.LastPing = lastPing.Time
	}
	return &worker, nil
}

// GetWorker gets a Worker from the database by hostname.
func GetWorker(ctx context.Context, q Querier, hostname string) (*Worker, error) {
	worker, err := scanWorker(q.QueryRowContext(ctx, `
		SELECT
			hostname,
			description,
			last_ping,
			is_master
		FROM "Workers"
		WHERE hostname=$1;`, hostname))
	if err != nil {
		logging.Errorf(ctx, "GetWorker: failed to get Worker %s: %s", hostname, err)
		return nil, err
	}
	return worker, nil
}

// ListActiveWorkers lists the workers which pinged at or after since.
func ListActiveWorkers(ctx context.Context, q Querier, since time.Time) ([]*Worker, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT
			hostname,
			description,
			last_ping,
			is_master
		FROM "Workers"
		WHERE last_ping>=$1
		ORDER BY hostname;`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// UpsertWorker creates a Worker or refreshes its heartbeat.
func UpsertWorker(ctx context.Context, q Querier, worker *Worker) error {
	result, err := q.ExecContext(ctx, `
		INSERT INTO "Workers"
			(hostname, description, last_ping, is_master)
		VALUES
			($1, $2, $3, $4)
		ON CONFLICT (hostname) DO UPDATE SET
			last_ping=EXCLUDED.last_ping,
			is_master=EXCLUDED.is_master;`,
		worker.Hostname,
		nullString(worker.Description),
		nullTime(worker.LastPing),
		worker.IsMaster,
	)
	if err != nil {
		logging.Errorf(ctx, "UpsertWorker: failed to upsert Worker %s: %s", worker.Hostname, err)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		logging.Errorf(ctx, "UpsertWorker: error getting rows affected: %s", err)
	}

	logging.Debugf(ctx, "UpsertWorker: Worker %s upserted successfully (%d row affected)", worker.Hostname, rowsAffected)
	return nil
}
