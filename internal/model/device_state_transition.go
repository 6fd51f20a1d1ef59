// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"context"
	"time"

	"go.chromium.org/luci/common/logging"
)

// DeviceStateTransition contains a single row from the DeviceStateTransitions
// table in the database. Rows are append-only.
type DeviceStateTransition struct {
	ID             string
	DeviceHostname string
	OldState       DeviceStatus
	NewState       DeviceStatus
	Message        string
	// Actor is the user or service which caused the transition.
	Actor       string
	JobID       int64
	CreatedTime time.Time
}

// CreateDeviceStateTransition inserts a DeviceStateTransition.
func CreateDeviceStateTransition(ctx context.Context, q Querier, t *DeviceStateTransition) error {
	result, err := q.ExecContext(ctx, `
		INSERT INTO "DeviceStateTransitions"
			(id, device_hostname, old_state, new_state, message, actor, job_id,
			 created_time)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8);`,
		t.ID,
		t.DeviceHostname,
		t.OldState,
		t.NewState,
		t.Message,
		nullString(t.Actor),
		nullInt64(t.JobID),
		t.CreatedTime,
	)
	if err != nil {
		logging.Errorf(ctx, "CreateDeviceStateTransition: error inserting into DeviceStateTransitions: %s", err)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		logging.Errorf(ctx, "CreateDeviceStateTransition: error getting rows affected: %s", err)
	}

	logging.Debugf(ctx, "CreateDeviceStateTransition: %s %s -> %s created successfully (%d row affected)", t.DeviceHostname, t.OldState, t.NewState, rowsAffected)
	return nil
}
