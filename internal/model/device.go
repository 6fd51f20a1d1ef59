// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.chromium.org/luci/common/logging"
)

// Device contains a single row from the Devices table in the database.
type Device struct {
	Hostname     string
	DeviceType   string
	Status       DeviceStatus
	HealthStatus HealthStatus
	// CurrentJobID is the job holding this device, 0 if none.
	CurrentJobID int64
	// WorkerHost is the hostname of the dispatcher worker attached to the
	// device, empty if unset.
	WorkerHost string
	Tags       TagSet
	IsPipeline bool
	// IsExclusive devices refuse non-pipeline jobs.
	IsExclusive bool
	IsPublic    bool
	// OwnerUser and OwnerGroup restrict a non-public device.
	OwnerUser  string
	OwnerGroup string
	// VMGroup is set on temporary devices of the deprecated VM group mode.
	VMGroup               string
	LastHealthReportJobID int64
	LastUpdatedTime       time.Time
}

// Clone returns a deep copy of d.
func (d *Device) Clone() *Device {
	c := *d
	c.Tags = append(TagSet(nil), d.Tags...)
	return &c
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Hostname, d.Status)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		device                Device
		currentJobID          sql.NullInt64
		workerHost            sql.NullString
		ownerUser             sql.NullString
		ownerGroup            sql.NullString
		vmGroup               sql.NullString
		lastHealthReportJobID sql.NullInt64
		lastUpdatedTime       sql.NullTime
	)
	err := row.Scan(
		&device.Hostname,
		&device.DeviceType,
		&device.Status,
		&device.HealthStatus,
		&currentJobID,
		&workerHost,
		&device.Tags,
		&device.IsPipeline,
		&device.IsExclusive,
		&device.IsPublic,
		&ownerUser,
		&ownerGroup,
		&vmGroup,
		&lastHealthReportJobID,
		&lastUpdatedTime,
	)
	if err != nil {
		return nil, err
	}

	// Handle possible nulls
	device.CurrentJobID = currentJobID.Int64
	device.WorkerHost = workerHost.String
	device.OwnerUser = ownerUser.String
	device.OwnerGroup = ownerGroup.String
	device.VMGroup = vmGroup.String
	device.LastHealthReportJobID = lastHealthReportJobID.Int64
	if lastUpdatedTime.Valid {
		device.LastUpdatedTime = lastUpdatedTime.Time
	}
	return &device, nil
}

// GetDevice gets a Device from the database by hostname.
func GetDevice(ctx context.Context, q Querier, hostname string) (*Device, error) {
	device, err := scanDevice(q.QueryRowContext(ctx, `
		SELECT
			hostname,
			device_type,
			status,
			health_status,
			current_job_id,
			worker_host,
			tags,
			is_pipeline,
			is_exclusive,
			is_public,
			owner_user,
			owner_group,
			vm_group,
			last_health_report_job_id,
			last_updated_time
		FROM "Devices"
		WHERE hostname=$1;`, hostname))
	if err != nil {
		logging.Errorf(ctx, "GetDevice: failed to get Device %s: %s", hostname, err)
		return nil, err
	}
	return device, nil
}

// GetDeviceForUpdate gets a Device by hostname and locks the row until the
// transaction ends.
func GetDeviceForUpdate(ctx context.Context, tx *sql.Tx, hostname string) (*Device, error) {
	device, err := scanDevice(tx.QueryRowContext(ctx, `
		SELECT
			hostname,
			device_type,
			status,
			health_status,
			current_job_id,
			worker_host,
			tags,
			is_pipeline,
			is_exclusive,
			is_public,
			owner_user,
			owner_group,
			vm_group,
			last_health_report_job_id,
			last_updated_time
		FROM "Devices"
		WHERE hostname=$1
		FOR UPDATE;`, hostname))
	if err != nil {
		logging.Errorf(ctx, "GetDeviceForUpdate: failed to get Device %s: %s", hostname, err)
		return nil, err
	}
	return device, nil
}

// ListIdleDevices lists all devices in the IDLE state.
func ListIdleDevices(ctx context.Context, q Querier) ([]*Device, error) {
	return listDevices(ctx, q, `
		SELECT
			hostname,
			device_type,
			status,
			health_status,
			current_job_id,
			worker_host,
			tags,
			is_pipeline,
			is_exclusive,
			is_public,
			owner_user,
			owner_group,
			vm_group,
			last_health_report_job_id,
			last_updated_time
		FROM "Devices"
		WHERE status='IDLE';`)
}

// ListHealthCheckCandidates lists the devices a health check may be
// scheduled on: IDLE devices and OFFLINE devices in a LOOPING health state.
func ListHealthCheckCandidates(ctx context.Context, q Querier) ([]*Device, error) {
	return listDevices(ctx, q, `
		SELECT
			hostname,
			device_type,
			status,
			health_status,
			current_job_id,
			worker_host,
			tags,
			is_pipeline,
			is_exclusive,
			is_public,
			owner_user,
			owner_group,
			vm_group,
			last_health_report_job_id,
			last_updated_time
		FROM "Devices"
		WHERE status='IDLE' OR (status='OFFLINE' AND health_status='LOOPING')
		ORDER BY hostname;`)
}

// ListDevices lists every device.
func ListDevices(ctx context.Context, q Querier) ([]*Device, error) {
	return listDevices(ctx, q, `
		SELECT
			hostname,
			device_type,
			status,
			health_status,
			current_job_id,
			worker_host,
			tags,
			is_pipeline,
			is_exclusive,
			is_public,
			owner_user,
			owner_group,
			vm_group,
			last_health_report_job_id,
			last_updated_time
		FROM "Devices"
		ORDER BY hostname;`)
}

func listDevices(ctx context.Context, q Querier, query string, args ...interface{}) ([]*Device, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, device)
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// CreateDevice inserts a Device.
func CreateDevice(ctx context.Context, q Querier, device *Device) error {
	result, err := q.ExecContext(ctx, `
		INSERT INTO "Devices"
			(hostname, device_type, status, health_status, current_job_id,
			 worker_host, tags, is_pipeline, is_exclusive, is_public,
			 owner_user, owner_group, vm_group, last_health_report_job_id,
			 last_updated_time)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);`,
		device.Hostname,
		device.DeviceType,
		device.Status,
		device.HealthStatus,
		nullInt64(device.CurrentJobID),
		nullString(device.WorkerHost),
		device.Tags,
		device.IsPipeline,
		device.IsExclusive,
		device.IsPublic,
		nullString(device.OwnerUser),
		nullString(device.OwnerGroup),
		nullString(device.VMGroup),
		nullInt64(device.LastHealthReportJobID),
		nullTime(device.LastUpdatedTime),
	)
	if err != nil {
		logging.Errorf(ctx, "CreateDevice: failed to insert Device %s: %s", device.Hostname, err)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		logging.Errorf(ctx, "CreateDevice: error getting rows affected: %s", err)
	}

	logging.Debugf(ctx, "CreateDevice: Device %s created successfully (%d row affected)", device.Hostname, rowsAffected)
	return nil
}

// UpdateDevice writes every mutable field of a Device.
//
// Unlike a partial update, an unset CurrentJobID is written as NULL so that a
// released device loses its claim.
func UpdateDevice(ctx context.Context, q Querier, device *Device) error {
	result, err := q.ExecContext(ctx, `
		UPDATE
			"Devices"
		SET
			status=$2,
			health_status=$3,
			current_job_id=$4,
			worker_host=$5,
			tags=$6,
			last_health_report_job_id=$7,
			last_updated_time=$8
		WHERE
			hostname=$1;`,
		device.Hostname,
		device.Status,
		device.HealthStatus,
		nullInt64(device.CurrentJobID),
		nullString(device.WorkerHost),
		device.Tags,
		nullInt64(device.LastHealthReportJobID),
		nullTime(device.LastUpdatedTime),
	)
	if err != nil {
		logging.Errorf(ctx, "UpdateDevice: failed to update Device %s: %s", device.Hostname, err)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		logging.Errorf(ctx, "UpdateDevice: error getting rows affected: %s", err)
	} else if rowsAffected == 0 {
		return fmt.Errorf("UpdateDevice: Device %s: %w", device.Hostname, sql.ErrNoRows)
	}

	logging.Debugf(ctx, "UpdateDevice: Device %s updated successfully (%d row affected)", device.Hostname, rowsAffected)
	return nil
}
