// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"context"
	"database/sql"

	"go.chromium.org/luci/common/logging"
)

// DeviceType contains a single row from the DeviceTypes table in the database.
type DeviceType struct {
	Name               string
	DisableHealthCheck bool
	HealthDenominator  HealthDenominator
	// HealthFrequency is in hours or in jobs, following HealthDenominator.
	HealthFrequency int
	// HealthCheckJob is the health check job definition. Empty means the type
	// has no health check.
	HealthCheckJob string
}

func scanDeviceType(row rowScanner) (*DeviceType, error) {
	var (
		deviceType     DeviceType
		healthCheckJob sql.NullString
	)
	err := row.Scan(
		&deviceType.Name,
		&deviceType.DisableHealthCheck,
		&deviceType.HealthDenominator,
		&deviceType.HealthFrequency,
		&healthCheckJob,
	)
	if err != nil {
		return nil, err
	}
	deviceType.HealthCheckJob = healthCheckJob.String
	return &deviceType, nil
}

// GetDeviceType gets a DeviceType from the database by name.
func GetDeviceType(ctx context.Context, q Querier, name string) (*DeviceType, error) {
	deviceType, err := scanDeviceType(q.QueryRowContext(ctx, `
		SELECT
			name,
			disable_health_check,
			health_denominator,
			health_frequency,
			health_check_job
		FROM "DeviceTypes"
		WHERE name=$1;`, name))
	if err != nil {
		logging.Errorf(ctx, "GetDeviceType: failed to get DeviceType %s: %s", name, err)
		return nil, err
	}
	return deviceType, nil
}

// ListDeviceTypes lists every DeviceType by name.
func ListDeviceTypes(ctx context.Context, q Querier) ([]*DeviceType, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT
			name,
			disable_health_check,
			health_denominator,
			health_frequency,
			health_check_job
		FROM "DeviceTypes"
		ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*DeviceType
	for rows.Next() {
		deviceType, err := scanDeviceType(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, deviceType)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
