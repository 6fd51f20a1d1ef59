// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	assignedCounter = metric.NewCounter(
		"lab_scheduler/scheduler/assigned",
		"Jobs which got a device reserved",
		nil,
		field.String("device_type"),
		field.Bool("health_check"),
	)
	rejectedCounter = metric.NewCounter(
		"lab_scheduler/scheduler/rejected",
		"Matched devices refused by the pre-commit validation",
		nil,
		field.String("device_type"),
	)
	conflictCounter = metric.NewCounter(
		"lab_scheduler/scheduler/conflicts",
		"Reservations lost to a concurrent writer",
		nil,
	)
	repairCounter = metric.NewCounter(
		"lab_scheduler/scheduler/repaired",
		"Broken device reservations fixed",
		nil,
	)
	auditAnomalyCounter = metric.NewCounter(
		"lab_scheduler/scheduler/audit_anomalies",
		"Reservations found inconsistent after the tick",
		nil,
		field.String("kind"),
	)
	healthCheckCounter = metric.NewCounter(
		"lab_scheduler/scheduler/health_checks",
		"Health check jobs submitted",
		nil,
		field.String("device_type"),
	)
)
