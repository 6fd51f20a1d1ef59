// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package controller

import (
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	deviceTransitionCounter = metric.NewCounter(
		"lab_scheduler/device/transitions",
		"Committed device state transitions",
		nil,
		field.String("old_state"),
		field.String("new_state"),
	)
	jobEndCounter = metric.NewCounter(
		"lab_scheduler/job/ended",
		"Jobs moved to a terminal state",
		nil,
		field.String("status"),
		field.Bool("health_check"),
	)
	publishFailureCounter = metric.NewCounter(
		"lab_scheduler/device/publish_failures",
		"Device state transitions which could not be published",
		nil,
	)
)
