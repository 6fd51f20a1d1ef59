// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scheduler matches queued test jobs to idle devices and submits
// periodic health checks.
//
// A tick reads a snapshot of the queue and of the idle devices once, then
// re-validates every candidate device inside the transaction reserving it.
// Nothing read outside that transaction is trusted for the write.
package scheduler

import (
	"context"
	"sync/atomic"

	"go.chromium.org/luci/common/errors"

	"infra/lab_scheduler/internal/acl"
	"infra/lab_scheduler/internal/controller"
	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

// ErrTickInProgress is returned by AssignJobs while another call runs.
var ErrTickInProgress = errors.New("assignment tick already in progress")

// schedulerActor is the actor of the transitions made by the assignment
// loop.
const schedulerActor = "lab-scheduler"

// Submitter creates jobs from a job definition. A forced device makes the
// job a health check of that device.
type Submitter interface {
	Submit(ctx context.Context, definition, submitter string, forced *model.Device) ([]*model.TestJob, error)
}

// Options configure a Scheduler.
type Options struct {
	Capabilities acl.Capabilities
	Dicts        devicedict.Loader
	Submitter    Submitter
	// HealthCheckUser submits the health checks.
	HealthCheckUser string
}

// Scheduler runs assignment ticks and health check scans.
type Scheduler struct {
	repo       store.Repository
	ctrl       *controller.Controller
	matcher    *Matcher
	submitter  Submitter
	healthUser string

	assigning atomic.Bool
}

// New returns a Scheduler changing state through ctrl.
func New(ctrl *controller.Controller, opts Options) *Scheduler {
	return &Scheduler{
		repo: ctrl.Repository(),
		ctrl: ctrl,
		matcher: &Matcher{
			Capabilities: opts.Capabilities,
			Dicts:        opts.Dicts,
		},
		submitter:  opts.Submitter,
		healthUser: opts.HealthCheckUser,
	}
}

// TickReport summarizes one assignment tick.
type TickReport struct {
	// Assigned are the IDs of the jobs which got a device.
	Assigned []int64
	// Reserved are the hostnames of the devices reserved, in the order of
	// Assigned.
	Reserved []string
	// Repaired counts zombie reservations fixed before the tick.
	Repaired int
	// Rejected counts matches refused by the pre-commit validation.
	Rejected int
	// Conflicts counts reservations lost to a concurrent writer.
	Conflicts int
	// Failed counts reservations which failed for another reason.
	Failed int
	// AuditOK is false if the post-commit audit found an anomaly.
	AuditOK bool
}
