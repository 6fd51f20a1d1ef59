// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/controller"
	"infra/lab_scheduler/internal/model"
)

// validateIdleDevice re-reads a matched device inside the reserving
// transaction and reports whether job may take it.
//
// A device already referenced by exactly one active job is taken to be a
// missed reservation of that job. It is fixed to RESERVED for it and
// refused.
func (s *Scheduler) validateIdleDevice(ctx context.Context, txn *controller.Txn, job *model.TestJob, hostname string) (*model.Device, bool, error) {
	device, err := txn.GetDevice(ctx, hostname)
	if err != nil {
		return nil, false, err
	}

	active, err := txn.ListActiveTestJobsForDevice(ctx, hostname)
	if err != nil {
		return nil, false, err
	}
	if len(active) > 0 {
		ids := make([]int64, len(active))
		for i, j := range active {
			ids[i] = j.ID
		}
		logging.Warningf(ctx, "validateIdleDevice: %s (which has current job %d) is already referenced by %d jobs %v",
			hostname, device.CurrentJobID, len(active), ids)
		if len(active) == 1 {
			return nil, false, s.adopt(ctx, txn, device, active[0])
		}
		return nil, false, nil
	}

	if job.HealthCheck {
		if device.Status != model.DeviceOffline && device.Status != model.DeviceIdle {
			logging.Warningf(ctx, "validateIdleDevice: refusing to reserve %s for health check, not IDLE or OFFLINE", device)
			return nil, false, nil
		}
	} else if device.Status != model.DeviceIdle {
		logging.Warningf(ctx, "validateIdleDevice: refusing to reserve %s which is not IDLE", device)
		return nil, false, nil
	}
	if device.CurrentJobID != 0 {
		logging.Warningf(ctx, "validateIdleDevice: device %s already has current job %d", hostname, device.CurrentJobID)
		return nil, false, nil
	}
	return device, true, nil
}

// adopt records job as the reservation of device.
func (s *Scheduler) adopt(ctx context.Context, txn *controller.Txn, device *model.Device, job *model.TestJob) error {
	if device.CurrentJobID == job.ID {
		return nil
	}
	if !device.Status.CanTransitionTo(model.DeviceReserved) {
		logging.Warningf(ctx, "validateIdleDevice: cannot fix %s for %s, left for an administrator", device, job)
		return nil
	}
	logging.Warningf(ctx, "validateIdleDevice: Fixing up a broken device reservation for %s on %s", job, device.Hostname)
	device.CurrentJobID = job.ID
	repairCounter.Add(ctx, 1)
	return s.ctrl.TransitionDevice(ctx, txn, device, model.DeviceReserved, controller.TransitionOptions{
		Message: fmt.Sprintf("Fixing up a broken device reservation for job %s", job.DisplayID()),
		Actor:   schedulerActor,
		JobID:   job.ID,
	})
}

// auditReservations checks the devices reserved by a tick against a fresh
// read. Anomalies are logged and left for the next tick's queue validation.
func (s *Scheduler) auditReservations(ctx context.Context, reserved []string, available []*model.Device) bool {
	idle := stringset.New(len(available))
	for _, d := range available {
		idle.Add(d.Hostname)
	}

	ok := true
	anomaly := func(kind, format string, args ...interface{}) {
		ok = false
		auditAnomalyCounter.Add(ctx, 1, kind)
		logging.Warningf(ctx, "auditReservations: "+format, args...)
	}
	for _, hostname := range reserved {
		device, err := s.repo.GetDevice(ctx, hostname)
		if err != nil {
			anomaly("missing", "failed to re-read %s: %s", hostname, err)
			continue
		}
		if device.Status != model.DeviceReserved && device.Status != model.DeviceRunning {
			anomaly("status", "failed to properly reserve %s", device)
		}
		if idle.Has(hostname) {
			anomaly("available", "%s is still listed as available", device)
		}
		if device.CurrentJobID == 0 {
			anomaly("no_job", "invalid reservation, %s has no current job", device)
			continue
		}
		job, err := s.repo.GetTestJob(ctx, device.CurrentJobID)
		if err != nil {
			anomaly("no_job", "invalid reservation, current job %d of %s: %s", device.CurrentJobID, hostname, err)
			continue
		}
		if job.ActualDevice != hostname {
			anomaly("mismatch", "%s is not the same device as %q of %s", hostname, job.ActualDevice, job)
		}
	}
	return ok
}
