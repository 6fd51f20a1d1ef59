// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/controller"
	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

// AssignJobs runs one assignment tick: every queued job, in queue order, is
// offered the idle devices left by the jobs before it.
//
// A reservation lost to a concurrent writer leaves its job queued for the
// next tick. Only one tick runs at a time; a concurrent call returns
// ErrTickInProgress.
func (s *Scheduler) AssignJobs(ctx context.Context) (*TickReport, error) {
	if !s.assigning.CompareAndSwap(false, true) {
		return nil, ErrTickInProgress
	}
	defer s.assigning.Store(false)

	report := &TickReport{AuditOK: true}
	var err error
	if report.Repaired, err = s.validateQueue(ctx); err != nil {
		return nil, err
	}
	jobs, err := s.jobQueue(ctx)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return report, nil
	}
	devices, err := s.availableDevices(ctx)
	if err != nil {
		return nil, err
	}
	logging.Debugf(ctx, "AssignJobs: [%d] devices available", len(devices))
	logging.Debugf(ctx, "AssignJobs: [%d] jobs in the queue", len(jobs))

	for _, job := range jobs {
		device := s.matcher.FindDeviceForJob(ctx, job, devices)
		if device == nil {
			continue
		}
		ok, err := s.reserve(ctx, job.TestJob, device.Hostname)
		switch {
		case errors.Is(err, store.ErrWriteConflict):
			logging.Warningf(ctx, "AssignJobs: transaction failed for job %s, device %s: %s", job.DisplayID(), device.Hostname, err)
			conflictCounter.Add(ctx, 1)
			report.Conflicts++
		case err != nil:
			logging.Errorf(ctx, "AssignJobs: unable to reserve %s for job %s: %s", device.Hostname, job.DisplayID(), err)
			report.Failed++
		case !ok:
			logging.Debugf(ctx, "AssignJobs: removing %s from the list of available devices", device.Hostname)
			rejectedCounter.Add(ctx, 1, device.DeviceType)
			report.Rejected++
		default:
			logging.Infof(ctx, "AssignJobs: assigned %s to %s", device.Hostname, job)
			assignedCounter.Add(ctx, 1, device.DeviceType, job.HealthCheck)
			report.Assigned = append(report.Assigned, job.ID)
			report.Reserved = append(report.Reserved, device.Hostname)
		}
		devices = removeDevice(devices, device.Hostname)
	}

	available, err := s.availableDevices(ctx)
	if err != nil {
		return nil, err
	}
	report.AuditOK = s.auditReservations(ctx, report.Reserved, available)
	if report.AuditOK && len(report.Reserved) > 0 {
		logging.Debugf(ctx, "AssignJobs: all queued jobs checked, %d devices reserved and validated", len(report.Reserved))
	}
	logging.Infof(ctx, "AssignJobs: assigned %d jobs on %d devices", len(report.Assigned), len(report.Reserved))
	return report, nil
}

// reserve validates the device and reserves it for job in one transaction.
// It reports false if the validation refused the device.
func (s *Scheduler) reserve(ctx context.Context, queued *model.TestJob, hostname string) (bool, error) {
	var reserved bool
	err := s.ctrl.RunInTransaction(ctx, func(ctx context.Context, txn *controller.Txn) error {
		reserved = false
		job, err := txn.GetTestJob(ctx, queued.ID)
		if err != nil {
			return err
		}
		if job.Status != model.JobSubmitted || job.ActualDevice != "" {
			logging.Infof(ctx, "reserve: %s changed since the queue was read", job)
			return nil
		}
		device, ok, err := s.validateIdleDevice(ctx, txn, job, hostname)
		if err != nil || !ok {
			return err
		}
		logging.Infof(ctx, "reserve: assigning %s for %s", device, job)
		if err := s.ctrl.Reserve(ctx, txn, job, device, schedulerActor); err != nil {
			return err
		}
		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}
