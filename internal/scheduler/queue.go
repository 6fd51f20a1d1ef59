// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/controller"
	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

// QueuedJob is a job waiting for a device.
type QueuedJob struct {
	*model.TestJob
	// Requested is the requested device of a health check, nil otherwise or
	// if that device is gone.
	Requested *model.Device
}

// jobQueue lists the SUBMITTED jobs without device in queue order: health
// checks first, then by priority, submit time, vm group, target group and
// ID.
func (s *Scheduler) jobQueue(ctx context.Context) ([]*QueuedJob, error) {
	jobs, err := s.repo.ListQueuedTestJobs(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "job queue").Err()
	}
	queue := make([]*QueuedJob, 0, len(jobs))
	for _, job := range jobs {
		q := &QueuedJob{TestJob: job}
		if job.HealthCheck && job.RequestedDevice != "" {
			q.Requested, err = s.repo.GetDevice(ctx, job.RequestedDevice)
			switch {
			case errors.Is(err, store.ErrNotFound):
				logging.Warningf(ctx, "jobQueue: health check %s requests unknown device %s", job.DisplayID(), job.RequestedDevice)
			case err != nil:
				return nil, errors.Annotate(err, "job queue").Err()
			}
		}
		queue = append(queue, q)
	}
	if len(queue) > 0 {
		logging.Infof(ctx, "jobQueue: job queue length: %d", len(queue))
	}
	return queue, nil
}

// validateQueue fixes zombie reservations: SUBMITTED jobs holding a device
// which is IDLE with no current job. Every other inconsistency is left for
// an administrator. It returns the number of devices fixed.
func (s *Scheduler) validateQueue(ctx context.Context) (int, error) {
	zombies, err := s.repo.ListZombieTestJobs(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "validate queue").Err()
	}
	repaired := 0
	for _, zombie := range zombies {
		fixed := false
		err := s.ctrl.RunInTransaction(ctx, func(ctx context.Context, txn *controller.Txn) error {
			fixed = false
			device, err := txn.GetDevice(ctx, zombie.ActualDevice)
			if err != nil {
				return err
			}
			if device.CurrentJobID != 0 || device.Status != model.DeviceIdle {
				return nil
			}
			job, err := txn.GetTestJob(ctx, zombie.ID)
			if err != nil {
				return err
			}
			if job.Status != model.JobSubmitted || job.ActualDevice != device.Hostname {
				return nil
			}
			logging.Warningf(ctx, "validateQueue: Fixing up a broken device reservation for queued %s on %s", job, device.Hostname)
			device.CurrentJobID = job.ID
			fixed = true
			return s.ctrl.TransitionDevice(ctx, txn, device, model.DeviceReserved, controller.TransitionOptions{
				Message: fmt.Sprintf("Fixing up a broken device reservation for job %s", job.DisplayID()),
				Actor:   schedulerActor,
				JobID:   job.ID,
			})
		})
		if err != nil {
			logging.Warningf(ctx, "validateQueue: unable to check %s on %s: %s", zombie, zombie.ActualDevice, err)
			continue
		}
		if fixed {
			repaired++
			repairCounter.Add(ctx, 1)
		}
	}
	return repaired, nil
}
