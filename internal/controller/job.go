// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package controller

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

// CreateJob reserves device hostname for a SUBMITTED job.
func (c *Controller) CreateJob(ctx context.Context, jobID int64, hostname string) error {
	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		job, err := txn.GetTestJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != model.JobSubmitted || job.ActualDevice != "" {
			return errors.Annotate(ErrInvalidJobState, "%s already has device %q", job, job.ActualDevice).Err()
		}
		if job.DynamicConnection {
			return errors.Annotate(ErrInvalidJobState, "%s uses a dynamic connection", job).Err()
		}
		device, err := txn.GetDevice(ctx, hostname)
		if err != nil {
			return err
		}
		free := device.Status == model.DeviceIdle ||
			(job.HealthCheck && device.Status == model.DeviceOffline)
		if !free || device.CurrentJobID != 0 {
			return errors.Annotate(ErrDeviceBusy, "%s", device).Err()
		}
		return c.Reserve(ctx, txn, job, device, job.Submitter)
	})
}

// StartJob marks a job RUNNING and its device RUNNING.
func (c *Controller) StartJob(ctx context.Context, jobID int64) error {
	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		job, err := txn.GetTestJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != model.JobSubmitted {
			return errors.Annotate(ErrInvalidJobState, "cannot start %s", job).Err()
		}
		job.Status = model.JobRunning
		job.StartTime = clock.Now(ctx).UTC()

		if !job.DynamicConnection {
			if job.ActualDevice == "" {
				return errors.Annotate(ErrInvalidJobState, "%s has no device", job).Err()
			}
			device, err := txn.GetDevice(ctx, job.ActualDevice)
			if err != nil {
				return err
			}
			// An OFFLINING device stays so and goes offline once the job ends.
			if device.Status == model.DeviceReserved {
				err := c.TransitionDevice(ctx, txn, device, model.DeviceRunning, TransitionOptions{
					Message: fmt.Sprintf("Job %s started", job.DisplayID()),
					JobID:   job.ID,
				})
				if err != nil {
					return err
				}
			}
		}
		return txn.UpdateTestJob(ctx, job)
	})
}

// EndJob finishes a job with COMPLETE or INCOMPLETE and releases its device.
// Ending a finished job does nothing.
func (c *Controller) EndJob(ctx context.Context, jobID int64, status model.JobStatus, failMsg string) error {
	if status != model.JobComplete && status != model.JobIncomplete {
		return errors.Annotate(ErrInvalidJobState, "cannot end a job with status %s", status).Err()
	}
	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		job, err := txn.GetTestJob(ctx, jobID)
		if err != nil {
			return err
		}
		return c.endJob(ctx, txn, job, status, failMsg)
	})
}

func (c *Controller) endJob(ctx context.Context, txn *Txn, job *model.TestJob, status model.JobStatus, failMsg string) error {
	if job.Status.IsTerminal() {
		logging.Infof(ctx, "endJob: %s already finished", job)
		return nil
	}
	job.Status = status
	if job.EndTime.IsZero() {
		job.EndTime = clock.Now(ctx).UTC()
	}
	job.AppendFailureComment(failMsg)
	if err := c.finish(ctx, txn, job, false); err != nil {
		return err
	}
	jobEndCounter.Add(ctx, 1, string(status), job.HealthCheck)
	return nil
}

// CancelJob cancels a job and releases its device. Cancelling a finished job
// does nothing.
func (c *Controller) CancelJob(ctx context.Context, jobID int64) error {
	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		job, err := txn.GetTestJob(ctx, jobID)
		if err != nil {
			return err
		}
		return c.cancelJob(ctx, txn, job)
	})
}

func (c *Controller) cancelJob(ctx context.Context, txn *Txn, job *model.TestJob) error {
	if job.Status.IsTerminal() {
		logging.Infof(ctx, "cancelJob: %s already finished", job)
		return nil
	}
	job.Status = model.JobCanceled
	job.EndTime = clock.Now(ctx).UTC()
	if err := c.finish(ctx, txn, job, true); err != nil {
		return err
	}
	jobEndCounter.Add(ctx, 1, string(model.JobCanceled), job.HealthCheck)
	return nil
}

// finish writes a job which just became terminal and releases its device.
func (c *Controller) finish(ctx context.Context, txn *Txn, job *model.TestJob, onlyIfCurrent bool) error {
	if job.DynamicConnection || job.ActualDevice == "" {
		return txn.UpdateTestJob(ctx, job)
	}
	device, err := txn.GetDevice(ctx, job.ActualDevice)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logging.Warningf(ctx, "finish: device %s of %s is gone", job.ActualDevice, job)
		return txn.UpdateTestJob(ctx, job)
	case err != nil:
		return err
	}
	if err := c.handleHealth(ctx, txn, job, device); err != nil {
		return err
	}
	if err := c.releaseDevice(ctx, txn, job, device, onlyIfCurrent); err != nil {
		return err
	}
	return txn.UpdateTestJob(ctx, job)
}

// handleHealth records the result of a health check on its device. A failed
// health check takes the device offline. Devices in a LOOPING health state
// and non health check jobs are left alone.
func (c *Controller) handleHealth(ctx context.Context, txn *Txn, job *model.TestJob, device *model.Device) error {
	if !job.HealthCheck || device.HealthStatus == model.HealthLooping {
		return nil
	}
	device.LastHealthReportJobID = job.ID
	switch job.Status {
	case model.JobIncomplete:
		device.HealthStatus = model.HealthFail
		if device.Status == model.DeviceRetired {
			return nil
		}
		logging.Warningf(ctx, "handleHealth: health check %s failed, taking %s offline", job.DisplayID(), device.Hostname)
		return c.TransitionDevice(ctx, txn, device, model.DeviceOffline, TransitionOptions{
			Message: fmt.Sprintf("Health check %s failed", job.DisplayID()),
			Actor:   c.healthUser,
			JobID:   job.ID,
		})
	case model.JobComplete:
		device.HealthStatus = model.HealthPass
	case model.JobCanceled:
		device.HealthStatus = model.HealthUnknown
	}
	return nil
}

// FailJob ends a job after a failure. When an essential multinode sub-job
// fails, the rest of its group is cancelled in the same transaction: queued
// sub-jobs at once, running ones by moving them to CANCELING for their
// dispatcher.
func (c *Controller) FailJob(ctx context.Context, jobID int64, failMsg string, status model.JobStatus) error {
	if status != model.JobComplete && status != model.JobIncomplete {
		return errors.Annotate(ErrInvalidJobState, "cannot fail a job with status %s", status).Err()
	}
	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		job, err := txn.GetTestJob(ctx, jobID)
		if err != nil {
			return err
		}
		return c.failJob(ctx, txn, job, failMsg, status)
	})
}

func (c *Controller) failJob(ctx context.Context, txn *Txn, job *model.TestJob, failMsg string, status model.JobStatus) error {
	if !job.IsMultinode() || !job.EssentialRole {
		return c.endJob(ctx, txn, job, status, failMsg)
	}

	siblings, err := txn.ListTestJobsInGroup(ctx, job.TargetGroup)
	if err != nil {
		return err
	}
	if err := c.endJob(ctx, txn, job, status, failMsg); err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID == job.ID || sibling.Status.IsTerminal() || sibling.Status == model.JobCanceling {
			continue
		}
		logging.Infof(ctx, "failJob: essential %s failed, canceling %s", job.DisplayID(), sibling.DisplayID())
		sibling.AppendFailureComment(failMsg)
		switch sibling.Status {
		case model.JobSubmitted:
			if err := c.cancelJob(ctx, txn, sibling); err != nil {
				return err
			}
		case model.JobRunning:
			sibling.Status = model.JobCanceling
			if err := txn.UpdateTestJob(ctx, sibling); err != nil {
				return err
			}
		}
	}
	return nil
}

// RequestCancel cancels a job on behalf of user, who must be the submitter
// or an administrator of the job's device. Every job of a multinode group is
// cancelled. Jobs not yet running are cancelled at once; running jobs move
// to CANCELING for their dispatcher to stop.
func (c *Controller) RequestCancel(ctx context.Context, jobID int64, user string) error {
	job, err := c.repo.GetTestJob(ctx, jobID)
	if err != nil {
		return err
	}
	if user == "" || (user != job.Submitter && !c.canAdminJob(ctx, job, user)) {
		return errors.Annotate(ErrPermissionDenied, "%s may not cancel %s", user, job).Err()
	}

	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		var jobs []*model.TestJob
		if job.IsMultinode() {
			group, err := txn.ListTestJobsInGroup(ctx, job.TargetGroup)
			if err != nil {
				return err
			}
			jobs = group
		} else {
			fresh, err := txn.GetTestJob(ctx, jobID)
			if err != nil {
				return err
			}
			jobs = []*model.TestJob{fresh}
		}

		for _, j := range jobs {
			switch j.Status {
			case model.JobSubmitted:
				if err := c.cancelJob(ctx, txn, j); err != nil {
					return err
				}
			case model.JobRunning:
				j.Status = model.JobCanceling
				if err := txn.UpdateTestJob(ctx, j); err != nil {
					return err
				}
			default:
				logging.Debugf(ctx, "RequestCancel: nothing to do for %s", j)
			}
		}
		return nil
	})
}

func (c *Controller) canAdminJob(ctx context.Context, job *model.TestJob, user string) bool {
	if c.caps == nil {
		return false
	}
	worker := c.jobWorker(ctx, job)
	return c.caps.CanAdmin(ctx, worker, user)
}

// jobWorker returns the worker of the job's device, nil if unknown.
func (c *Controller) jobWorker(ctx context.Context, job *model.TestJob) *model.Worker {
	hostname := job.ActualDevice
	if hostname == "" {
		hostname = job.RequestedDevice
	}
	if hostname == "" {
		return nil
	}
	device, err := c.repo.GetDevice(ctx, hostname)
	if err != nil || device.WorkerHost == "" {
		return nil
	}
	worker, err := c.repo.GetWorker(ctx, device.WorkerHost)
	if err != nil {
		return nil
	}
	return worker
}
