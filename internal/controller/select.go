// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package controller

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/jobdef"
	"infra/lab_scheduler/internal/model"
)

// Selection is a reserved device ready to be handed to its dispatcher.
type Selection struct {
	Job    *model.TestJob
	Device *model.Device
	Dict   *devicedict.Dict
	// Roles maps the hostname of every device of a multinode group to its
	// role.
	Roles map[string]string
}

// SelectDevice checks that the device reserved for a job can be handed to a
// dispatcher. dispatchers are the hostnames of live workers; nil means the
// active dispatchers.
//
// A nil Selection with a nil error means the job has to wait. Administrative
// errors, such as a device without worker or without a usable dictionary,
// fail the job as INCOMPLETE and return a nil Selection.
func (c *Controller) SelectDevice(ctx context.Context, jobID int64, dispatchers []string) (*Selection, error) {
	if dispatchers == nil {
		var err error
		if dispatchers, err = c.ActiveDispatchers(ctx); err != nil {
			return nil, err
		}
	}

	job, err := c.repo.GetTestJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobSubmitted || job.ActualDevice == "" {
		return nil, errors.Annotate(ErrInvalidJobState, "%s is not reserved", job).Err()
	}
	device, err := c.repo.GetDevice(ctx, job.ActualDevice)
	if err != nil {
		return nil, err
	}

	if device.WorkerHost == "" {
		msg := fmt.Sprintf("Misconfigured device configuration for %s - missing worker_host", device.Hostname)
		return nil, c.adminFailure(ctx, job, msg)
	}

	roles := map[string]string{}
	if job.IsMultinode() {
		group, err := c.repo.ListTestJobsInGroup(ctx, job.TargetGroup)
		if err != nil {
			return nil, err
		}
		for _, sub := range group {
			if sub.DynamicConnection {
				continue
			}
			if sub.ActualDevice == "" {
				logging.Debugf(ctx, "SelectDevice: %s waits for %s to get a device", job.DisplayID(), sub.DisplayID())
				return nil, nil
			}
			roles[sub.ActualDevice] = sub.MultinodeRole
		}
	}

	if !stringset.NewFromSlice(dispatchers...).Has(device.WorkerHost) {
		logging.Infof(ctx, "SelectDevice: worker %s of %s not yet heard from", device.WorkerHost, device.Hostname)
		return nil, nil
	}

	var jobContext map[string]interface{}
	if req, err := jobdef.Parse(job.Definition); err == nil {
		jobContext = req.Context
	}
	if c.dicts == nil {
		return nil, c.adminFailure(ctx, job, fmt.Sprintf("Administrative error. Device '%s' has no device dictionary.", device.Hostname))
	}
	dict, err := c.dicts.Load(ctx, device, jobContext)
	if err != nil {
		msg := fmt.Sprintf("Administrative error. Unable to parse device configuration: '%s'", err)
		return nil, c.adminFailure(ctx, job, msg)
	}
	if dict == nil {
		msg := fmt.Sprintf("Administrative error. Device '%s' has no device dictionary.", device.Hostname)
		return nil, c.adminFailure(ctx, job, msg)
	}
	if err := devicedict.Validate(dict, device); err != nil {
		msg := fmt.Sprintf("Administrative error. Unable to parse device configuration: '%s'", err)
		return nil, c.adminFailure(ctx, job, msg)
	}

	return &Selection{Job: job, Device: device, Dict: dict, Roles: roles}, nil
}

// adminFailure fails a job because of a lab misconfiguration. The device is
// released without a health penalty, except that a health check job is
// still scored like any failed health check.
func (c *Controller) adminFailure(ctx context.Context, job *model.TestJob, msg string) error {
	logging.Errorf(ctx, "SelectDevice: %s: %s", job.DisplayID(), msg)
	return c.FailJob(ctx, job.ID, msg, model.JobIncomplete)
}
