// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package controller

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/model"
)

// TransitionOptions describe why a device changes state.
type TransitionOptions struct {
	Message string
	// Actor is the user or service making the change.
	Actor string
	JobID int64
}

// TransitionDevice moves device to state to and writes the device with an
// audit record of the change. All device status changes go through here.
//
// Moving to the current state only saves the device.
func (c *Controller) TransitionDevice(ctx context.Context, txn *Txn, device *model.Device, to model.DeviceStatus, opts TransitionOptions) error {
	from := device.Status
	if !from.CanTransitionTo(to) {
		return errors.Annotate(ErrInvalidTransition, "device %s: %s -> %s", device.Hostname, from, to).Err()
	}

	now := clock.Now(ctx).UTC()
	device.Status = to
	device.LastUpdatedTime = now
	if err := txn.UpdateDevice(ctx, device); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	t := &model.DeviceStateTransition{
		ID:             uuid.New().String(),
		DeviceHostname: device.Hostname,
		OldState:       from,
		NewState:       to,
		Message:        opts.Message,
		Actor:          opts.Actor,
		JobID:          opts.JobID,
		CreatedTime:    now,
	}
	if err := txn.CreateDeviceStateTransition(ctx, t); err != nil {
		return err
	}
	txn.events = append(txn.events, transitionEvent{transition: t, device: device.Clone()})
	logging.Debugf(ctx, "TransitionDevice: %s %s -> %s (%s)", device.Hostname, from, to, opts.Message)
	return nil
}

// saveDevice writes device without changing its state.
func (c *Controller) saveDevice(ctx context.Context, txn *Txn, device *model.Device) error {
	device.LastUpdatedTime = clock.Now(ctx).UTC()
	return txn.UpdateDevice(ctx, device)
}

// Reserve binds job to device and moves the device to RESERVED. The caller
// has checked that the device is free.
func (c *Controller) Reserve(ctx context.Context, txn *Txn, job *model.TestJob, device *model.Device, actor string) error {
	job.ActualDevice = device.Hostname
	device.CurrentJobID = job.ID
	err := c.TransitionDevice(ctx, txn, device, model.DeviceReserved, TransitionOptions{
		Message: fmt.Sprintf("Reserved for job %s", job.DisplayID()),
		Actor:   actor,
		JobID:   job.ID,
	})
	if err != nil {
		return err
	}
	return txn.UpdateTestJob(ctx, job)
}

// releaseDevice returns the device of a finished job to the pool. A device
// being taken offline ends OFFLINE, an OFFLINE or RETIRED device stays so and
// any other device goes IDLE.
//
// With onlyIfCurrent, a device held by another job keeps its state and job.
func (c *Controller) releaseDevice(ctx context.Context, txn *Txn, job *model.TestJob, device *model.Device, onlyIfCurrent bool) error {
	if onlyIfCurrent && device.CurrentJobID != 0 && device.CurrentJobID != job.ID {
		logging.Warningf(ctx, "releaseDevice: %s is held by job %d, not %s", device.Hostname, device.CurrentJobID, job.DisplayID())
		return c.saveDevice(ctx, txn, device)
	}
	device.CurrentJobID = 0

	opts := TransitionOptions{JobID: job.ID}
	switch {
	case device.Status == model.DeviceOffline || device.Status == model.DeviceRetired:
		return c.saveDevice(ctx, txn, device)
	case device.Status == model.DeviceOfflining:
		opts.Message = fmt.Sprintf("Job %s finished, device was going offline", job.DisplayID())
		return c.TransitionDevice(ctx, txn, device, model.DeviceOffline, opts)
	default:
		opts.Message = fmt.Sprintf("Job %s finished", job.DisplayID())
		return c.TransitionDevice(ctx, txn, device, model.DeviceIdle, opts)
	}
}
