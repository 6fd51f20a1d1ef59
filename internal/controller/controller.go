// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package controller implements the job and device lifecycle: reserving,
// starting, ending, cancelling and failing jobs, and the device state
// transitions and health bookkeeping coupled to them.
package controller

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/acl"
	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

var (
	// ErrInvalidTransition is returned for a device state change the device
	// state machine does not allow.
	ErrInvalidTransition = errors.New("invalid device state transition")
	// ErrInvalidJobState is returned when a job is not in a state the
	// operation applies to.
	ErrInvalidJobState = errors.New("invalid job state")
	// ErrDeviceBusy is returned when a device cannot take a job.
	ErrDeviceBusy = errors.New("device busy")
	// ErrPermissionDenied is returned when the caller may not act on a job or
	// device.
	ErrPermissionDenied = errors.New("permission denied")
)

const defaultWorkerLivenessWindow = 5 * time.Minute

// EventPublisher receives committed device state transitions.
type EventPublisher interface {
	PublishDeviceTransition(ctx context.Context, t *model.DeviceStateTransition, device *model.Device) error
}

// Options configure a Controller.
type Options struct {
	// Publisher, if set, is sent every committed transition.
	Publisher    EventPublisher
	Capabilities acl.Capabilities
	Dicts        devicedict.Loader
	// HealthCheckUser is the actor of health check driven transitions.
	HealthCheckUser string
	// WorkerLivenessWindow is how recent a heartbeat makes a worker an
	// active dispatcher.
	WorkerLivenessWindow time.Duration
}

// Controller changes job and device state.
type Controller struct {
	repo       store.Repository
	publisher  EventPublisher
	caps       acl.Capabilities
	dicts      devicedict.Loader
	healthUser string
	liveness   time.Duration
}

// New returns a Controller working on repo.
func New(repo store.Repository, opts Options) *Controller {
	if opts.WorkerLivenessWindow == 0 {
		opts.WorkerLivenessWindow = defaultWorkerLivenessWindow
	}
	return &Controller{
		repo:       repo,
		publisher:  opts.Publisher,
		caps:       opts.Capabilities,
		dicts:      opts.Dicts,
		healthUser: opts.HealthCheckUser,
		liveness:   opts.WorkerLivenessWindow,
	}
}

// Repository returns the repository the controller works on.
func (c *Controller) Repository() store.Repository {
	return c.repo
}

type transitionEvent struct {
	transition *model.DeviceStateTransition
	device     *model.Device
}

// Txn is a repository transaction which also collects the device state
// transitions to publish once it commits.
type Txn struct {
	store.Tx
	events []transitionEvent
}

// RunInTransaction runs f in a repository transaction. Transitions recorded
// through TransitionDevice are published after the commit.
func (c *Controller) RunInTransaction(ctx context.Context, f func(context.Context, *Txn) error) error {
	var txn *Txn
	err := c.repo.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		txn = &Txn{Tx: tx}
		return f(ctx, txn)
	})
	if err != nil {
		return err
	}
	c.publish(ctx, txn.events)
	return nil
}

func (c *Controller) publish(ctx context.Context, events []transitionEvent) {
	for _, e := range events {
		deviceTransitionCounter.Add(ctx, 1, string(e.transition.OldState), string(e.transition.NewState))
		if c.publisher == nil {
			continue
		}
		if err := c.publisher.PublishDeviceTransition(ctx, e.transition, e.device); err != nil {
			publishFailureCounter.Add(ctx, 1)
			logging.Errorf(ctx, "publish: failed to publish transition %s of %s: %s",
				e.transition.ID, e.transition.DeviceHostname, err)
		}
	}
}
