// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package controller

import (
	"context"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

// PutIntoMaintenance takes a device offline. A busy device goes OFFLINING
// and becomes OFFLINE when its job ends.
func (c *Controller) PutIntoMaintenance(ctx context.Context, hostname, user, reason string) error {
	return c.adminTransition(ctx, hostname, user, func(device *model.Device) model.DeviceStatus {
		if device.Status.IsBusy() {
			return model.DeviceOfflining
		}
		return model.DeviceOffline
	}, reason)
}

// PutIntoLooping takes a device offline in the LOOPING health state, where
// health checks run repeatedly without changing its health.
func (c *Controller) PutIntoLooping(ctx context.Context, hostname, user, reason string) error {
	return c.adminTransition(ctx, hostname, user, func(device *model.Device) model.DeviceStatus {
		device.HealthStatus = model.HealthLooping
		if device.Status.IsBusy() {
			return model.DeviceOfflining
		}
		return model.DeviceOffline
	}, reason)
}

// PutOnline returns an OFFLINE device to the pool. A LOOPING or FAIL health
// becomes UNKNOWN so that a health check runs first.
func (c *Controller) PutOnline(ctx context.Context, hostname, user, reason string) error {
	return c.adminTransition(ctx, hostname, user, func(device *model.Device) model.DeviceStatus {
		if device.Status != model.DeviceOffline {
			return device.Status
		}
		if device.HealthStatus == model.HealthLooping || device.HealthStatus == model.HealthFail {
			device.HealthStatus = model.HealthUnknown
		}
		return model.DeviceIdle
	}, reason)
}

// Retire removes a device from the lab for good.
func (c *Controller) Retire(ctx context.Context, hostname, user, reason string) error {
	return c.adminTransition(ctx, hostname, user, func(*model.Device) model.DeviceStatus {
		return model.DeviceRetired
	}, reason)
}

func (c *Controller) adminTransition(ctx context.Context, hostname, user string, next func(*model.Device) model.DeviceStatus, reason string) error {
	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		device, err := txn.GetDevice(ctx, hostname)
		if err != nil {
			return err
		}
		var worker *model.Worker
		if device.WorkerHost != "" {
			worker, err = txn.GetWorker(ctx, device.WorkerHost)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if c.caps == nil || !c.caps.CanAdmin(ctx, worker, user) {
			return errors.Annotate(ErrPermissionDenied, "%s may not administer %s", user, hostname).Err()
		}
		to := next(device)
		logging.Infof(ctx, "adminTransition: %s moves %s to %s: %s", user, hostname, to, reason)
		return c.TransitionDevice(ctx, txn, device, to, TransitionOptions{
			Message: reason,
			Actor:   user,
			JobID:   device.CurrentJobID,
		})
	})
}

// UpdateWorkerHeartbeat records a heartbeat from a dispatcher worker,
// creating the worker on its first heartbeat.
func (c *Controller) UpdateWorkerHeartbeat(ctx context.Context, hostname string) error {
	return c.RunInTransaction(ctx, func(ctx context.Context, txn *Txn) error {
		worker, err := txn.GetWorker(ctx, hostname)
		switch {
		case errors.Is(err, store.ErrNotFound):
			logging.Infof(ctx, "UpdateWorkerHeartbeat: new worker %s", hostname)
			worker = &model.Worker{Hostname: hostname}
		case err != nil:
			return err
		}
		worker.LastPing = clock.Now(ctx).UTC()
		return txn.UpsertWorker(ctx, worker)
	})
}

// ActiveDispatchers lists the hostnames of workers with a recent heartbeat.
func (c *Controller) ActiveDispatchers(ctx context.Context) ([]string, error) {
	since := clock.Now(ctx).Add(-c.liveness)
	workers, err := c.repo.ListActiveWorkers(ctx, since)
	if err != nil {
		return nil, err
	}
	hostnames := make([]string, 0, len(workers))
	for _, w := range workers {
		hostnames = append(hostnames, w.Hostname)
	}
	return hostnames, nil
}
