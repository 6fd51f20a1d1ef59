// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package store is the repository of devices, jobs, workers and device state
// transitions used by the scheduler.
//
// Rows handed out by a store are copies. Callers mutate their copy and write
// it back inside RunInTransaction; nothing read outside a transaction should
// be trusted when deciding a write.
package store

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"

	"infra/lab_scheduler/internal/database"
	"infra/lab_scheduler/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrWriteConflict is returned when a transaction lost a race with a
	// concurrent writer.
	ErrWriteConflict = database.ErrWriteConflict
)

// Reader reads single rows and the small row sets needed inside a
// transaction.
type Reader interface {
	GetDevice(ctx context.Context, hostname string) (*model.Device, error)
	GetTestJob(ctx context.Context, id int64) (*model.TestJob, error)
	GetDeviceType(ctx context.Context, name string) (*model.DeviceType, error)
	GetWorker(ctx context.Context, hostname string) (*model.Worker, error)
	// ListActiveTestJobsForDevice lists the RUNNING, SUBMITTED and CANCELING
	// jobs whose actual device is hostname.
	ListActiveTestJobsForDevice(ctx context.Context, hostname string) ([]*model.TestJob, error)
	ListTestJobsInGroup(ctx context.Context, targetGroup string) ([]*model.TestJob, error)
}

// Tx is a repository transaction. Reads inside a Tx see the Tx's own writes.
type Tx interface {
	Reader
	UpdateDevice(ctx context.Context, device *model.Device) error
	UpdateTestJob(ctx context.Context, job *model.TestJob) error
	CreateTestJob(ctx context.Context, job *model.TestJob) (int64, error)
	CreateDeviceStateTransition(ctx context.Context, t *model.DeviceStateTransition) error
	UpsertWorker(ctx context.Context, worker *model.Worker) error
}

// Repository is the scheduler's view of the database.
type Repository interface {
	Reader

	// ListQueuedTestJobs lists SUBMITTED jobs without an actual device in
	// queue order.
	ListQueuedTestJobs(ctx context.Context) ([]*model.TestJob, error)
	// ListZombieTestJobs lists SUBMITTED jobs which hold an actual device.
	ListZombieTestJobs(ctx context.Context) ([]*model.TestJob, error)
	ListIdleDevices(ctx context.Context) ([]*model.Device, error)
	ListHealthCheckCandidates(ctx context.Context) ([]*model.Device, error)
	ListDevices(ctx context.Context) ([]*model.Device, error)
	ListDeviceTypes(ctx context.Context) ([]*model.DeviceType, error)
	ListActiveWorkers(ctx context.Context, since time.Time) ([]*model.Worker, error)
	CountTestJobsSince(ctx context.Context, hostname string, sinceID int64) (int, error)
	CountPendingHealthChecks(ctx context.Context, hostname string) (int, error)
	CountPendingTestJobsByDeviceType(ctx context.Context) (map[string]int, error)

	// RunInTransaction runs f in a transaction committed when f returns nil.
	RunInTransaction(ctx context.Context, f func(context.Context, Tx) error) error
}
