// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"time"

	"go.chromium.org/luci/common/errors"

	"infra/lab_scheduler/internal/database"
	"infra/lab_scheduler/internal/model"
)

// SQL is a Repository backed by the Postgres schema in database/migrations.
type SQL struct {
	sqlReader
	db *sql.DB
}

// NewSQL returns a Repository using db.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{sqlReader: sqlReader{q: db}, db: db}
}

type sqlReader struct {
	q model.Querier
}

type sqlTx struct {
	sqlReader
	tx *sql.Tx
}

func notFound(err error, what string, key interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Annotate(ErrNotFound, "%s %v", what, key).Err()
	}
	return err
}

func (r sqlReader) GetDevice(ctx context.Context, hostname string) (*model.Device, error) {
	d, err := model.GetDevice(ctx, r.q, hostname)
	return d, notFound(err, "device", hostname)
}

func (r sqlReader) GetTestJob(ctx context.Context, id int64) (*model.TestJob, error) {
	j, err := model.GetTestJob(ctx, r.q, id)
	return j, notFound(err, "job", id)
}

func (r sqlReader) GetDeviceType(ctx context.Context, name string) (*model.DeviceType, error) {
	t, err := model.GetDeviceType(ctx, r.q, name)
	return t, notFound(err, "device type", name)
}

func (r sqlReader) GetWorker(ctx context.Context, hostname string) (*model.Worker, error) {
	w, err := model.GetWorker(ctx, r.q, hostname)
	return w, notFound(err, "worker", hostname)
}

func (r sqlReader) ListActiveTestJobsForDevice(ctx context.Context, hostname string) ([]*model.TestJob, error) {
	return model.ListActiveTestJobsForDevice(ctx, r.q, hostname)
}

func (r sqlReader) ListTestJobsInGroup(ctx context.Context, targetGroup string) ([]*model.TestJob, error) {
	return model.ListTestJobsInGroup(ctx, r.q, targetGroup)
}

// GetDevice locks the device row for the rest of the transaction.
func (t sqlTx) GetDevice(ctx context.Context, hostname string) (*model.Device, error) {
	d, err := model.GetDeviceForUpdate(ctx, t.tx, hostname)
	return d, notFound(err, "device", hostname)
}

func (t sqlTx) UpdateDevice(ctx context.Context, device *model.Device) error {
	return notFound(model.UpdateDevice(ctx, t.tx, device), "device", device.Hostname)
}

func (t sqlTx) UpdateTestJob(ctx context.Context, job *model.TestJob) error {
	return notFound(model.UpdateTestJob(ctx, t.tx, job), "job", job.ID)
}

func (t sqlTx) CreateTestJob(ctx context.Context, job *model.TestJob) (int64, error) {
	return model.CreateTestJob(ctx, t.tx, job)
}

func (t sqlTx) CreateDeviceStateTransition(ctx context.Context, tr *model.DeviceStateTransition) error {
	return model.CreateDeviceStateTransition(ctx, t.tx, tr)
}

func (t sqlTx) UpsertWorker(ctx context.Context, worker *model.Worker) error {
	return model.UpsertWorker(ctx, t.tx, worker)
}

func (s *SQL) ListQueuedTestJobs(ctx context.Context) ([]*model.TestJob, error) {
	return model.ListQueuedTestJobs(ctx, s.db)
}

func (s *SQL) ListZombieTestJobs(ctx context.Context) ([]*model.TestJob, error) {
	return model.ListZombieTestJobs(ctx, s.db)
}

func (s *SQL) ListIdleDevices(ctx context.Context) ([]*model.Device, error) {
	return model.ListIdleDevices(ctx, s.db)
}

func (s *SQL) ListHealthCheckCandidates(ctx context.Context) ([]*model.Device, error) {
	return model.ListHealthCheckCandidates(ctx, s.db)
}

func (s *SQL) ListDevices(ctx context.Context) ([]*model.Device, error) {
	return model.ListDevices(ctx, s.db)
}

func (s *SQL) ListDeviceTypes(ctx context.Context) ([]*model.DeviceType, error) {
	return model.ListDeviceTypes(ctx, s.db)
}

func (s *SQL) ListActiveWorkers(ctx context.Context, since time.Time) ([]*model.Worker, error) {
	return model.ListActiveWorkers(ctx, s.db, since)
}

func (s *SQL) CountTestJobsSince(ctx context.Context, hostname string, sinceID int64) (int, error) {
	return model.CountTestJobsSince(ctx, s.db, hostname, sinceID)
}

func (s *SQL) CountPendingHealthChecks(ctx context.Context, hostname string) (int, error) {
	return model.CountPendingHealthChecks(ctx, s.db, hostname)
}

func (s *SQL) CountPendingTestJobsByDeviceType(ctx context.Context) (map[string]int, error) {
	return model.CountPendingTestJobsByDeviceType(ctx, s.db)
}

// RunInTransaction runs f in a SERIALIZABLE database transaction.
func (s *SQL) RunInTransaction(ctx context.Context, f func(context.Context, Tx) error) error {
	return database.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return f(ctx, sqlTx{sqlReader: sqlReader{q: tx}, tx: tx})
	})
}
