// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.chromium.org/luci/common/errors"

	"infra/lab_scheduler/internal/model"
)

// Memory is an in-memory Repository with optimistic concurrency control.
//
// A transaction records the version of every row it reads and stages its
// writes. Commit fails with ErrWriteConflict if any row read or written by
// the transaction changed since, or if a job list it read changed. No lock is
// held while the transaction function runs.
type Memory struct {
	// BeforeCommit, if set, runs before every commit. A non-nil error aborts
	// the commit with that error. Tests use it to inject concurrent writes.
	BeforeCommit func(ctx context.Context) error

	mu          sync.Mutex
	devices     map[string]*model.Device
	deviceVer   map[string]int64
	jobs        map[int64]*model.TestJob
	jobVer      map[int64]int64
	jobsVer     int64
	deviceTypes map[string]*model.DeviceType
	workers     map[string]*model.Worker
	transitions []*model.DeviceStateTransition
	nextJobID   int64
	version     int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		devices:     map[string]*model.Device{},
		deviceVer:   map[string]int64{},
		jobs:        map[int64]*model.TestJob{},
		jobVer:      map[int64]int64{},
		deviceTypes: map[string]*model.DeviceType{},
		workers:     map[string]*model.Worker{},
		nextJobID:   1,
	}
}

// bump returns a new row version. Must be called with mu held.
func (m *Memory) bump() int64 {
	m.version++
	return m.version
}

// PutDevice creates or overwrites a device outside of any transaction.
func (m *Memory) PutDevice(d *model.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.Hostname] = d.Clone()
	m.deviceVer[d.Hostname] = m.bump()
}

// PutDeviceType creates or overwrites a device type.
func (m *Memory) PutDeviceType(t *model.DeviceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.deviceTypes[t.Name] = &c
}

// PutWorker creates or overwrites a worker.
func (m *Memory) PutWorker(w *model.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *w
	m.workers[w.Hostname] = &c
}

// PutTestJob creates or overwrites a job outside of any transaction. A job
// without an ID gets the next one. It returns the job ID.
func (m *Memory) PutTestJob(j *model.TestJob) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := j.Clone()
	if c.ID == 0 {
		c.ID = m.nextJobID
	}
	if c.ID >= m.nextJobID {
		m.nextJobID = c.ID + 1
	}
	m.jobs[c.ID] = c
	m.jobVer[c.ID] = m.bump()
	m.jobsVer = m.version
	return c.ID
}

// Transitions returns every recorded device state transition.
func (m *Memory) Transitions() []*model.DeviceStateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DeviceStateTransition, len(m.transitions))
	for i, t := range m.transitions {
		c := *t
		out[i] = &c
	}
	return out
}

func (m *Memory) GetDevice(ctx context.Context, hostname string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[hostname]
	if !ok {
		return nil, errors.Annotate(ErrNotFound, "device %s", hostname).Err()
	}
	return d.Clone(), nil
}

func (m *Memory) GetTestJob(ctx context.Context, id int64) (*model.TestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Annotate(ErrNotFound, "job %d", id).Err()
	}
	return j.Clone(), nil
}

func (m *Memory) GetDeviceType(ctx context.Context, name string) (*model.DeviceType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.deviceTypes[name]
	if !ok {
		return nil, errors.Annotate(ErrNotFound, "device type %s", name).Err()
	}
	c := *t
	return &c, nil
}

func (m *Memory) GetWorker(ctx context.Context, hostname string) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[hostname]
	if !ok {
		return nil, errors.Annotate(ErrNotFound, "worker %s", hostname).Err()
	}
	c := *w
	return &c, nil
}

func (m *Memory) ListActiveTestJobsForDevice(ctx context.Context, hostname string) ([]*model.TestJob, error) {
	return m.filterJobs(isActiveOn(hostname)), nil
}

func (m *Memory) ListTestJobsInGroup(ctx context.Context, targetGroup string) ([]*model.TestJob, error) {
	return m.filterJobs(inGroup(targetGroup)), nil
}

func (m *Memory) ListQueuedTestJobs(ctx context.Context) ([]*model.TestJob, error) {
	jobs := m.filterJobs(func(j *model.TestJob) bool {
		return j.Status == model.JobSubmitted && j.ActualDevice == ""
	})
	sort.SliceStable(jobs, func(a, b int) bool { return model.QueueLess(jobs[a], jobs[b]) })
	return jobs, nil
}

func (m *Memory) ListZombieTestJobs(ctx context.Context) ([]*model.TestJob, error) {
	return m.filterJobs(func(j *model.TestJob) bool {
		return j.Status == model.JobSubmitted && j.ActualDevice != ""
	}), nil
}

func (m *Memory) ListIdleDevices(ctx context.Context) ([]*model.Device, error) {
	return m.filterDevices(func(d *model.Device) bool {
		return d.Status == model.DeviceIdle
	}), nil
}

func (m *Memory) ListHealthCheckCandidates(ctx context.Context) ([]*model.Device, error) {
	return m.filterDevices(func(d *model.Device) bool {
		return d.Status == model.DeviceIdle ||
			(d.Status == model.DeviceOffline && d.HealthStatus == model.HealthLooping)
	}), nil
}

func (m *Memory) ListDevices(ctx context.Context) ([]*model.Device, error) {
	return m.filterDevices(func(*model.Device) bool { return true }), nil
}

func (m *Memory) ListDeviceTypes(ctx context.Context) ([]*model.DeviceType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeviceType
	for _, t := range m.deviceTypes {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (m *Memory) ListActiveWorkers(ctx context.Context, since time.Time) ([]*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Worker
	for _, w := range m.workers {
		if !w.LastPing.Before(since) {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Hostname < out[b].Hostname })
	return out, nil
}

func (m *Memory) CountTestJobsSince(ctx context.Context, hostname string, sinceID int64) (int, error) {
	return len(m.filterJobs(func(j *model.TestJob) bool {
		return j.ActualDevice == hostname && !j.HealthCheck && j.ID >= sinceID
	})), nil
}

func (m *Memory) CountPendingHealthChecks(ctx context.Context, hostname string) (int, error) {
	return len(m.filterJobs(func(j *model.TestJob) bool {
		return j.RequestedDevice == hostname && j.HealthCheck && isActiveStatus(j.Status)
	})), nil
}

func (m *Memory) CountPendingTestJobsByDeviceType(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	for _, j := range m.filterJobs(func(j *model.TestJob) bool { return j.Status == model.JobSubmitted }) {
		counts[j.RequestedDeviceType]++
	}
	return counts, nil
}

func (m *Memory) filterJobs(keep func(*model.TestJob) bool) []*model.TestJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TestJob
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *Memory) filterDevices(keep func(*model.Device) bool) []*model.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Device
	for _, d := range m.devices {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Hostname < out[b].Hostname })
	return out
}

func isActiveStatus(s model.JobStatus) bool {
	for _, active := range model.ActiveJobStatuses {
		if s == active {
			return true
		}
	}
	return false
}

func isActiveOn(hostname string) func(*model.TestJob) bool {
	return func(j *model.TestJob) bool {
		return j.ActualDevice == hostname && isActiveStatus(j.Status)
	}
}

func inGroup(targetGroup string) func(*model.TestJob) bool {
	return func(j *model.TestJob) bool {
		return j.TargetGroup == targetGroup
	}
}

// RunInTransaction runs f against a snapshot-isolated view of the store.
func (m *Memory) RunInTransaction(ctx context.Context, f func(context.Context, Tx) error) error {
	tx := &memoryTx{
		m:          m,
		deviceRead: map[string]int64{},
		jobRead:    map[int64]int64{},
		devices:    map[string]*model.Device{},
		jobs:       map[int64]*model.TestJob{},
		workers:    map[string]*model.Worker{},
	}
	if err := f(ctx, tx); err != nil {
		return err
	}
	if m.BeforeCommit != nil {
		if err := m.BeforeCommit(ctx); err != nil {
			return err
		}
	}
	return tx.commit()
}

type memoryTx struct {
	m *Memory

	// Row versions observed by the transaction.
	deviceRead  map[string]int64
	jobRead     map[int64]int64
	jobsVerRead int64
	listedJobs  bool

	// Staged writes.
	devices     map[string]*model.Device
	jobs        map[int64]*model.TestJob
	workers     map[string]*model.Worker
	transitions []*model.DeviceStateTransition
}

func (t *memoryTx) GetDevice(ctx context.Context, hostname string) (*model.Device, error) {
	if d, ok := t.devices[hostname]; ok {
		return d.Clone(), nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	d, ok := t.m.devices[hostname]
	if _, seen := t.deviceRead[hostname]; !seen {
		t.deviceRead[hostname] = t.m.deviceVer[hostname]
	}
	if !ok {
		return nil, errors.Annotate(ErrNotFound, "device %s", hostname).Err()
	}
	return d.Clone(), nil
}

func (t *memoryTx) GetTestJob(ctx context.Context, id int64) (*model.TestJob, error) {
	if j, ok := t.jobs[id]; ok {
		return j.Clone(), nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	j, ok := t.m.jobs[id]
	if _, seen := t.jobRead[id]; !seen {
		t.jobRead[id] = t.m.jobVer[id]
	}
	if !ok {
		return nil, errors.Annotate(ErrNotFound, "job %d", id).Err()
	}
	return j.Clone(), nil
}

func (t *memoryTx) GetDeviceType(ctx context.Context, name string) (*model.DeviceType, error) {
	return t.m.GetDeviceType(ctx, name)
}

func (t *memoryTx) GetWorker(ctx context.Context, hostname string) (*model.Worker, error) {
	if w, ok := t.workers[hostname]; ok {
		c := *w
		return &c, nil
	}
	return t.m.GetWorker(ctx, hostname)
}

func (t *memoryTx) ListActiveTestJobsForDevice(ctx context.Context, hostname string) ([]*model.TestJob, error) {
	return t.listJobs(isActiveOn(hostname)), nil
}

func (t *memoryTx) ListTestJobsInGroup(ctx context.Context, targetGroup string) ([]*model.TestJob, error) {
	return t.listJobs(inGroup(targetGroup)), nil
}

// listJobs reads committed jobs overlaid with the staged ones. The whole job
// table version is recorded so that a concurrent insert or update fails the
// commit.
func (t *memoryTx) listJobs(keep func(*model.TestJob) bool) []*model.TestJob {
	t.m.mu.Lock()
	merged := make(map[int64]*model.TestJob, len(t.m.jobs))
	for id, j := range t.m.jobs {
		merged[id] = j
	}
	if !t.listedJobs {
		t.listedJobs = true
		t.jobsVerRead = t.m.jobsVer
	}
	t.m.mu.Unlock()

	for id, j := range t.jobs {
		merged[id] = j
	}
	var out []*model.TestJob
	for _, j := range merged {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (t *memoryTx) UpdateDevice(ctx context.Context, device *model.Device) error {
	if _, ok := t.devices[device.Hostname]; !ok {
		t.m.mu.Lock()
		_, exists := t.m.devices[device.Hostname]
		if _, seen := t.deviceRead[device.Hostname]; !seen {
			t.deviceRead[device.Hostname] = t.m.deviceVer[device.Hostname]
		}
		t.m.mu.Unlock()
		if !exists {
			return errors.Annotate(ErrNotFound, "device %s", device.Hostname).Err()
		}
	}
	t.devices[device.Hostname] = device.Clone()
	return nil
}

func (t *memoryTx) UpdateTestJob(ctx context.Context, job *model.TestJob) error {
	if _, ok := t.jobs[job.ID]; !ok {
		t.m.mu.Lock()
		_, exists := t.m.jobs[job.ID]
		if _, seen := t.jobRead[job.ID]; !seen {
			t.jobRead[job.ID] = t.m.jobVer[job.ID]
		}
		t.m.mu.Unlock()
		if !exists {
			return errors.Annotate(ErrNotFound, "job %d", job.ID).Err()
		}
	}
	t.jobs[job.ID] = job.Clone()
	return nil
}

// CreateTestJob takes the next ID immediately, as a database sequence does.
func (t *memoryTx) CreateTestJob(ctx context.Context, job *model.TestJob) (int64, error) {
	t.m.mu.Lock()
	id := t.m.nextJobID
	t.m.nextJobID++
	t.m.mu.Unlock()

	c := job.Clone()
	c.ID = id
	t.jobs[id] = c
	t.jobRead[id] = 0
	return id, nil
}

func (t *memoryTx) CreateDeviceStateTransition(ctx context.Context, tr *model.DeviceStateTransition) error {
	c := *tr
	t.transitions = append(t.transitions, &c)
	return nil
}

func (t *memoryTx) UpsertWorker(ctx context.Context, worker *model.Worker) error {
	c := *worker
	t.workers[worker.Hostname] = &c
	return nil
}

func (t *memoryTx) commit() error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for hostname, ver := range t.deviceRead {
		if m.deviceVer[hostname] != ver {
			return errors.Annotate(ErrWriteConflict, "device %s changed", hostname).Err()
		}
	}
	for id, ver := range t.jobRead {
		if m.jobVer[id] != ver {
			return errors.Annotate(ErrWriteConflict, "job %d changed", id).Err()
		}
	}
	if t.listedJobs && m.jobsVer != t.jobsVerRead {
		return errors.Annotate(ErrWriteConflict, "jobs changed").Err()
	}
	if err := t.checkUniqueLocked(); err != nil {
		return err
	}

	for hostname, d := range t.devices {
		m.devices[hostname] = d
		m.deviceVer[hostname] = m.bump()
	}
	for id, j := range t.jobs {
		m.jobs[id] = j
		m.jobVer[id] = m.bump()
		m.jobsVer = m.version
	}
	for hostname, w := range t.workers {
		m.workers[hostname] = w
	}
	m.transitions = append(m.transitions, t.transitions...)
	return nil
}

// checkUniqueLocked enforces that at most one active job holds a device, as
// the unique index in the database does. Only jobs written by this
// transaction are checked.
func (t *memoryTx) checkUniqueLocked() error {
	for id, j := range t.jobs {
		if j.ActualDevice == "" || !isActiveStatus(j.Status) {
			continue
		}
		for otherID, other := range t.m.jobs {
			if otherID == id {
				continue
			}
			if staged, ok := t.jobs[otherID]; ok {
				other = staged
			}
			if other.ActualDevice == j.ActualDevice && isActiveStatus(other.Status) {
				return errors.Annotate(ErrWriteConflict, "device %s already held by job %d", j.ActualDevice, otherID).Err()
			}
		}
	}
	return nil
}
