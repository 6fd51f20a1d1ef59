// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package submission turns job definitions into queued test jobs.
package submission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/acl"
	"infra/lab_scheduler/internal/jobdef"
	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

var (
	// ErrInvalidDefinition is returned for a definition which cannot be
	// scheduled.
	ErrInvalidDefinition = errors.New("invalid job definition")
	// ErrDevicesUnavailable is returned when no device can satisfy the
	// request.
	ErrDevicesUnavailable = errors.New("devices unavailable")
	// ErrNotFound is returned when the requested device or device type does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// Service submits jobs.
type Service struct {
	repo store.Repository
	caps acl.Capabilities
}

// NewService returns a Service writing to repo.
func NewService(repo store.Repository, caps acl.Capabilities) *Service {
	return &Service{repo: repo, caps: caps}
}

// Submit queues the jobs of definition for submitter. A multinode
// definition yields one job per device of every role; either all of them
// are queued or none is.
//
// A forced device makes the job a health check of that device.
func (s *Service) Submit(ctx context.Context, definition, submitter string, forced *model.Device) ([]*model.TestJob, error) {
	req, err := jobdef.Parse(definition)
	if err != nil {
		return nil, errors.Annotate(ErrInvalidDefinition, "%s", err).Err()
	}

	base := &model.TestJob{
		Status:     model.JobSubmitted,
		Priority:   req.Priority,
		SubmitTime: clock.Now(ctx).UTC(),
		Submitter:  submitter,
		Tags:       req.Tags,
		IsPipeline: req.IsPipeline,
		VMGroup:    req.VMGroup,
		VLANs:      req.VLANs,
		Definition: definition,
	}

	var jobs []*model.TestJob
	switch {
	case forced != nil:
		if req.IsMultinode() {
			return nil, errors.Annotate(ErrInvalidDefinition, "multinode health checks are not supported").Err()
		}
		base.HealthCheck = true
		base.RequestedDevice = forced.Hostname
		base.RequestedDeviceType = forced.DeviceType
		jobs = []*model.TestJob{base}
	case req.IsMultinode():
		if jobs, err = s.multinodeJobs(ctx, req, base); err != nil {
			return nil, err
		}
	default:
		if err := s.singleNodeTarget(ctx, req, base); err != nil {
			return nil, err
		}
		jobs = []*model.TestJob{base}
	}

	err = s.repo.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, job := range jobs {
			id, err := tx.CreateTestJob(ctx, job)
			if err != nil {
				return err
			}
			job.ID = id
		}
		if !jobs[0].IsMultinode() {
			return nil
		}
		for i, job := range jobs {
			job.SubID = fmt.Sprintf("%d.%d", jobs[0].ID, i)
			if err := tx.UpdateTestJob(ctx, job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "submit %q", req.JobName).Err()
	}
	for _, job := range jobs {
		logging.Infof(ctx, "Submit: %s submitted %s for %s", submitter, job.DisplayID(), describeTarget(job))
	}
	return jobs, nil
}

// singleNodeTarget resolves the device or device type of a single node job.
func (s *Service) singleNodeTarget(ctx context.Context, req *jobdef.Request, job *model.TestJob) error {
	if req.Target != "" {
		device, err := s.repo.GetDevice(ctx, req.Target)
		if err != nil {
			return notFound(err, "device %s", req.Target)
		}
		if device.Status == model.DeviceRetired {
			return errors.Annotate(ErrDevicesUnavailable, "device %s is retired", req.Target).Err()
		}
		job.RequestedDevice = device.Hostname
		job.RequestedDeviceType = device.DeviceType
		return nil
	}
	if _, err := s.repo.GetDeviceType(ctx, req.DeviceType); err != nil {
		return notFound(err, "device type %s", req.DeviceType)
	}
	n, err := s.usableDevices(ctx, req.DeviceType, req.Tags, job.Submitter)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Annotate(ErrDevicesUnavailable, "no %s device with tags %v available to %s",
			req.DeviceType, []string(req.Tags), job.Submitter).Err()
	}
	job.RequestedDeviceType = req.DeviceType
	return nil
}

// multinodeJobs expands the roles of req into sub-jobs sharing a new target
// group. Every role must have enough usable devices.
func (s *Service) multinodeJobs(ctx context.Context, req *jobdef.Request, base *model.TestJob) ([]*model.TestJob, error) {
	group := uuid.New().String()
	var jobs []*model.TestJob
	for _, role := range req.Roles {
		if !role.DynamicConnection {
			if _, err := s.repo.GetDeviceType(ctx, role.DeviceType); err != nil {
				return nil, notFound(err, "device type %s of role %s", role.DeviceType, role.Name)
			}
			n, err := s.usableDevices(ctx, role.DeviceType, role.Tags, base.Submitter)
			if err != nil {
				return nil, err
			}
			if n < role.Count {
				return nil, errors.Annotate(ErrDevicesUnavailable, "role %s needs %d %s devices, %d available",
					role.Name, role.Count, role.DeviceType, n).Err()
			}
		}
		for i := 0; i < role.Count; i++ {
			job := base.Clone()
			job.TargetGroup = group
			job.MultinodeRole = role.Name
			job.EssentialRole = role.Essential
			job.DynamicConnection = role.DynamicConnection
			job.RequestedDeviceType = role.DeviceType
			job.Tags = role.Tags
			job.VLANs = role.VLANs
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// usableDevices counts the devices of deviceType, not retired, with exactly
// tags, which user may submit to.
func (s *Service) usableDevices(ctx context.Context, deviceType string, tags model.TagSet, user string) (int, error) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "list devices").Err()
	}
	n := 0
	for _, d := range devices {
		if d.DeviceType != deviceType || d.Status == model.DeviceRetired {
			continue
		}
		if !d.Tags.Equal(tags) {
			continue
		}
		if s.caps == nil || !s.caps.CanSubmit(ctx, d, user) {
			continue
		}
		n++
	}
	return n, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, store.ErrNotFound) {
		return errors.Annotate(ErrNotFound, format, args...).Err()
	}
	return err
}

func describeTarget(job *model.TestJob) string {
	if job.RequestedDevice != "" {
		return job.RequestedDevice
	}
	if job.DynamicConnection {
		return "a dynamic connection"
	}
	return job.RequestedDeviceType
}
