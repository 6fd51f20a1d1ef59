// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

// SubmitHealthChecks submits a health check for every IDLE device, and every
// OFFLINE device in a diagnostic loop, whose health check is due. A device
// with a health check already pending is skipped.
//
// A failure for one device does not stop the scan; all failures are returned
// together. It returns the number of health checks submitted.
func (s *Scheduler) SubmitHealthChecks(ctx context.Context) (int, error) {
	if s.submitter == nil {
		return 0, errors.Reason("SubmitHealthChecks: no submitter").Err()
	}
	devices, err := s.repo.ListHealthCheckCandidates(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "health check candidates").Err()
	}

	var errs *multierror.Error
	deviceTypes := map[string]*model.DeviceType{}
	submitted := 0
	for _, device := range devices {
		if device.Status == model.DeviceRetired {
			logging.Errorf(ctx, "SubmitHealthChecks: [%s] has been retired", device.Hostname)
			continue
		}
		deviceType, ok := deviceTypes[device.DeviceType]
		if !ok {
			deviceType, err = s.repo.GetDeviceType(ctx, device.DeviceType)
			switch {
			case errors.Is(err, store.ErrNotFound):
				logging.Warningf(ctx, "SubmitHealthChecks: unknown device type %s of %s", device.DeviceType, device.Hostname)
			case err != nil:
				errs = multierror.Append(errs, errors.Annotate(err, "device type of %s", device.Hostname).Err())
				continue
			}
			deviceTypes[device.DeviceType] = deviceType
		}
		if deviceType == nil {
			continue
		}

		due, err := s.healthCheckDue(ctx, device, deviceType)
		if err != nil {
			errs = multierror.Append(errs, errors.Annotate(err, "health check of %s", device.Hostname).Err())
			continue
		}
		if !due {
			continue
		}
		pending, err := s.repo.CountPendingHealthChecks(ctx, device.Hostname)
		if err != nil {
			errs = multierror.Append(errs, errors.Annotate(err, "pending health checks of %s", device.Hostname).Err())
			continue
		}
		if pending > 0 {
			logging.Debugf(ctx, "SubmitHealthChecks: %s already has %d pending health checks", device.Hostname, pending)
			continue
		}

		logging.Debugf(ctx, "SubmitHealthChecks: submit health check for %s", device.Hostname)
		if _, err := s.submitter.Submit(ctx, deviceType.HealthCheckJob, s.healthUser, device); err != nil {
			logging.Errorf(ctx, "SubmitHealthChecks: [%s] failed to submit health check - %s", device.DeviceType, err)
			errs = multierror.Append(errs, errors.Annotate(err, "submit health check of %s", device.Hostname).Err())
			continue
		}
		healthCheckCounter.Add(ctx, 1, device.DeviceType)
		submitted++
	}
	return submitted, errs.ErrorOrNil()
}

// healthCheckDue reports whether device needs a health check.
func (s *Scheduler) healthCheckDue(ctx context.Context, device *model.Device, deviceType *model.DeviceType) (bool, error) {
	if deviceType.DisableHealthCheck || strings.TrimSpace(deviceType.HealthCheckJob) == "" {
		return false, nil
	}
	switch device.HealthStatus {
	case model.HealthUnknown, model.HealthLooping:
		logging.Debugf(ctx, "healthCheckDue: %s health status: %s", device.Hostname, device.HealthStatus)
		return true, nil
	}
	if device.LastHealthReportJobID == 0 {
		logging.Debugf(ctx, "healthCheckDue: %s has no last health report job", device.Hostname)
		return true, nil
	}
	last, err := s.repo.GetTestJob(ctx, device.LastHealthReportJobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logging.Debugf(ctx, "healthCheckDue: last health report job %d of %s is gone", device.LastHealthReportJobID, device.Hostname)
		return true, nil
	case err != nil:
		return false, err
	}
	if last.EndTime.IsZero() {
		logging.Debugf(ctx, "healthCheckDue: last health report job [%d] has no end time", last.ID)
		return true, nil
	}

	if deviceType.HealthDenominator == model.HealthPerJob {
		unchecked, err := s.repo.CountTestJobsSince(ctx, device.Hostname, last.ID)
		if err != nil {
			return false, err
		}
		due := unchecked > deviceType.HealthFrequency
		if due {
			logging.Debugf(ctx, "healthCheckDue: %s ran %d jobs, health frequency is every %d jobs",
				device.Hostname, unchecked, deviceType.HealthFrequency)
		}
		return due, nil
	}

	frequency := time.Duration(deviceType.HealthFrequency) * time.Hour
	due := clock.Since(ctx, last.EndTime) > frequency
	if due {
		logging.Debugf(ctx, "healthCheckDue: %s last checked at %s, health frequency is every %d hours",
			device.Hostname, last.EndTime, deviceType.HealthFrequency)
	}
	return due, nil
}
