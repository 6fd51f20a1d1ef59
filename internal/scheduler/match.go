// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"

	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/acl"
	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/model"
)

// Matcher picks a device for a job. It only reads.
type Matcher struct {
	Capabilities acl.Capabilities
	Dicts        devicedict.Loader
}

// FindDeviceForJob returns the first device of devices which can run job,
// or nil.
//
// A health check with a requested device gets that device whatever its
// state; the pre-commit validation decides whether it can be reserved.
func (m *Matcher) FindDeviceForJob(ctx context.Context, job *QueuedJob, devices []*model.Device) *model.Device {
	if job.DynamicConnection {
		return nil
	}
	if job.HealthCheck && job.RequestedDevice != "" {
		if job.Requested == nil {
			return nil
		}
		if job.Requested.Status == model.DeviceOffline {
			logging.Debugf(ctx, "FindDeviceForJob: [%s] assigning %s for forced health check", job.DisplayID(), job.Requested.Hostname)
		} else {
			logging.Debugf(ctx, "FindDeviceForJob: [%s] assigning %s for health check", job.DisplayID(), job.Requested.Hostname)
		}
		return job.Requested
	}

	for _, device := range devices {
		if device.Hostname != job.RequestedDevice && device.DeviceType != job.RequestedDeviceType {
			continue
		}
		if job.IsPipeline && !device.IsPipeline {
			continue
		}
		// Only temporary devices of the deprecated VM group mode carry a
		// vm group.
		if job.VMGroup != "" && device.VMGroup != "" && device.VMGroup != job.VMGroup {
			continue
		}
		if m.Capabilities == nil || !m.Capabilities.CanSubmit(ctx, device, job.Submitter) {
			continue
		}
		if !job.Tags.Equal(device.Tags) {
			continue
		}
		if !m.checkDeviceAndJob(ctx, job.TestJob, device) {
			continue
		}
		if len(job.VLANs) > 0 {
			logging.Infof(ctx, "FindDeviceForJob: [%s] checking %s for vlan interface support", job.DisplayID(), device.Hostname)
			if !m.matchVLANInterfaces(ctx, device, job.VLANs) {
				logging.Infof(ctx, "FindDeviceForJob: %s does not match vland tags", device.Hostname)
				continue
			}
		}
		return device
	}
	return nil
}

// checkDeviceAndJob refuses candidates with stale reservation data or a
// broken configuration.
func (m *Matcher) checkDeviceAndJob(ctx context.Context, job *model.TestJob, device *model.Device) bool {
	if !job.IsPipeline && device.IsExclusive {
		return false
	}
	if device.CurrentJobID != 0 {
		// Only a device the job could otherwise have taken is worth a warning.
		requested := job.RequestedDevice != "" && device.Hostname == job.RequestedDevice
		if device.DeviceType == job.RequestedDeviceType && !requested {
			logging.Warningf(ctx, "checkDeviceAndJob: refusing to reserve %s for %s - current job is %d",
				device, job, device.CurrentJobID)
		}
		return false
	}
	if job.IsPipeline && device.IsPipeline && !m.Capabilities.IsPipelineValid(ctx, device) {
		logging.Warningf(ctx, "checkDeviceAndJob: [%s] refusing to reserve for broken device %s", job.DisplayID(), device.Hostname)
		return false
	}
	return true
}
