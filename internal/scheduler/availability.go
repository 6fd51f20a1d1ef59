// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"sort"

	"go.chromium.org/luci/common/errors"

	"infra/lab_scheduler/internal/model"
)

// availableDevices lists the IDLE devices. Devices restricted to an owner
// come before public ones so that users get their own hardware first.
func (s *Scheduler) availableDevices(ctx context.Context) ([]*model.Device, error) {
	devices, err := s.repo.ListIdleDevices(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "available devices").Err()
	}
	sort.SliceStable(devices, func(a, b int) bool {
		if devices[a].IsPublic != devices[b].IsPublic {
			return !devices[a].IsPublic
		}
		return devices[a].Hostname < devices[b].Hostname
	})
	return devices, nil
}

// removeDevice returns devices without hostname.
func removeDevice(devices []*model.Device, hostname string) []*model.Device {
	for i, d := range devices {
		if d.Hostname == hostname {
			return append(devices[:i:i], devices[i+1:]...)
		}
	}
	return devices
}
