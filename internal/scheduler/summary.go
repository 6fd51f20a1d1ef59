// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"sort"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"

	"infra/lab_scheduler/internal/model"
)

// DeviceTypeSummary counts the devices of one type by state.
type DeviceTypeSummary struct {
	DeviceType string
	Idle       int
	// Busy devices are RESERVED, RUNNING or OFFLINING.
	Busy    int
	Offline int
	// Restricted devices are not public.
	Restricted int
}

// DeviceTypeSummary summarizes the devices of the visible device types,
// sorted by type. Retired devices are left out. A nil visible means every
// type.
func (s *Scheduler) DeviceTypeSummary(ctx context.Context, visible []string) ([]*DeviceTypeSummary, error) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "device type summary").Err()
	}
	var allowed stringset.Set
	if visible != nil {
		allowed = stringset.NewFromSlice(visible...)
	}

	byType := map[string]*DeviceTypeSummary{}
	for _, d := range devices {
		if d.Status == model.DeviceRetired {
			continue
		}
		if allowed != nil && !allowed.Has(d.DeviceType) {
			continue
		}
		sum, ok := byType[d.DeviceType]
		if !ok {
			sum = &DeviceTypeSummary{DeviceType: d.DeviceType}
			byType[d.DeviceType] = sum
		}
		switch {
		case d.Status == model.DeviceIdle:
			sum.Idle++
		case d.Status.IsBusy():
			sum.Busy++
		case d.Status == model.DeviceOffline:
			sum.Offline++
		}
		if !d.IsPublic {
			sum.Restricted++
		}
	}

	out := make([]*DeviceTypeSummary, 0, len(byType))
	for _, sum := range byType {
		out = append(out, sum)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DeviceType < out[b].DeviceType })
	return out, nil
}

// PendingJobsByDeviceType counts the SUBMITTED jobs per requested device
// type. Every known device type is listed, with zero if nothing waits.
func (s *Scheduler) PendingJobsByDeviceType(ctx context.Context) (map[string]int, error) {
	counts, err := s.repo.CountPendingTestJobsByDeviceType(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "pending jobs").Err()
	}
	types, err := s.repo.ListDeviceTypes(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "pending jobs").Err()
	}
	out := make(map[string]int, len(types))
	for _, t := range types {
		out[t.Name] = counts[t.Name]
	}
	for name, n := range counts {
		if name != "" {
			out[name] = n
		}
	}
	return out, nil
}
