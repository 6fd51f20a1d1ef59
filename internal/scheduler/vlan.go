// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/model"
)

// matchVLANInterfaces reports whether every VLAN of vlans can be given its
// own interface of the device. An interface fits a VLAN when it carries all
// the VLAN's tags; interfaces without tags never fit.
//
// VLANs and interfaces are tried in name order and the first fitting
// interface is taken, without backtracking.
func (m *Matcher) matchVLANInterfaces(ctx context.Context, device *model.Device, vlans model.VLANRequirements) bool {
	if m.Dicts == nil {
		return false
	}
	dict, err := m.Dicts.Load(ctx, device, nil)
	if err != nil {
		logging.Warningf(ctx, "matchVLANInterfaces: unable to load configuration of %s: %s", device.Hostname, err)
		return false
	}
	if dict == nil || dict.Parameters.Interfaces == nil {
		return false
	}

	interfaces := dict.InterfaceNames()
	used := stringset.New(len(vlans))
	for _, vlan := range vlans.Names() {
		required := vlans[vlan]
		for _, name := range interfaces {
			tags := dict.Parameters.Interfaces[name].Tags
			if len(tags) == 0 || used.Has(name) {
				continue
			}
			if tags.Covers(required) {
				logging.Debugf(ctx, "matchVLANInterfaces: matched vlan %s to interface %s on %s", vlan, name, device.Hostname)
				used.Add(name)
				break
			}
		}
	}
	return used.Len() == len(vlans)
}
