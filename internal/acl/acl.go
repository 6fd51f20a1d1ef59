// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package acl

import (
	"context"
	"strings"

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/auth"

	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/model"
)

// Capabilities answers the permission questions asked while scheduling.
type Capabilities interface {
	// CanSubmit reports whether user may run jobs on device.
	CanSubmit(ctx context.Context, device *model.Device, user string) bool
	// CanAdmin reports whether user may administer devices of worker. A nil
	// worker asks about the whole lab.
	CanAdmin(ctx context.Context, worker *model.Worker, user string) bool
	// IsPipelineValid reports whether the stored configuration of a pipeline
	// device is usable.
	IsPipelineValid(ctx context.Context, device *model.Device) bool
}

// Policy implements Capabilities from device ownership and group tables.
type Policy struct {
	// Admins administer every device.
	Admins []string
	// Groups maps a group name to its members.
	Groups map[string][]string
	// WorkerAdmins maps a worker hostname to users who administer its
	// devices.
	WorkerAdmins map[string][]string
	// UseAuthDB also resolves group membership with the LUCI AuthDB of the
	// request context.
	UseAuthDB bool
	Dicts     devicedict.Loader
}

// CanSubmit implements Capabilities.
func (p *Policy) CanSubmit(ctx context.Context, device *model.Device, user string) bool {
	switch {
	case device.IsPublic:
		return true
	case device.OwnerUser != "" && device.OwnerUser == user:
		return true
	case device.OwnerGroup != "" && p.isMember(ctx, user, device.OwnerGroup):
		return true
	}
	return p.isAdmin(user)
}

// CanAdmin implements Capabilities.
func (p *Policy) CanAdmin(ctx context.Context, worker *model.Worker, user string) bool {
	if p.isAdmin(user) {
		return true
	}
	if worker == nil {
		return false
	}
	return stringset.NewFromSlice(p.WorkerAdmins[worker.Hostname]...).Has(user)
}

// IsPipelineValid implements Capabilities.
func (p *Policy) IsPipelineValid(ctx context.Context, device *model.Device) bool {
	if p.Dicts == nil {
		return false
	}
	dict, err := p.Dicts.Load(ctx, device, nil)
	if err != nil {
		logging.Warningf(ctx, "IsPipelineValid: unable to load configuration of %s: %s", device.Hostname, err)
		return false
	}
	if err := devicedict.Validate(dict, device); err != nil {
		logging.Debugf(ctx, "IsPipelineValid: %s", err)
		return false
	}
	return true
}

func (p *Policy) isAdmin(user string) bool {
	return user != "" && stringset.NewFromSlice(p.Admins...).Has(user)
}

func (p *Policy) isMember(ctx context.Context, user, group string) bool {
	if user == "" {
		return false
	}
	if stringset.NewFromSlice(p.Groups[group]...).Has(user) {
		return true
	}
	if !p.UseAuthDB {
		return false
	}
	state := auth.GetState(ctx)
	if state == nil {
		return false
	}
	ok, err := state.DB().IsMember(ctx, toIdentity(user), []string{group})
	if err != nil {
		logging.Errorf(ctx, "isMember: failed to check %s in %s: %s", user, group, err)
		return false
	}
	return ok
}

func toIdentity(user string) identity.Identity {
	if strings.Contains(user, ":") {
		return identity.Identity(user)
	}
	return identity.Identity("user:" + user)
}
