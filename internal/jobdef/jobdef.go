// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package jobdef extracts the scheduling fields of a job definition.
//
// Only device selection fields are read: device type, priority, tags,
// multinode roles and VLAN requirements. Everything else in the definition
// is opaque here.
package jobdef

import (
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"go.chromium.org/luci/common/errors"

	"infra/lab_scheduler/internal/model"
)

// ErrInvalid is returned for a definition which cannot be scheduled.
var ErrInvalid = errors.New("invalid job definition")

const (
	multinodeProtocol = "lava-multinode"
	vlandProtocol     = "lava-vland"
)

// Request is the typed scheduling view of a job definition.
type Request struct {
	JobName    string
	DeviceType string
	// Target is the device hostname requested by a legacy definition.
	Target   string
	Priority int
	Tags     model.TagSet
	VLANs    model.VLANRequirements
	// Roles are the multinode roles sorted by name. Empty for a single node
	// job.
	Roles []Role
	// Context is passed to the device configuration when it is rendered.
	Context map[string]interface{}
	// IsPipeline is false for legacy JSON definitions.
	IsPipeline bool
	VMGroup    string
}

// IsMultinode reports whether the request declares multinode roles.
func (r *Request) IsMultinode() bool {
	return len(r.Roles) > 0
}

// Role is one multinode role.
type Role struct {
	Name       string
	DeviceType string
	Count      int
	Tags       model.TagSet
	Essential  bool
	// DynamicConnection roles connect to a device of another role and do not
	// reserve a device.
	DynamicConnection bool
	VLANs             model.VLANRequirements
}

type priority int

func (p *priority) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "high":
		*p = model.PriorityHigh
		return nil
	case "medium":
		*p = model.PriorityMedium
		return nil
	case "low":
		*p = model.PriorityLow
		return nil
	}
	v, err := strconv.Atoi(node.Value)
	if err != nil || v < model.PriorityLow || v > model.PriorityHigh {
		return errors.Reason("invalid priority %q", node.Value).Err()
	}
	*p = priority(v)
	return nil
}

type rawRole struct {
	DeviceType string   `yaml:"device_type"`
	Count      *int     `yaml:"count"`
	Tags       []string `yaml:"tags"`
	Essential  bool     `yaml:"essential"`
	Connection string   `yaml:"connection"`
}

type rawDefinition struct {
	JobName    string                 `yaml:"job_name"`
	DeviceType string                 `yaml:"device_type"`
	Target     string                 `yaml:"target"`
	Priority   *priority              `yaml:"priority"`
	Tags       []string               `yaml:"tags"`
	Context    map[string]interface{} `yaml:"context"`
	VMGroup    interface{}            `yaml:"vm_group"`
	Protocols  struct {
		Multinode struct {
			Roles map[string]rawRole `yaml:"roles"`
		} `yaml:"lava-multinode"`
		VLANd map[string]yaml.Node `yaml:"lava-vland"`
	} `yaml:"protocols"`
}

// Parse parses a job definition. A definition starting with "{" is a legacy
// JSON job.
func Parse(definition string) (*Request, error) {
	trimmed := strings.TrimSpace(definition)
	if trimmed == "" {
		return nil, errors.Annotate(ErrInvalid, "empty definition").Err()
	}

	var raw rawDefinition
	if err := yaml.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, errors.Annotate(ErrInvalid, "%s", err).Err()
	}

	req := &Request{
		JobName:    raw.JobName,
		DeviceType: raw.DeviceType,
		Target:     raw.Target,
		Priority:   model.PriorityMedium,
		Tags:       model.NewTagSet(raw.Tags...),
		Context:    raw.Context,
		IsPipeline: !strings.HasPrefix(trimmed, "{"),
	}
	if raw.Priority != nil {
		req.Priority = int(*raw.Priority)
	}
	if !req.IsPipeline && raw.VMGroup != nil {
		switch v := raw.VMGroup.(type) {
		case string:
			req.VMGroup = v
		case map[string]interface{}:
			req.VMGroup, _ = v["name"].(string)
		}
		if req.VMGroup == "" {
			return nil, errors.Annotate(ErrInvalid, "vm_group needs a name").Err()
		}
	}

	for _, name := range sortedRoleNames(raw.Protocols.Multinode.Roles) {
		r := raw.Protocols.Multinode.Roles[name]
		role := Role{
			Name:              name,
			DeviceType:        r.DeviceType,
			Count:             1,
			Tags:              model.NewTagSet(r.Tags...),
			Essential:         r.Essential,
			DynamicConnection: r.Connection != "",
		}
		if r.Count != nil {
			role.Count = *r.Count
		}
		if role.Count < 1 {
			return nil, errors.Annotate(ErrInvalid, "role %q: count must be at least 1", name).Err()
		}
		if role.DeviceType == "" && !role.DynamicConnection {
			return nil, errors.Annotate(ErrInvalid, "role %q: missing device_type", name).Err()
		}
		req.Roles = append(req.Roles, role)
	}

	vlans, byRole, err := parseVLANs(raw.Protocols.VLANd, req.Roles)
	if err != nil {
		return nil, err
	}
	req.VLANs = vlans
	for i := range req.Roles {
		req.Roles[i].VLANs = byRole[req.Roles[i].Name]
	}

	if req.DeviceType == "" && req.Target == "" && !req.IsMultinode() {
		return nil, errors.Annotate(ErrInvalid, "missing device_type").Err()
	}
	return req, nil
}

func sortedRoleNames(roles map[string]rawRole) []string {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type rawVLAN struct {
	Tags []string `yaml:"tags"`
}

// parseVLANs reads the VLAN protocol block. Entries are keyed by VLAN name,
// or by multinode role name and then VLAN name.
func parseVLANs(block map[string]yaml.Node, roles []Role) (model.VLANRequirements, map[string]model.VLANRequirements, error) {
	if len(block) == 0 {
		return nil, nil, nil
	}
	isRole := map[string]bool{}
	for _, r := range roles {
		isRole[r.Name] = true
	}

	vlans := model.VLANRequirements{}
	byRole := map[string]model.VLANRequirements{}
	for key, node := range block {
		node := node
		if isRole[key] {
			var nested map[string]rawVLAN
			if err := node.Decode(&nested); err != nil {
				return nil, nil, errors.Annotate(ErrInvalid, "vland role %q: %s", key, err).Err()
			}
			reqs := model.VLANRequirements{}
			for name, v := range nested {
				reqs[name] = model.NewTagSet(v.Tags...)
			}
			byRole[key] = reqs
			continue
		}
		var v rawVLAN
		if err := node.Decode(&v); err != nil {
			return nil, nil, errors.Annotate(ErrInvalid, "vlan %q: %s", key, err).Err()
		}
		vlans[key] = model.NewTagSet(v.Tags...)
	}
	if len(vlans) == 0 {
		vlans = nil
	}
	return vlans, byRole, nil
}
