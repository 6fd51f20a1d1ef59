// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package devicedict loads device dictionaries, the per-device configuration
// describing how a device is reached and which network interfaces it has.
package devicedict

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/model"
)

var (
	// ErrMissing is returned by Validate for a device without dictionary.
	ErrMissing = errors.New("no device dictionary")
	// ErrInvalid is returned for a dictionary which does not describe the
	// device.
	ErrInvalid = errors.New("invalid device dictionary")
)

// Interface is a physical network interface of a device.
type Interface struct {
	Tags model.TagSet `yaml:"tags"`
}

// Parameters are the device parameters read by the scheduler.
type Parameters struct {
	Interfaces map[string]Interface `yaml:"interfaces"`
}

// Dict is a parsed device dictionary.
type Dict struct {
	DeviceType string     `yaml:"device_type"`
	Parameters Parameters `yaml:"parameters"`
	// Context is the job context the dictionary was loaded for.
	Context map[string]interface{} `yaml:"-"`
}

// InterfaceNames returns the interface names in sorted order.
func (d *Dict) InterfaceNames() []string {
	names := make([]string, 0, len(d.Parameters.Interfaces))
	for name := range d.Parameters.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loader loads the dictionary of a device for a job. A device without a
// dictionary yields (nil, nil).
type Loader interface {
	Load(ctx context.Context, device *model.Device, jobContext map[string]interface{}) (*Dict, error)
}

// Parse parses a YAML device dictionary.
func Parse(data []byte) (*Dict, error) {
	dict := &Dict{}
	if err := yaml.Unmarshal(data, dict); err != nil {
		return nil, errors.Annotate(ErrInvalid, "%s", err).Err()
	}
	for name, iface := range dict.Parameters.Interfaces {
		iface.Tags = model.NewTagSet(iface.Tags...)
		dict.Parameters.Interfaces[name] = iface
	}
	return dict, nil
}

// Validate checks that dict exists and describes device.
func Validate(dict *Dict, device *model.Device) error {
	if dict == nil {
		return errors.Annotate(ErrMissing, "device %s", device.Hostname).Err()
	}
	if dict.DeviceType == "" {
		return errors.Annotate(ErrInvalid, "device %s: missing device_type", device.Hostname).Err()
	}
	if dict.DeviceType != device.DeviceType {
		return errors.Annotate(ErrInvalid, "device %s: device_type %q does not match %q",
			device.Hostname, dict.DeviceType, device.DeviceType).Err()
	}
	return nil
}

// FileLoader reads dictionaries from <Dir>/<hostname>.yaml.
type FileLoader struct {
	Dir string
}

// Load implements Loader.
func (l FileLoader) Load(ctx context.Context, device *model.Device, jobContext map[string]interface{}) (*Dict, error) {
	path := filepath.Join(l.Dir, device.Hostname+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debugf(ctx, "FileLoader: no dictionary for %s", device.Hostname)
			return nil, nil
		}
		return nil, errors.Annotate(err, "read %s", path).Err()
	}
	dict, err := Parse(data)
	if err != nil {
		return nil, errors.Annotate(err, "device %s", device.Hostname).Err()
	}
	dict.Context = jobContext
	return dict, nil
}

// Static serves dictionaries from memory, keyed by hostname.
type Static map[string]*Dict

// Load implements Loader.
func (s Static) Load(ctx context.Context, device *model.Device, jobContext map[string]interface{}) (*Dict, error) {
	dict, ok := s[device.Hostname]
	if !ok {
		return nil, nil
	}
	c := *dict
	c.Context = jobContext
	return &c, nil
}
