// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"database/sql/driver"
	"encoding/json"
	"sort"

	"go.chromium.org/luci/common/data/stringset"
)

// TagSet is a set of capability tags stored as a JSONB array.
type TagSet []string

// NewTagSet returns a sorted TagSet without duplicates.
func NewTagSet(tags ...string) TagSet {
	if len(tags) == 0 {
		return TagSet{}
	}
	return TagSet(stringset.NewFromSlice(tags...).ToSortedSlice())
}

// Set returns the tags as a stringset.
func (t TagSet) Set() stringset.Set {
	return stringset.NewFromSlice(t...)
}

// Equal reports whether both tag sets contain exactly the same tags.
func (t TagSet) Equal(other TagSet) bool {
	a, b := t.Set(), other.Set()
	if a.Len() != b.Len() {
		return false
	}
	for _, tag := range other {
		if !a.Has(tag) {
			return false
		}
	}
	return true
}

// Covers reports whether every tag of other is in t.
func (t TagSet) Covers(other TagSet) bool {
	a := t.Set()
	for _, tag := range other {
		if !a.Has(tag) {
			return false
		}
	}
	return true
}

// Scan implements scanner interface for TagSet.
func (t *TagSet) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		bytes = []byte(`[]`)
	}
	var tags []string
	if err := json.Unmarshal(bytes, &tags); err != nil {
		return err
	}
	*t = NewTagSet(tags...)
	return nil
}

// Value implements Valuer interface for TagSet.
func (t TagSet) Value() (driver.Value, error) {
	if t == nil {
		t = TagSet{}
	}
	bytes, err := json.Marshal(t)
	return string(bytes), err
}

// VLANRequirements maps a VLAN name to the tags an interface needs to carry
// to serve it.
type VLANRequirements map[string]TagSet

// Names returns the VLAN names in sorted order.
func (v VLANRequirements) Names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scan implements scanner interface for VLANRequirements.
func (v *VLANRequirements) Scan(value interface{}) error {
	var bytes []byte
	switch x := value.(type) {
	case []byte:
		bytes = x
	case string:
		bytes = []byte(x)
	default:
		bytes = []byte(`{}`)
	}
	return json.Unmarshal(bytes, v)
}

// Value implements Valuer interface for VLANRequirements.
func (v VLANRequirements) Value() (driver.Value, error) {
	if v == nil {
		v = VLANRequirements{}
	}
	bytes, err := json.Marshal(v)
	return string(bytes), err
}
