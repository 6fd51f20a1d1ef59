// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package devicedict

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"go.chromium.org/luci/common/errors"
	. "go.chromium.org/luci/common/testing/assertions"

	"infra/lab_scheduler/internal/model"
)

const bbbDict = `
device_type: bbb
parameters:
  interfaces:
    eth1:
      tags: [1G, 10M]
    eth0:
      tags: [100M]
commands:
  connect: telnet localhost 7000
`

func TestFileLoader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	Convey("FileLoader", t, func() {
		dir := t.TempDir()
		So(os.WriteFile(filepath.Join(dir, "bbb-01.yaml"), []byte(bbbDict), 0o644), ShouldBeNil)
		So(os.WriteFile(filepath.Join(dir, "bbb-02.yaml"), []byte("device_type: [oops"), 0o644), ShouldBeNil)
		l := FileLoader{Dir: dir}

		Convey("FileLoader: reads interfaces", func() {
			device := &model.Device{Hostname: "bbb-01", DeviceType: "bbb"}
			dict, err := l.Load(ctx, device, map[string]interface{}{"arch": "arm"})
			So(err, ShouldBeNil)
			So(dict.DeviceType, ShouldEqual, "bbb")
			So(dict.InterfaceNames(), ShouldResemble, []string{"eth0", "eth1"})
			So(dict.Parameters.Interfaces["eth1"].Tags, ShouldResemble, model.TagSet{"10M", "1G"})
			So(dict.Context["arch"], ShouldEqual, "arm")
			So(Validate(dict, device), ShouldBeNil)
		})
		Convey("FileLoader: missing dictionary", func() {
			dict, err := l.Load(ctx, &model.Device{Hostname: "bbb-03"}, nil)
			So(err, ShouldBeNil)
			So(dict, ShouldBeNil)
		})
		Convey("FileLoader: broken dictionary", func() {
			_, err := l.Load(ctx, &model.Device{Hostname: "bbb-02"}, nil)
			So(errors.Is(err, ErrInvalid), ShouldBeTrue)
		})
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	Convey("Validate", t, func() {
		device := &model.Device{Hostname: "bbb-01", DeviceType: "bbb"}
		So(errors.Is(Validate(nil, device), ErrMissing), ShouldBeTrue)
		So(Validate(&Dict{}, device), ShouldErrLike, "missing device_type")
		So(Validate(&Dict{DeviceType: "qemu"}, device), ShouldErrLike, "does not match")
		So(Validate(&Dict{DeviceType: "bbb"}, device), ShouldBeNil)
	})
}
