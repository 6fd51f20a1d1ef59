// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	. "go.chromium.org/luci/common/testing/assertions"
)

func TestResolvePath(t *testing.T) {
	Convey("ResolvePath", t, func() {
		Convey("ResolvePath: flag wins", func() {
			t.Setenv(PathEnvVar, "/etc/lab/env.yaml")
			p, err := ResolvePath("/etc/lab/flag.yaml")
			So(err, ShouldBeNil)
			So(p, ShouldEqual, "/etc/lab/flag.yaml")
		})
		Convey("ResolvePath: environment fallback", func() {
			t.Setenv(PathEnvVar, "/etc/lab/env.yaml")
			p, err := ResolvePath("")
			So(err, ShouldBeNil)
			So(p, ShouldEqual, "/etc/lab/env.yaml")
		})
		Convey("ResolvePath: nothing set", func() {
			t.Setenv(PathEnvVar, "")
			_, err := ResolvePath("")
			So(err, ShouldErrLike, "no config file")
		})
	})
}
