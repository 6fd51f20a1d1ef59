// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package database

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	. "go.chromium.org/luci/common/testing/assertions"
)

func TestConnConfig(t *testing.T) {
	t.Parallel()

	Convey("connConfig", t, func() {
		cfg := Config{
			Host: "10.0.0.5",
			Port: "5433",
			Name: "lab_scheduler_db",
			User: "scheduler",
		}

		Convey("connConfig: fields are copied", func() {
			c, err := connConfig(cfg, "hunter2")
			So(err, ShouldBeNil)
			So(c.Host, ShouldEqual, "10.0.0.5")
			So(c.Port, ShouldEqual, uint16(5433))
			So(c.Database, ShouldEqual, "lab_scheduler_db")
			So(c.User, ShouldEqual, "scheduler")
			So(c.Password, ShouldEqual, "hunter2")
			So(c.RuntimeParams["application_name"], ShouldEqual, "lab_scheduler")
		})
		Convey("connConfig: bad port", func() {
			cfg.Port = "postgres"
			_, err := connConfig(cfg, "hunter2")
			So(err, ShouldErrLike, `invalid port "postgres"`)
		})
	})
}
