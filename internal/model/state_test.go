// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDeviceStatusTransitions(t *testing.T) {
	t.Parallel()

	Convey("CanTransitionTo", t, func() {
		Convey("reservation cycle", func() {
			So(DeviceIdle.CanTransitionTo(DeviceReserved), ShouldBeTrue)
			So(DeviceReserved.CanTransitionTo(DeviceRunning), ShouldBeTrue)
			So(DeviceRunning.CanTransitionTo(DeviceIdle), ShouldBeTrue)
			So(DeviceReserved.CanTransitionTo(DeviceIdle), ShouldBeTrue)
		})
		Convey("idle devices cannot start running", func() {
			So(DeviceIdle.CanTransitionTo(DeviceRunning), ShouldBeFalse)
			So(DeviceIdle.CanTransitionTo(DeviceOfflining), ShouldBeFalse)
		})
		Convey("offlining only ends offline", func() {
			So(DeviceRunning.CanTransitionTo(DeviceOfflining), ShouldBeTrue)
			So(DeviceOfflining.CanTransitionTo(DeviceOffline), ShouldBeTrue)
			So(DeviceOfflining.CanTransitionTo(DeviceIdle), ShouldBeFalse)
		})
		Convey("retired is terminal", func() {
			for _, s := range []DeviceStatus{DeviceIdle, DeviceReserved, DeviceRunning, DeviceOffline, DeviceOfflining} {
				So(s.CanTransitionTo(DeviceRetired), ShouldBeTrue)
				So(DeviceRetired.CanTransitionTo(s), ShouldBeFalse)
			}
			So(DeviceRetired.CanTransitionTo(DeviceRetired), ShouldBeFalse)
		})
	})

	Convey("JobStatus.IsTerminal", t, func() {
		So(JobComplete.IsTerminal(), ShouldBeTrue)
		So(JobIncomplete.IsTerminal(), ShouldBeTrue)
		So(JobCanceled.IsTerminal(), ShouldBeTrue)
		So(JobCanceling.IsTerminal(), ShouldBeFalse)
		So(JobSubmitted.IsTerminal(), ShouldBeFalse)
	})
}
