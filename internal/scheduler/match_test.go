// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/controller"
	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/model"
)

func TestFindDeviceForJob(t *testing.T) {
	t.Parallel()

	Convey("FindDeviceForJob", t, func() {
		env := newTestEnv()
		m := env.s.matcher
		device := func(hostname string, mutate func(*model.Device)) *model.Device {
			env.addDevice(hostname, mutate)
			return env.device(hostname)
		}
		queued := func(mutate func(*model.TestJob)) *QueuedJob {
			return &QueuedJob{TestJob: env.job(env.addJob(mutate))}
		}

		Convey("matches on device type", func() {
			qemu := device("qemu-01", nil)
			bbb := device("bbb-01", func(d *model.Device) { d.DeviceType = "bbb" })
			So(m.FindDeviceForJob(env.ctx, queued(nil), []*model.Device{bbb, qemu}), ShouldEqual, qemu)
		})
		Convey("matches a requested device of another type", func() {
			bbb := device("bbb-01", func(d *model.Device) { d.DeviceType = "bbb" })
			job := queued(func(j *model.TestJob) { j.RequestedDevice = "bbb-01" })
			So(m.FindDeviceForJob(env.ctx, job, []*model.Device{bbb}), ShouldEqual, bbb)
		})
		Convey("returns the requested device of a health check", func() {
			offline := device("qemu-01", func(d *model.Device) { d.Status = model.DeviceOffline })
			job := queued(func(j *model.TestJob) {
				j.HealthCheck = true
				j.RequestedDevice = "qemu-01"
			})
			job.Requested = offline
			So(m.FindDeviceForJob(env.ctx, job, nil), ShouldEqual, offline)

			job.Requested = nil
			So(m.FindDeviceForJob(env.ctx, job, []*model.Device{offline}), ShouldBeNil)
		})
		Convey("honours the vm group of temporary devices", func() {
			vm := device("vm-01", func(d *model.Device) { d.VMGroup = "group-a" })
			job := queued(func(j *model.TestJob) {
				j.IsPipeline = false
				j.VMGroup = "group-b"
			})
			So(m.FindDeviceForJob(env.ctx, job, []*model.Device{vm}), ShouldBeNil)
			job.VMGroup = "group-a"
			So(m.FindDeviceForJob(env.ctx, job, []*model.Device{vm}), ShouldEqual, vm)
		})
		Convey("requires the submitter to be allowed", func() {
			private := device("qemu-01", func(d *model.Device) {
				d.IsPublic = false
				d.OwnerUser = "bob@example.com"
			})
			So(m.FindDeviceForJob(env.ctx, queued(nil), []*model.Device{private}), ShouldBeNil)
			bobs := queued(func(j *model.TestJob) { j.Submitter = "bob@example.com" })
			So(m.FindDeviceForJob(env.ctx, bobs, []*model.Device{private}), ShouldEqual, private)
		})
		Convey("refuses a device with a current job", func() {
			busy := device("qemu-01", func(d *model.Device) { d.CurrentJobID = 42 })
			other := device("bbb-01", func(d *model.Device) {
				d.DeviceType = "bbb"
				d.CurrentJobID = 43
			})

			Convey("warning about a device the job could have had", func() {
				So(m.checkDeviceAndJob(env.ctx, queued(nil).TestJob, busy), ShouldBeFalse)
				So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "current job is 42")
			})
			Convey("quietly for another type or the requested device", func() {
				So(m.checkDeviceAndJob(env.ctx, queued(nil).TestJob, other), ShouldBeFalse)
				requested := queued(func(j *model.TestJob) { j.RequestedDevice = "qemu-01" })
				So(m.checkDeviceAndJob(env.ctx, requested.TestJob, busy), ShouldBeFalse)
				So(loggerOutput(env.ml, logging.Warning), ShouldNotContainSubstring, "current job is")
			})
		})
		Convey("refuses an exclusive device to a legacy job", func() {
			exclusive := device("qemu-01", func(d *model.Device) { d.IsExclusive = true })
			legacy := queued(func(j *model.TestJob) { j.IsPipeline = false })
			So(m.FindDeviceForJob(env.ctx, legacy, []*model.Device{exclusive}), ShouldBeNil)
			So(m.FindDeviceForJob(env.ctx, queued(nil), []*model.Device{exclusive}), ShouldEqual, exclusive)
		})
		Convey("refuses a pipeline device with a broken dictionary", func() {
			env.dicts["qemu-01"] = &devicedict.Dict{DeviceType: "bbb"}
			broken := device("qemu-01", nil)
			So(m.FindDeviceForJob(env.ctx, queued(nil), []*model.Device{broken}), ShouldBeNil)
		})
		Convey("never mutates its input", func() {
			qemu := device("qemu-01", nil)
			before := qemu.Clone()
			m.FindDeviceForJob(env.ctx, queued(nil), []*model.Device{qemu})
			So(qemu, ShouldResemble, before)
		})
	})
}

func TestMatchVLANInterfaces(t *testing.T) {
	t.Parallel()

	Convey("matchVLANInterfaces", t, func() {
		env := newTestEnv()
		m := env.s.matcher
		withInterfaces := func(hostname string, interfaces map[string]model.TagSet) *model.Device {
			dict := &devicedict.Dict{DeviceType: "qemu", Parameters: devicedict.Parameters{
				Interfaces: map[string]devicedict.Interface{},
			}}
			for name, tags := range interfaces {
				dict.Parameters.Interfaces[name] = devicedict.Interface{Tags: tags}
			}
			env.dicts[hostname] = dict
			env.addDevice(hostname, nil)
			return env.device(hostname)
		}

		Convey("an interface with all the tags matches", func() {
			d := withInterfaces("qemu-01", map[string]model.TagSet{"eth0": model.NewTagSet("10M", "1G")})
			So(m.matchVLANInterfaces(env.ctx, d, model.VLANRequirements{"v1": model.NewTagSet("10M")}), ShouldBeTrue)
		})
		Convey("an interface missing a tag does not", func() {
			d := withInterfaces("qemu-01", map[string]model.TagSet{"eth0": model.NewTagSet("100M")})
			So(m.matchVLANInterfaces(env.ctx, d, model.VLANRequirements{"v1": model.NewTagSet("10M")}), ShouldBeFalse)
		})
		Convey("each VLAN needs its own interface", func() {
			d := withInterfaces("qemu-01", map[string]model.TagSet{"eth0": model.NewTagSet("10M")})
			vlans := model.VLANRequirements{
				"v1": model.NewTagSet("10M"),
				"v2": model.NewTagSet("10M"),
			}
			So(m.matchVLANInterfaces(env.ctx, d, vlans), ShouldBeFalse)

			d = withInterfaces("qemu-02", map[string]model.TagSet{
				"eth0": model.NewTagSet("10M"),
				"eth1": model.NewTagSet("10M", "1G"),
			})
			So(m.matchVLANInterfaces(env.ctx, d, vlans), ShouldBeTrue)
		})
		Convey("interfaces are taken first come without backtracking", func() {
			d := withInterfaces("qemu-01", map[string]model.TagSet{
				"eth0": model.NewTagSet("10M", "1G"),
				"eth1": model.NewTagSet("10M"),
			})
			// v1 takes eth0, leaving nothing with 1G for v2.
			vlans := model.VLANRequirements{
				"v1": model.NewTagSet("10M"),
				"v2": model.NewTagSet("1G"),
			}
			So(m.matchVLANInterfaces(env.ctx, d, vlans), ShouldBeFalse)
		})
		Convey("interfaces without tags are ignored", func() {
			d := withInterfaces("qemu-01", map[string]model.TagSet{"eth0": {}})
			So(m.matchVLANInterfaces(env.ctx, d, model.VLANRequirements{"v1": {}}), ShouldBeFalse)
		})
		Convey("a device without interfaces never matches", func() {
			env.addDevice("qemu-01", nil)
			So(m.matchVLANInterfaces(env.ctx, env.device("qemu-01"), model.VLANRequirements{"v1": {}}), ShouldBeFalse)
			delete(env.dicts, "qemu-01")
			So(m.matchVLANInterfaces(env.ctx, env.device("qemu-01"), model.VLANRequirements{"v1": {}}), ShouldBeFalse)
		})
		Convey("FindDeviceForJob checks the VLANs of a job", func() {
			fast := withInterfaces("qemu-01", map[string]model.TagSet{"eth0": model.NewTagSet("100M")})
			slow := withInterfaces("qemu-02", map[string]model.TagSet{"eth0": model.NewTagSet("10M", "1G")})
			job := &QueuedJob{TestJob: env.job(env.addJob(func(j *model.TestJob) {
				j.VLANs = model.VLANRequirements{"v1": model.NewTagSet("10M")}
			}))}
			So(m.FindDeviceForJob(env.ctx, job, []*model.Device{fast, slow}), ShouldEqual, slow)
		})
	})
}

func TestValidateIdleDevice(t *testing.T) {
	t.Parallel()

	Convey("validateIdleDevice", t, func() {
		env := newTestEnv()
		validate := func(job *model.TestJob, hostname string) bool {
			var ok bool
			err := env.s.ctrl.RunInTransaction(env.ctx, func(ctx context.Context, txn *controller.Txn) error {
				var err error
				_, ok, err = env.s.validateIdleDevice(ctx, txn, job, hostname)
				return err
			})
			So(err, ShouldBeNil)
			return ok
		}

		Convey("accepts an idle device", func() {
			env.addDevice("qemu-01", nil)
			So(validate(env.job(env.addJob(nil)), "qemu-01"), ShouldBeTrue)
		})
		Convey("refuses a device which is no longer idle", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.Status = model.DeviceOffline })
			So(validate(env.job(env.addJob(nil)), "qemu-01"), ShouldBeFalse)
		})
		Convey("accepts an offline device for a health check", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.Status = model.DeviceOffline })
			job := env.job(env.addJob(func(j *model.TestJob) {
				j.HealthCheck = true
				j.RequestedDevice = "qemu-01"
			}))
			So(validate(job, "qemu-01"), ShouldBeTrue)
		})
		Convey("refuses a running device for a health check", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.Status = model.DeviceRunning })
			job := env.job(env.addJob(func(j *model.TestJob) {
				j.HealthCheck = true
				j.RequestedDevice = "qemu-01"
			}))
			So(validate(job, "qemu-01"), ShouldBeFalse)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "not IDLE or OFFLINE")
		})
		Convey("refuses a device with a current job", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.CurrentJobID = 99 })
			So(validate(env.job(env.addJob(nil)), "qemu-01"), ShouldBeFalse)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "already has current job 99")
		})
	})
}
