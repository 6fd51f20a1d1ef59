// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/memlogger"
	. "go.chromium.org/luci/common/testing/assertions"

	"infra/lab_scheduler/internal/acl"
	"infra/lab_scheduler/internal/controller"
	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/model"
	"infra/lab_scheduler/internal/store"
)

const healthUser = "lab-health"

// fakeSubmitter queues a health check job for the forced device.
type fakeSubmitter struct {
	mem      *store.Memory
	failFor  stringset.Set
	received []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, definition, submitter string, forced *model.Device) ([]*model.TestJob, error) {
	f.received = append(f.received, forced.Hostname)
	if f.failFor.Has(forced.Hostname) {
		return nil, fmt.Errorf("submission rejected for %s", forced.Hostname)
	}
	job := &model.TestJob{
		Status:              model.JobSubmitted,
		Priority:            model.PriorityHigh,
		SubmitTime:          clock.Now(ctx),
		Submitter:           submitter,
		RequestedDevice:     forced.Hostname,
		RequestedDeviceType: forced.DeviceType,
		HealthCheck:         true,
		IsPipeline:          true,
		Definition:          definition,
	}
	job.ID = f.mem.PutTestJob(job)
	return []*model.TestJob{job}, nil
}

type testEnv struct {
	ctx   context.Context
	clk   testclock.TestClock
	ml    *memlogger.MemLogger
	mem   *store.Memory
	dicts devicedict.Static
	sub   *fakeSubmitter
	s     *Scheduler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		clk:   testclock.New(time.Unix(1700000000, 0).UTC()),
		ml:    &memlogger.MemLogger{},
		mem:   store.NewMemory(),
		dicts: devicedict.Static{},
	}
	env.sub = &fakeSubmitter{mem: env.mem, failFor: stringset.New(0)}
	env.ctx = logging.SetFactory(clock.Set(context.Background(), env.clk), func(context.Context) logging.Logger {
		return env.ml
	})
	caps := &acl.Policy{Admins: []string{"admin@example.com"}, Dicts: env.dicts}
	ctrl := controller.New(env.mem, controller.Options{
		Capabilities:    caps,
		Dicts:           env.dicts,
		HealthCheckUser: healthUser,
	})
	env.s = New(ctrl, Options{
		Capabilities:    caps,
		Dicts:           env.dicts,
		Submitter:       env.sub,
		HealthCheckUser: healthUser,
	})
	return env
}

func loggerOutput(ml *memlogger.MemLogger, level logging.Level) string {
	out := ""
	for _, m := range ml.Messages() {
		if m.Level == level {
			out = out + m.Msg
		}
	}
	return out
}

// addDevice stores an idle, healthy, public pipeline device of type qemu
// with a valid dictionary.
func (env *testEnv) addDevice(hostname string, mutate func(*model.Device)) {
	d := &model.Device{
		Hostname:     hostname,
		DeviceType:   "qemu",
		Status:       model.DeviceIdle,
		HealthStatus: model.HealthPass,
		WorkerHost:   "worker-1",
		Tags:         model.TagSet{},
		IsPublic:     true,
		IsPipeline:   true,
	}
	if mutate != nil {
		mutate(d)
	}
	env.mem.PutDevice(d)
	if _, ok := env.dicts[hostname]; !ok {
		env.dicts[hostname] = &devicedict.Dict{DeviceType: d.DeviceType}
	}
}

// addJob stores a SUBMITTED pipeline job for a qemu device.
func (env *testEnv) addJob(mutate func(*model.TestJob)) int64 {
	j := &model.TestJob{
		Status:              model.JobSubmitted,
		Priority:            model.PriorityMedium,
		SubmitTime:          clock.Now(env.ctx),
		Submitter:           "alice@example.com",
		RequestedDeviceType: "qemu",
		Tags:                model.TagSet{},
		IsPipeline:          true,
	}
	if mutate != nil {
		mutate(j)
	}
	return env.mem.PutTestJob(j)
}

func (env *testEnv) device(hostname string) *model.Device {
	d, err := env.mem.GetDevice(env.ctx, hostname)
	So(err, ShouldBeNil)
	return d
}

func (env *testEnv) job(id int64) *model.TestJob {
	j, err := env.mem.GetTestJob(env.ctx, id)
	So(err, ShouldBeNil)
	return j
}

func (env *testEnv) assign() *TickReport {
	report, err := env.s.AssignJobs(env.ctx)
	So(err, ShouldBeNil)
	return report
}

// checkAtMostOne verifies that every device holding a job is referenced by
// exactly that one active job.
func (env *testEnv) checkAtMostOne() {
	devices, err := env.mem.ListDevices(env.ctx)
	So(err, ShouldBeNil)
	for _, d := range devices {
		active, err := env.mem.ListActiveTestJobsForDevice(env.ctx, d.Hostname)
		So(err, ShouldBeNil)
		if d.CurrentJobID == 0 {
			continue
		}
		So(active, ShouldHaveLength, 1)
		So(active[0].ID, ShouldEqual, d.CurrentJobID)
	}
}

func TestAssignJobs(t *testing.T) {
	t.Parallel()

	Convey("AssignJobs", t, func() {
		env := newTestEnv()

		Convey("an empty queue assigns nothing", func() {
			env.addDevice("qemu-01", nil)
			report := env.assign()
			So(report.Assigned, ShouldBeEmpty)
			So(report.AuditOK, ShouldBeTrue)
		})

		Convey("reserves a matching device", func() {
			env.addDevice("qemu-01", nil)
			id := env.addJob(func(j *model.TestJob) { j.SubID = "7" })
			report := env.assign()

			So(report.Assigned, ShouldResemble, []int64{id})
			So(report.Reserved, ShouldResemble, []string{"qemu-01"})
			So(report.AuditOK, ShouldBeTrue)
			So(env.job(id).ActualDevice, ShouldEqual, "qemu-01")
			d := env.device("qemu-01")
			So(d.Status, ShouldEqual, model.DeviceReserved)
			So(d.CurrentJobID, ShouldEqual, id)

			transitions := env.mem.Transitions()
			So(transitions, ShouldHaveLength, 1)
			So(transitions[0].Message, ShouldEqual, "Reserved for job 7")
			So(transitions[0].OldState, ShouldEqual, model.DeviceIdle)
			So(transitions[0].NewState, ShouldEqual, model.DeviceReserved)
		})

		Convey("the higher priority job goes first", func() {
			env.addDevice("qemu-01", nil)
			low := env.addJob(func(j *model.TestJob) { j.Priority = model.PriorityLow })
			high := env.addJob(func(j *model.TestJob) { j.Priority = model.PriorityHigh })
			report := env.assign()

			So(report.Assigned, ShouldResemble, []int64{high})
			So(env.job(low).ActualDevice, ShouldBeEmpty)
			So(env.job(low).Status, ShouldEqual, model.JobSubmitted)
		})

		Convey("a health check goes before any ordinary job", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.HealthStatus = model.HealthUnknown })
			ordinary := env.addJob(func(j *model.TestJob) { j.Priority = model.PriorityHigh })
			health := env.addJob(func(j *model.TestJob) {
				j.Priority = model.PriorityLow
				j.HealthCheck = true
				j.RequestedDevice = "qemu-01"
			})
			report := env.assign()

			So(report.Assigned, ShouldResemble, []int64{health})
			So(env.job(ordinary).ActualDevice, ShouldBeEmpty)
		})

		Convey("a forced health check reserves an OFFLINE device", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.Status = model.DeviceOffline })
			health := env.addJob(func(j *model.TestJob) {
				j.HealthCheck = true
				j.RequestedDevice = "qemu-01"
			})
			report := env.assign()

			So(report.Assigned, ShouldResemble, []int64{health})
			So(env.device("qemu-01").Status, ShouldEqual, model.DeviceReserved)
		})

		Convey("a health check of a busy device waits", func() {
			env.addDevice("qemu-01", nil)
			first := env.addJob(nil)
			So(env.assign().Assigned, ShouldResemble, []int64{first})

			health := env.addJob(func(j *model.TestJob) {
				j.HealthCheck = true
				j.RequestedDevice = "qemu-01"
			})
			report := env.assign()
			So(report.Assigned, ShouldBeEmpty)
			So(report.Rejected, ShouldEqual, 1)
			So(env.job(health).Status, ShouldEqual, model.JobSubmitted)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "is already referenced by 1 jobs")
		})

		Convey("tags must be exactly equal", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.Tags = model.NewTagSet("a", "b") })
			subset := env.addJob(func(j *model.TestJob) { j.Tags = model.NewTagSet("a") })
			superset := env.addJob(func(j *model.TestJob) { j.Tags = model.NewTagSet("a", "b", "c") })
			So(env.assign().Assigned, ShouldBeEmpty)

			exact := env.addJob(func(j *model.TestJob) { j.Tags = model.NewTagSet("b", "a") })
			So(env.assign().Assigned, ShouldResemble, []int64{exact})
			So(env.job(subset).ActualDevice, ShouldBeEmpty)
			So(env.job(superset).ActualDevice, ShouldBeEmpty)
		})

		Convey("a device is not assigned twice in one tick", func() {
			env.addDevice("qemu-01", nil)
			first := env.addJob(nil)
			second := env.addJob(nil)
			report := env.assign()

			So(report.Assigned, ShouldResemble, []int64{first})
			So(env.job(second).Status, ShouldEqual, model.JobSubmitted)
			So(env.job(second).ActualDevice, ShouldBeEmpty)
			env.checkAtMostOne()
		})

		Convey("a second tick without changes assigns nothing", func() {
			env.addDevice("qemu-01", nil)
			env.addDevice("qemu-02", nil)
			for i := 0; i < 3; i++ {
				env.addJob(nil)
			}
			So(env.assign().Assigned, ShouldHaveLength, 2)
			before := len(env.mem.Transitions())

			report := env.assign()
			So(report.Assigned, ShouldBeEmpty)
			So(report.Rejected, ShouldEqual, 0)
			So(env.mem.Transitions(), ShouldHaveLength, before)
			env.checkAtMostOne()
		})

		Convey("private devices are offered first", func() {
			env.addDevice("qemu-01", nil)
			env.addDevice("qemu-99", func(d *model.Device) {
				d.IsPublic = false
				d.OwnerUser = "alice@example.com"
			})
			id := env.addJob(nil)
			env.assign()
			So(env.job(id).ActualDevice, ShouldEqual, "qemu-99")
		})

		Convey("a pipeline job skips legacy devices", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.IsPipeline = false })
			env.addJob(nil)
			So(env.assign().Assigned, ShouldBeEmpty)

			legacy := env.addJob(func(j *model.TestJob) { j.IsPipeline = false })
			So(env.assign().Assigned, ShouldResemble, []int64{legacy})
		})

		Convey("a dynamic connection never gets a device", func() {
			env.addDevice("qemu-01", nil)
			env.addJob(func(j *model.TestJob) {
				j.TargetGroup = "group"
				j.DynamicConnection = true
			})
			So(env.assign().Assigned, ShouldBeEmpty)
		})

		Convey("a write conflict leaves the job queued", func() {
			env.addDevice("qemu-01", nil)
			id := env.addJob(nil)
			env.mem.BeforeCommit = func(ctx context.Context) error {
				d, err := env.mem.GetDevice(ctx, "qemu-01")
				if err != nil {
					return err
				}
				d.Tags = model.NewTagSet("touched")
				env.mem.PutDevice(d)
				return nil
			}
			report := env.assign()
			So(report.Assigned, ShouldBeEmpty)
			So(report.Conflicts, ShouldEqual, 1)
			So(env.job(id).ActualDevice, ShouldBeEmpty)
			So(env.device("qemu-01").Status, ShouldEqual, model.DeviceIdle)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "transaction failed")
		})

		Convey("a concurrent tick is refused", func() {
			env.addDevice("qemu-01", nil)
			env.addJob(nil)
			var nested error
			env.mem.BeforeCommit = func(ctx context.Context) error {
				_, nested = env.s.AssignJobs(ctx)
				return nil
			}
			env.assign()
			So(nested, ShouldErrLike, ErrTickInProgress)
		})

		Convey("a zombie reservation is fixed before the tick", func() {
			env.addDevice("qemu-01", nil)
			zombie := env.addJob(func(j *model.TestJob) { j.ActualDevice = "qemu-01" })
			queued := env.addJob(nil)
			report := env.assign()

			So(report.Repaired, ShouldEqual, 1)
			So(report.Assigned, ShouldBeEmpty)
			d := env.device("qemu-01")
			So(d.Status, ShouldEqual, model.DeviceReserved)
			So(d.CurrentJobID, ShouldEqual, zombie)
			So(env.job(queued).ActualDevice, ShouldBeEmpty)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "Fixing up a broken device reservation")
			env.checkAtMostOne()
		})

		Convey("a device held by a running job is adopted and refused", func() {
			env.addDevice("qemu-01", nil)
			running := env.addJob(func(j *model.TestJob) {
				j.Status = model.JobRunning
				j.ActualDevice = "qemu-01"
			})
			queued := env.addJob(nil)
			report := env.assign()

			So(report.Rejected, ShouldEqual, 1)
			So(report.Assigned, ShouldBeEmpty)
			d := env.device("qemu-01")
			So(d.Status, ShouldEqual, model.DeviceReserved)
			So(d.CurrentJobID, ShouldEqual, running)
			So(env.job(queued).ActualDevice, ShouldBeEmpty)
			env.checkAtMostOne()
		})

		Convey("a device referenced by several jobs is left alone", func() {
			env.addDevice("qemu-01", nil)
			for i := 0; i < 2; i++ {
				env.addJob(func(j *model.TestJob) {
					j.Status = model.JobRunning
					j.ActualDevice = "qemu-01"
				})
			}
			env.addJob(nil)
			report := env.assign()

			So(report.Rejected, ShouldEqual, 1)
			d := env.device("qemu-01")
			So(d.Status, ShouldEqual, model.DeviceIdle)
			So(d.CurrentJobID, ShouldEqual, 0)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "is already referenced by 2 jobs")
		})

		Convey("a stale current job blocks the device", func() {
			env.addDevice("qemu-01", func(d *model.Device) { d.CurrentJobID = 42 })
			env.addJob(nil)
			So(env.assign().Assigned, ShouldBeEmpty)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "current job is 42")
		})
	})
}

func TestAuditReservations(t *testing.T) {
	t.Parallel()

	Convey("auditReservations", t, func() {
		env := newTestEnv()
		env.addDevice("qemu-01", nil)

		Convey("accepts a proper reservation", func() {
			id := env.addJob(nil)
			env.assign()
			available, err := env.s.availableDevices(env.ctx)
			So(err, ShouldBeNil)
			So(env.s.auditReservations(env.ctx, []string{"qemu-01"}, available), ShouldBeTrue)
			So(env.job(id).ActualDevice, ShouldEqual, "qemu-01")
		})
		Convey("reports a device which is still idle", func() {
			available, err := env.s.availableDevices(env.ctx)
			So(err, ShouldBeNil)
			So(env.s.auditReservations(env.ctx, []string{"qemu-01"}, available), ShouldBeFalse)

			warnings := loggerOutput(env.ml, logging.Warning)
			So(warnings, ShouldContainSubstring, "failed to properly reserve qemu-01")
			So(warnings, ShouldContainSubstring, "still listed as available")
			So(warnings, ShouldContainSubstring, "has no current job")
		})
		Convey("reports a job pointing elsewhere", func() {
			id := env.addJob(func(j *model.TestJob) {
				j.Status = model.JobRunning
				j.ActualDevice = "qemu-02"
			})
			d := env.device("qemu-01")
			d.Status = model.DeviceRunning
			d.CurrentJobID = id
			env.mem.PutDevice(d)

			So(env.s.auditReservations(env.ctx, []string{"qemu-01"}, nil), ShouldBeFalse)
			So(loggerOutput(env.ml, logging.Warning), ShouldContainSubstring, "is not the same device")
		})
	})
}
