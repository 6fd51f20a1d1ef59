// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

// DeviceStatus is the scheduling state of a Device.
type DeviceStatus string

const (
	DeviceIdle      DeviceStatus = "IDLE"
	DeviceReserved  DeviceStatus = "RESERVED"
	DeviceRunning   DeviceStatus = "RUNNING"
	DeviceOffline   DeviceStatus = "OFFLINE"
	DeviceOfflining DeviceStatus = "OFFLINING"
	DeviceRetired   DeviceStatus = "RETIRED"
)

// deviceTransitions lists the states each device state may move to. Moving
// to the same state is always allowed except from RETIRED.
var deviceTransitions = map[DeviceStatus][]DeviceStatus{
	DeviceIdle:      {DeviceReserved, DeviceOffline, DeviceRetired},
	DeviceReserved:  {DeviceIdle, DeviceRunning, DeviceOffline, DeviceOfflining, DeviceRetired},
	DeviceRunning:   {DeviceIdle, DeviceOffline, DeviceOfflining, DeviceRetired},
	DeviceOfflining: {DeviceOffline, DeviceRunning, DeviceRetired},
	// A forced health check reserves an OFFLINE device.
	DeviceOffline: {DeviceIdle, DeviceReserved, DeviceRetired},
	DeviceRetired: nil,
}

// CanTransitionTo reports whether a device in state s may move to state to.
func (s DeviceStatus) CanTransitionTo(to DeviceStatus) bool {
	if s == DeviceRetired {
		return false
	}
	if s == to {
		return true
	}
	for _, next := range deviceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsBusy reports whether the device is held by a job.
func (s DeviceStatus) IsBusy() bool {
	return s == DeviceReserved || s == DeviceRunning || s == DeviceOfflining
}

// HealthStatus is the result of the most recent health check of a Device.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "UNKNOWN"
	HealthPass    HealthStatus = "PASS"
	HealthFail    HealthStatus = "FAIL"
	// HealthLooping marks a device in a manual diagnostic loop. Health check
	// results do not change its health status.
	HealthLooping HealthStatus = "LOOPING"
)

// JobStatus is the lifecycle state of a TestJob.
type JobStatus string

const (
	JobSubmitted  JobStatus = "SUBMITTED"
	JobRunning    JobStatus = "RUNNING"
	JobComplete   JobStatus = "COMPLETE"
	JobIncomplete JobStatus = "INCOMPLETE"
	JobCanceling  JobStatus = "CANCELING"
	JobCanceled   JobStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is permitted.
func (s JobStatus) IsTerminal() bool {
	return s == JobComplete || s == JobIncomplete || s == JobCanceled
}

// ActiveJobStatuses are the job states that hold a claim on a device.
var ActiveJobStatuses = []JobStatus{JobRunning, JobSubmitted, JobCanceling}

// Job priorities as accepted in job definitions.
const (
	PriorityLow    = 0
	PriorityMedium = 50
	PriorityHigh   = 100
)

// HealthDenominator is the unit of a device type's health check cadence.
type HealthDenominator string

const (
	HealthPerHour HealthDenominator = "HOURS"
	HealthPerJob  HealthDenominator = "JOBS"
)
