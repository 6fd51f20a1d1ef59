// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"go.chromium.org/luci/common/logging"
)

// TestJob contains a single row from the TestJobs table in the database.
type TestJob struct {
	ID int64
	// SubID is "<group id>.<index>" for multinode sub-jobs, else the ID.
	SubID      string
	Status     JobStatus
	Priority   int
	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	Submitter  string
	// RequestedDevice is the hostname the job was forced onto, if any.
	RequestedDevice     string
	RequestedDeviceType string
	// ActualDevice is the hostname of the device reserved for the job.
	ActualDevice string
	Tags         TagSet
	HealthCheck  bool
	// TargetGroup is shared by all sub-jobs of one multinode submission.
	TargetGroup string
	VMGroup     string
	// DynamicConnection sub-jobs ride on another sub-job's device.
	DynamicConnection bool
	EssentialRole     bool
	MultinodeRole     string
	IsPipeline        bool
	VLANs             VLANRequirements
	Definition        string
	FailureComment    string
}

// Clone returns a deep copy of j.
func (j *TestJob) Clone() *TestJob {
	c := *j
	c.Tags = append(TagSet(nil), j.Tags...)
	if j.VLANs != nil {
		c.VLANs = make(VLANRequirements, len(j.VLANs))
		for name, tags := range j.VLANs {
			c.VLANs[name] = append(TagSet(nil), tags...)
		}
	}
	return &c
}

// DisplayID returns the SubID if set, else the ID.
func (j *TestJob) DisplayID() string {
	if j.SubID != "" {
		return j.SubID
	}
	return strconv.FormatInt(j.ID, 10)
}

// IsMultinode reports whether the job belongs to a multinode group.
func (j *TestJob) IsMultinode() bool {
	return j.TargetGroup != ""
}

// AppendFailureComment adds msg to the failure comment.
func (j *TestJob) AppendFailureComment(msg string) {
	if msg == "" {
		return
	}
	if j.FailureComment == "" {
		j.FailureComment = msg
		return
	}
	j.FailureComment = fmt.Sprintf("%s\n%s", j.FailureComment, msg)
}

func (j *TestJob) String() string {
	return fmt.Sprintf("job %s (%s)", j.DisplayID(), j.Status)
}

const testJobColumns = `
			id,
			sub_id,
			status,
			priority,
			submit_time,
			start_time,
			end_time,
			submitter,
			requested_device,
			requested_device_type,
			actual_device,
			tags,
			health_check,
			target_group,
			vm_group,
			dynamic_connection,
			essential_role,
			multinode_role,
			is_pipeline,
			vlans,
			definition,
			failure_comment`

func scanTestJob(row rowScanner) (*TestJob, error) {
	var (
		job             TestJob
		startTime       sql.NullTime
		endTime         sql.NullTime
		requestedDevice sql.NullString
		actualDevice    sql.NullString
		targetGroup     sql.NullString
		vmGroup         sql.NullString
		multinodeRole   sql.NullString
		failureComment  sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.SubID,
		&job.Status,
		&job.Priority,
		&job.SubmitTime,
		&startTime,
		&endTime,
		&job.Submitter,
		&requestedDevice,
		&job.RequestedDeviceType,
		&actualDevice,
		&job.Tags,
		&job.HealthCheck,
		&targetGroup,
		&vmGroup,
		&job.DynamicConnection,
		&job.EssentialRole,
		&multinodeRole,
		&job.IsPipeline,
		&job.VLANs,
		&job.Definition,
		&failureComment,
	)
	if err != nil {
		return nil, err
	}

	// Handle possible nulls
	if startTime.Valid {
		job.StartTime = startTime.Time
	}
	if endTime.Valid {
		job.EndTime = endTime.Time
	}
	job.RequestedDevice = requestedDevice.String
	job.ActualDevice = actualDevice.String
	job.TargetGroup = targetGroup.String
	job.VMGroup = vmGroup.String
	job.MultinodeRole = multinodeRole.String
	job.FailureComment = failureComment.String
	return &job, nil
}

// GetTestJob gets a TestJob from the database by ID.
func GetTestJob(ctx context.Context, q Querier, id int64) (*TestJob, error) {
	job, err := scanTestJob(q.QueryRowContext(ctx, `
		SELECT`+testJobColumns+`
		FROM "TestJobs"
		WHERE id=$1;`, id))
	if err != nil {
		logging.Errorf(ctx, "GetTestJob: failed to get TestJob %d: %s", id, err)
		return nil, err
	}
	return job, nil
}

// ListQueuedTestJobs lists SUBMITTED jobs without a device in queue order.
func ListQueuedTestJobs(ctx context.Context, q Querier) ([]*TestJob, error) {
	return listTestJobs(ctx, q, `
		SELECT`+testJobColumns+`
		FROM "TestJobs"
		WHERE status='SUBMITTED' AND actual_device IS NULL
		ORDER BY
			health_check DESC,
			priority DESC,
			submit_time,
			vm_group,
			target_group,
			id;`)
}

// ListZombieTestJobs lists SUBMITTED jobs which already hold a device.
func ListZombieTestJobs(ctx context.Context, q Querier) ([]*TestJob, error) {
	return listTestJobs(ctx, q, `
		SELECT`+testJobColumns+`
		FROM "TestJobs"
		WHERE status='SUBMITTED' AND actual_device IS NOT NULL
		ORDER BY id;`)
}

// ListActiveTestJobsForDevice lists RUNNING, SUBMITTED and CANCELING jobs
// which hold the device.
func ListActiveTestJobsForDevice(ctx context.Context, q Querier, hostname string) ([]*TestJob, error) {
	return listTestJobs(ctx, q, `
		SELECT`+testJobColumns+`
		FROM "TestJobs"
		WHERE
			actual_device=$1
			AND status IN ('RUNNING', 'SUBMITTED', 'CANCELING')
		ORDER BY id;`, hostname)
}

// ListTestJobsInGroup lists the sub-jobs of a multinode group.
func ListTestJobsInGroup(ctx context.Context, q Querier, targetGroup string) ([]*TestJob, error) {
	return listTestJobs(ctx, q, `
		SELECT`+testJobColumns+`
		FROM "TestJobs"
		WHERE target_group=$1
		ORDER BY id;`, targetGroup)
}

func listTestJobs(ctx context.Context, q Querier, query string, args ...interface{}) ([]*TestJob, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*TestJob
	for rows.Next() {
		job, err := scanTestJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, job)
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// CountTestJobsSince counts the non health check jobs run on a device with an
// ID greater or equal to sinceID.
func CountTestJobsSince(ctx context.Context, q Querier, hostname string, sinceID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM "TestJobs"
		WHERE
			actual_device=$1
			AND health_check=FALSE
			AND id>=$2;`, hostname, sinceID).Scan(&count)
	if err != nil {
		logging.Errorf(ctx, "CountTestJobsSince: failed to count jobs on %s: %s", hostname, err)
		return 0, err
	}
	return count, nil
}

// CountPendingHealthChecks counts the health checks for a device which have
// not finished.
func CountPendingHealthChecks(ctx context.Context, q Querier, hostname string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM "TestJobs"
		WHERE
			requested_device=$1
			AND health_check=TRUE
			AND status IN ('SUBMITTED', 'RUNNING', 'CANCELING');`, hostname).Scan(&count)
	if err != nil {
		logging.Errorf(ctx, "CountPendingHealthChecks: failed to count jobs on %s: %s", hostname, err)
		return 0, err
	}
	return count, nil
}

// CountPendingTestJobsByDeviceType counts SUBMITTED jobs per requested
// device type.
func CountPendingTestJobsByDeviceType(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT requested_device_type, COUNT(*)
		FROM "TestJobs"
		WHERE status='SUBMITTED'
		GROUP BY requested_device_type;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			deviceType string
			count      int
		)
		if err := rows.Scan(&deviceType, &count); err != nil {
			return nil, err
		}
		counts[deviceType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// CreateTestJob inserts a TestJob and returns its new ID.
func CreateTestJob(ctx context.Context, q Querier, job *TestJob) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO "TestJobs"
			(sub_id, status, priority, submit_time, start_time, end_time,
			 submitter, requested_device, requested_device_type, actual_device,
			 tags, health_check, target_group, vm_group, dynamic_connection,
			 essential_role, multinode_role, is_pipeline, vlans, definition,
			 failure_comment)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			 $16, $17, $18, $19, $20, $21)
		RETURNING id;`,
		job.SubID,
		job.Status,
		job.Priority,
		job.SubmitTime,
		nullTime(job.StartTime),
		nullTime(job.EndTime),
		job.Submitter,
		nullString(job.RequestedDevice),
		job.RequestedDeviceType,
		nullString(job.ActualDevice),
		job.Tags,
		job.HealthCheck,
		nullString(job.TargetGroup),
		nullString(job.VMGroup),
		job.DynamicConnection,
		job.EssentialRole,
		nullString(job.MultinodeRole),
		job.IsPipeline,
		job.VLANs,
		job.Definition,
		nullString(job.FailureComment),
	).Scan(&id)
	if err != nil {
		logging.Errorf(ctx, "CreateTestJob: failed to insert TestJob: %s", err)
		return 0, err
	}

	logging.Debugf(ctx, "CreateTestJob: TestJob %d created successfully", id)
	return id, nil
}

// UpdateTestJob writes the mutable fields of a TestJob.
func UpdateTestJob(ctx context.Context, q Querier, job *TestJob) error {
	result, err := q.ExecContext(ctx, `
		UPDATE
			"TestJobs"
		SET
			sub_id=$2,
			status=$3,
			start_time=$4,
			end_time=$5,
			actual_device=$6,
			failure_comment=$7
		WHERE
			id=$1;`,
		job.ID,
		job.SubID,
		job.Status,
		nullTime(job.StartTime),
		nullTime(job.EndTime),
		nullString(job.ActualDevice),
		nullString(job.FailureComment),
	)
	if err != nil {
		logging.Errorf(ctx, "UpdateTestJob: failed to update TestJob %d: %s", job.ID, err)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		logging.Errorf(ctx, "UpdateTestJob: error getting rows affected: %s", err)
	} else if rowsAffected == 0 {
		return fmt.Errorf("UpdateTestJob: TestJob %d: %w", job.ID, sql.ErrNoRows)
	}

	logging.Debugf(ctx, "UpdateTestJob: TestJob %d updated successfully (%d row affected)", job.ID, rowsAffected)
	return nil
}

// QueueLess orders queued jobs: health checks first, then priority
// descending, submit time, VM group, target group and ID. Empty groups sort
// last as NULLs do in the database.
func QueueLess(a, b *TestJob) bool {
	if a.HealthCheck != b.HealthCheck {
		return a.HealthCheck
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmitTime.Equal(b.SubmitTime) {
		return a.SubmitTime.Before(b.SubmitTime)
	}
	if a.VMGroup != b.VMGroup {
		return lessNullsLast(a.VMGroup, b.VMGroup)
	}
	if a.TargetGroup != b.TargetGroup {
		return lessNullsLast(a.TargetGroup, b.TargetGroup)
	}
	return a.ID < b.ID
}

func lessNullsLast(a, b string) bool {
	switch {
	case a == "":
		return false
	case b == "":
		return true
	}
	return a < b
}
