// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package external

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"google.golang.org/protobuf/proto"

	schedulingAPI "go.chromium.org/chromiumos/config/go/test/scheduling"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/model"
)

// DeviceStateTransitionsTopic receives one message per device state
// transition.
const DeviceStateTransitionsTopic string = "device-state-transitions-v1"

// TransitionPublisher publishes device state transitions to PubSub.
type TransitionPublisher struct {
	topic *pubsub.Topic
	// client is closed by Stop when the publisher dialed it.
	client *pubsub.Client
}

// NewTransitionPublisher returns a publisher on the transitions topic, which
// must exist.
func NewTransitionPublisher(ctx context.Context, client *pubsub.Client) (*TransitionPublisher, error) {
	topic := client.Topic(DeviceStateTransitionsTopic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("NewTransitionPublisher: topic %s not found", DeviceStateTransitionsTopic)
	}
	return &TransitionPublisher{topic: topic}, nil
}

// PublishDeviceTransition sends a DeviceEvent describing the device after
// the transition. The transition itself is carried in the message
// attributes.
func (p *TransitionPublisher) PublishDeviceTransition(ctx context.Context, t *model.DeviceStateTransition, device *model.Device) error {
	msg, err := proto.Marshal(&schedulingAPI.DeviceEvent{
		EventTime:        t.CreatedTime.Unix(),
		DeviceId:         device.Hostname,
		DeviceReady:      device.Status == model.DeviceIdle,
		DeviceDimensions: convertDeviceToDimensions(device),
	})
	if err != nil {
		return fmt.Errorf("proto.Marshal err: %w", err)
	}

	rsp := p.topic.Publish(ctx, &pubsub.Message{
		Data: msg,
		Attributes: map[string]string{
			"transition_id": t.ID,
			"old_state":     string(t.OldState),
			"new_state":     string(t.NewState),
			"actor":         t.Actor,
			"job_id":        strconv.FormatInt(t.JobID, 10),
			"message":       t.Message,
		},
	})
	if _, err := rsp.Get(ctx); err != nil {
		logging.Debugf(ctx, "PublishDeviceTransition: failed to publish to PubSub %s", err)
		return errors.Annotate(err, "publish transition %s", t.ID).Err()
	}
	return nil
}

// Stop flushes pending messages and closes a dialed client.
func (p *TransitionPublisher) Stop() error {
	p.topic.Stop()
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// convertDeviceToDimensions formats the device attributes for publishing.
func convertDeviceToDimensions(device *model.Device) *schedulingAPI.SwarmingDimensions {
	dims := &schedulingAPI.SwarmingDimensions{
		DimsMap: map[string]*schedulingAPI.DimValues{
			"device_type":   {Values: []string{device.DeviceType}},
			"status":        {Values: []string{string(device.Status)}},
			"health_status": {Values: []string{string(device.HealthStatus)}},
		},
	}
	if len(device.Tags) > 0 {
		dims.GetDimsMap()["tags"] = &schedulingAPI.DimValues{Values: append([]string(nil), device.Tags...)}
	}
	if device.WorkerHost != "" {
		dims.GetDimsMap()["worker_host"] = &schedulingAPI.DimValues{Values: []string{device.WorkerHost}}
	}
	return dims
}
