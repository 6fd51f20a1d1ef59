// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package external

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	. "github.com/smartystreets/goconvey/convey"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	schedulingAPI "go.chromium.org/chromiumos/config/go/test/scheduling"
	. "go.chromium.org/luci/common/testing/assertions"

	"infra/lab_scheduler/internal/model"
)

func TestTransitionPublisher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Set up fake PubSub server
	srv := pstest.NewServer()
	defer func() {
		err := srv.Close()
		if err != nil {
			t.Logf("failed to close fake pubsub server: %s", err)
		}
	}()

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("could not start fake pubsub server")
	}
	defer func() {
		err = conn.Close()
		if err != nil {
			t.Logf("failed to close fake pubsub connection: %s", err)
		}
	}()

	psClient, err := pubsub.NewClient(ctx, "project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("could not connect to fake pubsub server")
	}
	defer func() {
		err = psClient.Close()
		if err != nil {
			t.Logf("failed to close fake pubsub client: %s", err)
		}
	}()

	Convey("TransitionPublisher", t, func() {
		Convey("TransitionPublisher: missing topic", func() {
			_, err := NewTransitionPublisher(ctx, psClient)
			So(err, ShouldErrLike, "not found")
		})
		Convey("TransitionPublisher: publishes a device event", func() {
			_, err := psClient.CreateTopic(ctx, DeviceStateTransitionsTopic)
			So(err, ShouldBeNil)

			p, err := NewTransitionPublisher(ctx, psClient)
			So(err, ShouldBeNil)
			defer p.Stop()

			timeNow := time.Unix(1700000000, 0)
			err = p.PublishDeviceTransition(ctx, &model.DeviceStateTransition{
				ID:             "transition-1",
				DeviceHostname: "qemu-01",
				OldState:       model.DeviceIdle,
				NewState:       model.DeviceReserved,
				Message:        "Reserved for job 7",
				JobID:          7,
				CreatedTime:    timeNow,
			}, &model.Device{
				Hostname:     "qemu-01",
				DeviceType:   "qemu",
				Status:       model.DeviceReserved,
				HealthStatus: model.HealthPass,
				Tags:         model.TagSet{"usb"},
			})
			So(err, ShouldBeNil)

			msgs := srv.Messages()
			So(msgs, ShouldHaveLength, 1)
			So(msgs[0].Attributes["new_state"], ShouldEqual, "RESERVED")
			So(msgs[0].Attributes["job_id"], ShouldEqual, "7")

			event := &schedulingAPI.DeviceEvent{}
			So(proto.Unmarshal(msgs[0].Data, event), ShouldBeNil)
			So(event, ShouldResembleProto, &schedulingAPI.DeviceEvent{
				EventTime:   1700000000,
				DeviceId:    "qemu-01",
				DeviceReady: false,
				DeviceDimensions: &schedulingAPI.SwarmingDimensions{
					DimsMap: map[string]*schedulingAPI.DimValues{
						"device_type":   {Values: []string{"qemu"}},
						"status":        {Values: []string{"RESERVED"}},
						"health_status": {Values: []string{"PASS"}},
						"tags":          {Values: []string{"usb"}},
					},
				},
			})
		})
	})
}
