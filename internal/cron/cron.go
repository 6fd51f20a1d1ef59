// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cron runs the scheduler ticks periodically.
package cron

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/runtime/paniccatcher"
	"go.chromium.org/luci/server"
)

// Loop is a function run periodically in the background.
type Loop struct {
	Name string
	// Interval is the minimum time between two starts of F.
	Interval time.Duration
	F        func(context.Context) error
}

// RegisterLoops starts every loop when srv runs.
func RegisterLoops(srv *server.Server, loops ...Loop) {
	for _, l := range loops {
		l := l // variable scoping
		srv.RunInBackground("lab_scheduler."+l.Name, func(ctx context.Context) {
			Run(ctx, l.Interval, l.F)
		})
	}
}

// Run runs f repeatedly, until the context is cancelled.
//
// This method runs f based on minInterval time interval.
func Run(ctx context.Context, minInterval time.Duration, f func(context.Context) error) {
	defer logging.Warningf(ctx, "exiting cron")

	// call calls the provided cron method f
	//
	// A panic in f is logged and the loop goes on.
	call := func(ctx context.Context) (err error) {
		defer paniccatcher.Catch(func(p *paniccatcher.Panic) {
			logging.Errorf(ctx, "caught panic: %s\n%s", p.Reason, p.Stack)
		})
		return f(ctx)
	}

	for {
		start := clock.Now(ctx)
		if err := call(ctx); err != nil {
			logging.Errorf(ctx, "iteration failed: %s", err)
		}

		// Ensure minInterval between iterations.
		if sleep := minInterval - clock.Since(ctx, start); sleep > 0 {
			if r := <-clock.After(ctx, sleep); r.Err != nil {
				return
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}
