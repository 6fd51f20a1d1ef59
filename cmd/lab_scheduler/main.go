// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/cron"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/secrets"

	"infra/lab_scheduler/internal/acl"
	"infra/lab_scheduler/internal/config"
	"infra/lab_scheduler/internal/controller"
	labcron "infra/lab_scheduler/internal/cron"
	"infra/lab_scheduler/internal/database"
	"infra/lab_scheduler/internal/devicedict"
	"infra/lab_scheduler/internal/external"
	"infra/lab_scheduler/internal/scheduler"
	"infra/lab_scheduler/internal/store"
	"infra/lab_scheduler/internal/submission"
)

func main() {
	modules := []module.Module{
		cron.NewModuleFromFlags(),
		secrets.NewModuleFromFlags(),
	}

	dbHost := flag.String(
		"db-host",
		"lab_scheduler_db",
		"The DB host location to connect to.",
	)

	dbPort := flag.String(
		"db-port",
		"5432",
		"The DB port number to connect to.",
	)

	dbName := flag.String(
		"db-name",
		"lab_scheduler_db",
		"The DB name to connect to.",
	)

	dbUser := flag.String(
		"db-user",
		"postgres",
		"The DB user to connect as.",
	)

	dbPasswordSecret := flag.String(
		"db-password-secret",
		"devsecret-text://password",
		"The DB password location for Secret Store to use.",
	)

	configPath := flag.String(
		"config",
		"",
		"Path to the scheduler config file. Defaults to $"+config.PathEnvVar+".",
	)

	publishTransitions := flag.Bool(
		"publish-transitions",
		true,
		"Publish device state transitions to Pub/Sub.",
	)

	server.Main(nil, modules, func(srv *server.Server) error {
		logging.Debugf(srv.Context, "main: initializing server")

		path, err := config.ResolvePath(*configPath)
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		db, err := database.Connect(srv.Context, database.Config{
			Host:           *dbHost,
			Port:           *dbPort,
			Name:           *dbName,
			User:           *dbUser,
			PasswordSecret: *dbPasswordSecret,
		})
		if err != nil {
			return err
		}
		if err := database.Migrate(srv.Context, db); err != nil {
			return err
		}
		srv.RegisterCleanup(func(context.Context) { db.Close() })
		repo := store.NewSQL(db)

		dicts := devicedict.FileLoader{Dir: cfg.DeviceDictionaryDir}
		policy := &acl.Policy{
			Admins:       cfg.Admins,
			Groups:       cfg.Groups,
			WorkerAdmins: cfg.WorkerAdmins,
			UseAuthDB:    true,
			Dicts:        dicts,
		}

		ctrlOpts := controller.Options{
			Capabilities:         policy,
			Dicts:                dicts,
			HealthCheckUser:      cfg.HealthCheckUser,
			WorkerLivenessWindow: cfg.WorkerLivenessWindow,
		}
		if *publishTransitions {
			pub, err := external.DialTransitionPublisher(srv.Context, srv.Options.CloudProject)
			if err != nil {
				return err
			}
			srv.RegisterCleanup(func(ctx context.Context) {
				if err := pub.Stop(); err != nil {
					logging.Warningf(ctx, "main: closing PubSub client: %s", err)
				}
			})
			ctrlOpts.Publisher = pub
		}

		logging.Debugf(srv.Context, "main: installing scheduler")

		ctrl := controller.New(repo, ctrlOpts)
		sched := scheduler.New(ctrl, scheduler.Options{
			Capabilities:    policy,
			Dicts:           dicts,
			Submitter:       submission.NewService(repo, policy),
			HealthCheckUser: cfg.HealthCheckUser,
		})

		labcron.RegisterLoops(srv,
			labcron.Loop{
				Name:     "assign-jobs",
				Interval: cfg.AssignInterval,
				F: func(ctx context.Context) error {
					_, err := sched.AssignJobs(ctx)
					if errors.Is(err, scheduler.ErrTickInProgress) {
						return nil
					}
					return err
				},
			},
			labcron.Loop{
				Name:     "submit-health-checks",
				Interval: cfg.HealthCheckInterval,
				F: func(ctx context.Context) error {
					_, err := sched.SubmitHealthChecks(ctx)
					return err
				},
			},
		)

		cron.RegisterHandler("report-device-types", func(ctx context.Context) error {
			summary, err := sched.DeviceTypeSummary(ctx, nil)
			if err != nil {
				return err
			}
			pending, err := sched.PendingJobsByDeviceType(ctx)
			if err != nil {
				return err
			}
			for _, s := range summary {
				logging.Infof(ctx, "device type %s: idle=%d busy=%d offline=%d restricted=%d pending=%d",
					s.DeviceType, s.Idle, s.Busy, s.Offline, s.Restricted, pending[s.DeviceType])
			}
			return nil
		})

		logging.Debugf(srv.Context, "main: initialization finished")

		return nil
	})
}
