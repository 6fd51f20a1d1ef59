// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package database

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/lab_scheduler/internal/config"
)

const (
	applicationName               = "lab_scheduler"
	connMaxLifetime time.Duration = 0
	maxIdleConns    int           = 50
	maxOpenConns    int           = 50
)

// Config locates the scheduler database.
type Config struct {
	Host string
	Port string
	Name string
	User string

	// Not the actual password but just the secret string used by SecretStore.
	PasswordSecret string
}

// Connect opens a connection pool to the scheduler database and checks that
// it answers.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	password, err := config.GetSecret(ctx, cfg.PasswordSecret)
	if err != nil {
		return nil, errors.Annotate(err, "connect to %s", cfg.Name).Err()
	}
	connCfg, err := connConfig(cfg, password)
	if err != nil {
		return nil, err
	}

	logging.Debugf(ctx, "Connect: connecting as user=%s to host=%s:%s database=%s",
		cfg.User, cfg.Host, cfg.Port, cfg.Name)
	db := stdlib.OpenDB(*connCfg)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		logging.Errorf(ctx, "Connect: unable to reach %s: %s", cfg.Host, err)
		db.Close()
		return nil, errors.Annotate(err, "connect to %s", cfg.Name).Err()
	}
	return db, nil
}

// connConfig builds the pgx connection settings for cfg.
func connConfig(cfg Config, password string) (*pgx.ConnConfig, error) {
	port, err := strconv.ParseUint(cfg.Port, 10, 16)
	if err != nil {
		return nil, errors.Annotate(err, "invalid port %q", cfg.Port).Err()
	}
	connCfg, err := pgx.ParseConfig("")
	if err != nil {
		return nil, errors.Annotate(err, "parse connection config").Err()
	}
	connCfg.Host = cfg.Host
	connCfg.Port = uint16(port)
	connCfg.Database = cfg.Name
	connCfg.User = cfg.User
	connCfg.Password = password
	connCfg.RuntimeParams["application_name"] = applicationName
	return connCfg, nil
}
