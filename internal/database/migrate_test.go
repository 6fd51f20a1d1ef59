// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package database

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMigrate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	Convey("Migrate", t, func() {
		files, err := listMigrationFiles(migrationFiles)
		So(err, ShouldBeNil)
		So(files, ShouldResemble, []string{"0001_initial.sql"})

		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
		}
		defer func() {
			mock.ExpectClose()
			err = db.Close()
			if err != nil {
				t.Fatalf("failed to close db: %s", err)
			}
		}()

		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		exists := regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1);`)

		Convey("Migrate: skips applied migrations", func() {
			mock.ExpectQuery(exists).
				WithArgs("0001_initial.sql").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			So(Migrate(ctx, db), ShouldBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})
		Convey("Migrate: applies and records new migrations", func() {
			mock.ExpectQuery(exists).
				WithArgs("0001_initial.sql").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "DeviceTypes"`)).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2);`)).
				WithArgs("0001_initial.sql", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			So(Migrate(ctx, db), ShouldBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})
	})
}
