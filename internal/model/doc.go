// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package model contains all the data models related to the lab scheduler.
// Each model implements the SQL operations the scheduler needs for the entity.
//
// References between entities (Device.CurrentJobID, TestJob.ActualDevice and
// friends) are plain identifiers. They are never followed implicitly and must
// be re-read through a query when a decision depends on them.
package model
