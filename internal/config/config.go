// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"context"
	"os"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/server/secrets"
)

// PathEnvVar holds the config file path when no -config flag is given.
const PathEnvVar = "LAB_SCHEDULER_CONFIG"

// ResolvePath returns flagPath, or the path in $LAB_SCHEDULER_CONFIG when
// flagPath is empty.
func ResolvePath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv(PathEnvVar); p != "" {
		return p, nil
	}
	return "", errors.Reason("no config file: pass -config or set $%s", PathEnvVar).Err()
}

// GetSecret returns the active value of a secret from the LUCI secret store.
func GetSecret(ctx context.Context, secretLoc string) (string, error) {
	secret, err := secrets.StoredSecret(ctx, secretLoc)
	if err != nil {
		return "", errors.Annotate(err, "get secret %s", secretLoc).Err()
	}
	if len(secret.Active) == 0 {
		return "", errors.Reason("secret %s has no active value", secretLoc).Err()
	}
	return string(secret.Active), nil
}
