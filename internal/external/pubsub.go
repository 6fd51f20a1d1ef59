// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package external

import (
	"context"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/auth"
)

// DialTransitionPublisher connects to PubSub in cloudProject as the service
// itself and returns a publisher owning the client. Stop closes the client.
func DialTransitionPublisher(ctx context.Context, cloudProject string) (*TransitionPublisher, error) {
	tokenSource, err := auth.GetTokenSource(ctx, auth.AsSelf, auth.WithScopes(auth.CloudOAuthScopes...))
	if err != nil {
		return nil, errors.Annotate(err, "DialTransitionPublisher: failed to get AsSelf credentials").Err()
	}
	client, err := pubsub.NewClient(ctx, cloudProject, option.WithTokenSource(tokenSource))
	if err != nil {
		logging.Errorf(ctx, "DialTransitionPublisher: cannot set up PubSub client for %s: %s", cloudProject, err)
		return nil, err
	}
	p, err := NewTransitionPublisher(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	p.client = client
	return p, nil
}
