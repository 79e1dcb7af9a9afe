////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/ratelimit"
)

// RateLimited spaces out publishes to stay under relay rate limits. Queries
// and subscriptions pass through unchanged.
type RateLimited struct {
	Transport
	rl ratelimit.Limiter
}

// NewRateLimited wraps the transport so at most perSecond events are
// published per second.
func NewRateLimited(t Transport, perSecond int) *RateLimited {
	return &RateLimited{
		Transport: t,
		rl:        ratelimit.New(perSecond, ratelimit.WithoutSlack),
	}
}

// Publish waits for the limiter before delegating.
func (r *RateLimited) Publish(ctx context.Context, relays []string,
	ev *nostr.Event) ([]string, error) {
	r.rl.Take()
	return r.Transport.Publish(ctx, relays, ev)
}
