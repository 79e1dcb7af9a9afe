////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package transport defines the relay contract the rest of the module relies
// on and provides an in-memory relay network, a go-nostr backed
// implementation and a publish rate limiter.
package transport

import (
	"context"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Transport publishes, queries and subscribes to events on relays.
type Transport interface {
	// Publish sends the event to every relay. Returns the relays that
	// accepted it; fails with a PublishError only if none did.
	Publish(ctx context.Context, relays []string, ev *nostr.Event) ([]string, error)

	// Query returns the stored events matching the filter across the relays,
	// deduplicated by id and ordered by creation time. Unreachable relays are
	// skipped; the call fails only if every relay was unreachable.
	Query(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error)

	// Subscribe delivers matching events published after the call to the
	// handler, once per event id, until the subscription is closed or the
	// context ends.
	Subscribe(ctx context.Context, relays []string, filters nostr.Filters,
		handler Handler) (Subscription, error)

	// RelayStatus returns the connection state of a relay.
	RelayStatus(url string) RelayStatus
}

// Handler is called once for every new event on a subscription. Calls for a
// single subscription are serialized.
type Handler func(relay string, ev *nostr.Event)

// Subscription is a live subscription.
type Subscription interface {
	Close()
}

// RelayStatus is the connection state of a relay.
type RelayStatus uint8

const (
	Initialized RelayStatus = iota
	Pending
	Connecting
	Connected
	Disconnected
	Terminated
)

// String returns a human readable version of the status for logging.
func (s RelayStatus) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Pending:
		return "Pending"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Terminated:
		return "Terminated"
	default:
		return "INVALID RELAY STATUS: " + strconv.Itoa(int(s))
	}
}
