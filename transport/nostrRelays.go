////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/whitenoise/errs"
)

// DefaultConnectTimeout bounds a single relay dial.
const DefaultConnectTimeout = 10 * time.Second

// NostrRelays talks to real relays over websockets. Connections are opened
// lazily and shared between every account of the session.
type NostrRelays struct {
	conns          *xsync.MapOf[string, *nostr.Relay]
	status         *xsync.MapOf[string, RelayStatus]
	dialMux        sync.Mutex
	connectTimeout time.Duration
}

// NewNostrRelays returns a transport with no open connections.
func NewNostrRelays(connectTimeout time.Duration) *NostrRelays {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &NostrRelays{
		conns:          xsync.NewMapOf[*nostr.Relay](),
		status:         xsync.NewMapOf[RelayStatus](),
		connectTimeout: connectTimeout,
	}
}

// connect returns a live connection to the relay, dialing if needed.
func (t *NostrRelays) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	if r, exists := t.conns.Load(url); exists && r.IsConnected() {
		return r, nil
	}

	t.dialMux.Lock()
	defer t.dialMux.Unlock()
	if r, exists := t.conns.Load(url); exists && r.IsConnected() {
		return r, nil
	}

	t.status.Store(url, Connecting)
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()
	r, err := nostr.RelayConnect(dialCtx, url)
	if err != nil {
		t.status.Store(url, Disconnected)
		return nil, errs.Wrap(errs.RelayUnreachable, err,
			"failed to connect to %s", url)
	}
	t.conns.Store(url, r)
	t.status.Store(url, Connected)
	jww.INFO.Printf("[RLY] Connected to %s", url)
	return r, nil
}

// Publish sends the event to every relay in parallel.
func (t *NostrRelays) Publish(ctx context.Context, relays []string,
	ev *nostr.Event) ([]string, error) {
	if len(relays) == 0 {
		return nil, errs.New(errs.PublishError, noRelaysErr, ev.ID)
	}

	var wg sync.WaitGroup
	var mux sync.Mutex
	var accepted []string
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := t.connect(ctx, url)
			if err != nil {
				jww.WARN.Printf("[RLY] %+v", err)
				return
			}
			if err = r.Publish(ctx, *ev); err != nil {
				jww.WARN.Printf("[RLY] Relay %s rejected %s: %+v", url, ev.ID, err)
				return
			}
			mux.Lock()
			accepted = append(accepted, url)
			mux.Unlock()
		}(url)
	}
	wg.Wait()

	if len(accepted) == 0 {
		return nil, errs.New(errs.PublishError, noneAcceptedErr, len(relays), ev.ID)
	}
	return accepted, nil
}

// Query runs the filter on every relay in parallel and merges the results.
func (t *NostrRelays) Query(ctx context.Context, relays []string,
	filter nostr.Filter) ([]*nostr.Event, error) {
	var wg sync.WaitGroup
	var mux sync.Mutex
	seen := make(map[string]struct{})
	var out []*nostr.Event
	reached := 0

	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := t.connect(ctx, url)
			if err != nil {
				jww.DEBUG.Printf("[RLY] %+v", err)
				return
			}
			events, err := r.QuerySync(ctx, filter)
			if err != nil {
				jww.DEBUG.Printf("[RLY] Query on %s failed: %+v", url, err)
				return
			}
			mux.Lock()
			defer mux.Unlock()
			reached++
			for _, ev := range events {
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
				out = append(out, ev)
			}
		}(url)
	}
	wg.Wait()

	if len(relays) > 0 && reached == 0 {
		return nil, errs.New(errs.RelayUnreachable, allUnreachableErr, len(relays))
	}
	SortEvents(out)
	return out, nil
}

type nostrSub struct {
	subs   []*nostr.Subscription
	dq     *deliveryQueue
	cancel context.CancelFunc
	once   sync.Once
}

// Subscribe opens one subscription per relay and merges their streams.
func (t *NostrRelays) Subscribe(ctx context.Context, relays []string,
	filters nostr.Filters, handler Handler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	s := &nostrSub{dq: newDeliveryQueue(handler), cancel: cancel}

	for _, url := range relays {
		r, err := t.connect(subCtx, url)
		if err != nil {
			jww.WARN.Printf("[RLY] %+v", err)
			continue
		}
		sub, err := r.Subscribe(subCtx, filters)
		if err != nil {
			jww.WARN.Printf("[RLY] Subscribe on %s failed: %+v", url, err)
			continue
		}
		s.subs = append(s.subs, sub)
		go func(url string, sub *nostr.Subscription) {
			for ev := range sub.Events {
				s.dq.push(url, ev)
			}
		}(url, sub)
	}

	if len(relays) > 0 && len(s.subs) == 0 {
		s.Close()
		return nil, errs.New(errs.RelayUnreachable, allUnreachableErr, len(relays))
	}
	return s, nil
}

// Close unsubscribes from every relay.
func (s *nostrSub) Close() {
	s.once.Do(func() {
		for _, sub := range s.subs {
			sub.Unsub()
		}
		s.cancel()
		s.dq.close()
	})
}

// RelayStatus returns the last observed state of the relay connection.
func (t *NostrRelays) RelayStatus(url string) RelayStatus {
	if r, exists := t.conns.Load(url); exists && !r.IsConnected() {
		return Disconnected
	}
	if status, exists := t.status.Load(url); exists {
		return status
	}
	return Initialized
}

// Close terminates every connection.
func (t *NostrRelays) Close() error {
	t.conns.Range(func(url string, r *nostr.Relay) bool {
		if err := r.Close(); err != nil {
			jww.WARN.Printf("[RLY] Failed to close %s: %+v", url, err)
		}
		t.status.Store(url, Terminated)
		return true
	})
	return nil
}
