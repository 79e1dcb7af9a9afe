////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/protocol"
)

// Error messages.
const (
	noRelaysErr       = "no relays to publish event %s to"
	noneAcceptedErr   = "none of %d relays accepted event %s"
	allUnreachableErr = "all %d relays unreachable"
)

// PublishHook is called for every relay an event is about to be stored on. A
// non-nil error rejects the event on that relay.
type PublishHook func(relay string, ev *nostr.Event) error

// MemNetwork is an in-memory relay network. Relays are created on first use
// and store events the way a NIP-01 relay does: replaceable kinds keep only the
// newest event per author and deletions remove the author's referenced
// events. Subscribers receive events asynchronously.
type MemNetwork struct {
	relays  map[string]*memRelay
	subs    map[uint64]*memSub
	nextSub uint64
	hook    PublishHook
	mux     sync.RWMutex
}

type memRelay struct {
	events  []*nostr.Event
	ids     map[string]struct{}
	offline bool
}

type memSub struct {
	id      uint64
	relays  map[string]struct{}
	filters nostr.Filters
	dq      *deliveryQueue
	net     *MemNetwork
	once    sync.Once
}

// NewMemNetwork returns an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		relays: make(map[string]*memRelay),
		subs:   make(map[uint64]*memSub),
	}
}

// SetOffline marks a relay as unreachable or reachable again.
func (n *MemNetwork) SetOffline(url string, offline bool) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.relay(url).offline = offline
}

// OnPublish installs a hook run before an event is stored on a relay.
func (n *MemNetwork) OnPublish(hook PublishHook) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.hook = hook
}

// relay returns the relay with the URL, creating it. Must be called with the
// lock held.
func (n *MemNetwork) relay(url string) *memRelay {
	r, exists := n.relays[url]
	if !exists {
		r = &memRelay{ids: make(map[string]struct{})}
		n.relays[url] = r
	}
	return r
}

// Publish stores the event on every reachable relay and fans it out to
// subscribers.
func (n *MemNetwork) Publish(ctx context.Context, relays []string,
	ev *nostr.Event) ([]string, error) {
	if len(relays) == 0 {
		return nil, errs.New(errs.PublishError, noRelaysErr, ev.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.PublishError, err, "publish canceled")
	}

	n.mux.Lock()
	var accepted []string
	var deliveries []*memSub
	for _, url := range relays {
		r := n.relay(url)
		if r.offline {
			jww.DEBUG.Printf("[RLY] Relay %s offline, dropping %s", url, ev.ID)
			continue
		}
		if n.hook != nil {
			if err := n.hook(url, ev); err != nil {
				jww.DEBUG.Printf("[RLY] Relay %s rejected %s: %+v", url, ev.ID, err)
				continue
			}
		}
		r.store(ev)
		accepted = append(accepted, url)

		for _, s := range n.subs {
			if _, listening := s.relays[url]; listening && s.filters.Match(ev) {
				deliveries = append(deliveries, s)
				s.dq.push(url, copyEvent(ev))
			}
		}
	}
	n.mux.Unlock()

	if len(accepted) == 0 {
		return nil, errs.New(errs.PublishError, noneAcceptedErr, len(relays), ev.ID)
	}
	jww.TRACE.Printf("[RLY] Event %s kind %d stored on %d relays, %d deliveries",
		ev.ID, ev.Kind, len(accepted), len(deliveries))
	return accepted, nil
}

// store applies NIP-01 storage rules. Must be called with the network lock.
func (r *memRelay) store(ev *nostr.Event) {
	if _, exists := r.ids[ev.ID]; exists {
		return
	}

	if protocol.IsReplaceable(ev.Kind) {
		for _, old := range r.events {
			if old.Kind == ev.Kind && old.PubKey == ev.PubKey &&
				old.CreatedAt > ev.CreatedAt {
				return
			}
		}
		kept := r.events[:0]
		for _, old := range r.events {
			if old.Kind == ev.Kind && old.PubKey == ev.PubKey {
				delete(r.ids, old.ID)
				continue
			}
			kept = append(kept, old)
		}
		r.events = kept
	}

	if ev.Kind == protocol.KindDeletion {
		targets := make(map[string]struct{})
		for _, id := range protocol.TagValues(ev.Tags, protocol.TagEvent) {
			targets[id] = struct{}{}
		}
		kept := r.events[:0]
		for _, old := range r.events {
			if _, target := targets[old.ID]; target && old.PubKey == ev.PubKey {
				delete(r.ids, old.ID)
				continue
			}
			kept = append(kept, old)
		}
		r.events = kept
	}

	r.events = append(r.events, copyEvent(ev))
	r.ids[ev.ID] = struct{}{}
}

// Query returns stored events matching the filter.
func (n *MemNetwork) Query(ctx context.Context, relays []string,
	filter nostr.Filter) ([]*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.RelayUnreachable, err, "query canceled")
	}

	n.mux.RLock()
	defer n.mux.RUnlock()

	seen := make(map[string]struct{})
	var out []*nostr.Event
	reached := 0
	for _, url := range relays {
		r, exists := n.relays[url]
		if exists && r.offline {
			continue
		}
		reached++
		if !exists {
			continue
		}
		for _, ev := range r.events {
			if _, dup := seen[ev.ID]; dup || !filter.Matches(ev) {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, copyEvent(ev))
		}
	}
	if len(relays) > 0 && reached == 0 {
		return nil, errs.New(errs.RelayUnreachable, allUnreachableErr, len(relays))
	}

	SortEvents(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Subscribe registers a subscription on the relays.
func (n *MemNetwork) Subscribe(ctx context.Context, relays []string,
	filters nostr.Filters, handler Handler) (Subscription, error) {
	n.mux.Lock()
	defer n.mux.Unlock()

	s := &memSub{
		id:      n.nextSub,
		relays:  make(map[string]struct{}, len(relays)),
		filters: filters,
		dq:      newDeliveryQueue(handler),
		net:     n,
	}
	n.nextSub++
	reached := 0
	for _, url := range relays {
		if !n.relay(url).offline {
			reached++
		}
		s.relays[url] = struct{}{}
	}
	if len(relays) > 0 && reached == 0 {
		s.dq.close()
		return nil, errs.New(errs.RelayUnreachable, allUnreachableErr, len(relays))
	}
	n.subs[s.id] = s

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.dq.quit:
		}
	}()

	return s, nil
}

// Close ends the subscription.
func (s *memSub) Close() {
	s.once.Do(func() {
		s.net.mux.Lock()
		delete(s.net.subs, s.id)
		s.net.mux.Unlock()
		s.dq.close()
	})
}

// RelayStatus reports Connected for reachable relays that were used and
// Disconnected for offline ones.
func (n *MemNetwork) RelayStatus(url string) RelayStatus {
	n.mux.RLock()
	defer n.mux.RUnlock()
	r, exists := n.relays[url]
	switch {
	case !exists:
		return Initialized
	case r.offline:
		return Disconnected
	default:
		return Connected
	}
}

// Count returns the number of events stored on a relay.
func (n *MemNetwork) Count(url string) int {
	n.mux.RLock()
	defer n.mux.RUnlock()
	if r, exists := n.relays[url]; exists {
		return len(r.events)
	}
	return 0
}

// SortEvents orders events by creation time then id.
func SortEvents(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

func copyEvent(ev *nostr.Event) *nostr.Event {
	cp := *ev
	cp.Tags = make(nostr.Tags, len(ev.Tags))
	for i, t := range ev.Tags {
		cp.Tags[i] = append(nostr.Tag(nil), t...)
	}
	return &cp
}
