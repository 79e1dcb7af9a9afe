////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package monitor keeps the live relay subscriptions of every account open
// and reports the connection state of their relays.
package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/stoppable"
	"gitlab.com/elixxir/whitenoise/transport"
)

// DefaultMaxSubscribeAttempts is the number of times one sweep tries to
// subscribe an account before moving on.
const DefaultMaxSubscribeAttempts = 2

// AccountLister returns the local accounts.
type AccountLister func() ([]identity.PublicKey, error)

// FilterFunc returns the filters an account listens on and any relays it
// listens on besides its own, such as the relays of its groups.
type FilterFunc func(account identity.PublicKey) (nostr.Filters, []string, error)

// EventHandler receives the events of the subscriptions of an account.
type EventHandler func(account identity.PublicKey, relay string, ev *nostr.Event)

// StatusCallback is called when the state of a relay of an account changes.
type StatusCallback func(account identity.PublicKey, relay string,
	status transport.RelayStatus)

// RelayState is the connection state of one relay of an account.
type RelayState struct {
	URL    string               `json:"url"`
	Status transport.RelayStatus `json:"status"`
}

type subscription struct {
	fingerprint string
	relays      []string
	sub         transport.Subscription
}

// Monitor reconciles the subscriptions of the accounts.
type Monitor struct {
	net         transport.Transport
	registry    *relays.Registry
	accounts    AccountLister
	filters     FilterFunc
	handler     EventHandler
	maxAttempts int

	subs     *xsync.MapOf[string, *subscription]
	statuses *xsync.MapOf[string, transport.RelayStatus]

	// Lifetime of the subscriptions, ended by Close
	subCtx    context.Context
	subCancel context.CancelFunc

	funcs   map[uint64]StatusCallback
	funcsID uint64
	running bool
	mux     sync.RWMutex

	// Serializes sweeps
	sweepMux sync.Mutex
}

// New builds a monitor. Nothing is subscribed until the first sweep.
func New(net transport.Transport, registry *relays.Registry, accounts AccountLister,
	filters FilterFunc, handler EventHandler, maxAttempts int) *Monitor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxSubscribeAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		net:         net,
		registry:    registry,
		accounts:    accounts,
		filters:     filters,
		handler:     handler,
		maxAttempts: maxAttempts,
		subs:        xsync.NewMapOf[*subscription](),
		statuses:    xsync.NewMapOf[transport.RelayStatus](),
		subCtx:      ctx,
		subCancel:   cancel,
		funcs:       make(map[uint64]StatusCallback),
	}
}

// AddStatusCallback registers a function called on every relay state change.
// Returns an ID used to remove it.
func (m *Monitor) AddStatusCallback(f StatusCallback) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	id := m.funcsID
	m.funcs[id] = f
	m.funcsID++
	return id
}

// RemoveStatusCallback removes the function with the given ID.
func (m *Monitor) RemoveStatusCallback(id uint64) {
	m.mux.Lock()
	delete(m.funcs, id)
	m.mux.Unlock()
}

func (m *Monitor) transmit(account identity.PublicKey, relay string,
	status transport.RelayStatus) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	for _, f := range m.funcs {
		go f(account, relay, status)
	}
}

// relaysOf returns the general and inbox relays of the account, sorted.
func (m *Monitor) relaysOf(account identity.PublicKey) ([]string, error) {
	var all []string
	for _, t := range []relays.Type{relays.Nip65, relays.Inbox} {
		urls, err := m.registry.URLs(account, t)
		if err != nil {
			return nil, err
		}
		all = append(all, urls...)
	}
	return merge(all, nil), nil
}

// merge returns the sorted union of the lists.
func merge(a, b []string) []string {
	all := append(append([]string(nil), a...), b...)
	sort.Strings(all)
	out := all[:0]
	for _, url := range all {
		if len(out) == 0 || url != out[len(out)-1] {
			out = append(out, url)
		}
	}
	return out
}

// FetchRelayStatus returns the state of every relay the account listens on.
func (m *Monitor) FetchRelayStatus(account identity.PublicKey) ([]RelayState, error) {
	urls, err := m.relaysOf(account)
	if err != nil {
		return nil, err
	}
	states := make([]RelayState, len(urls))
	for i, url := range urls {
		states[i] = RelayState{URL: url, Status: m.net.RelayStatus(url)}
	}
	return states, nil
}

type work struct {
	account  identity.PublicKey
	attempts int
}

// EnsureAllSubscriptions makes sure every account has a live subscription on
// its current relays with its current filters. An account that cannot be
// subscribed is logged and skipped. Only a storage failure stops the sweep.
func (m *Monitor) EnsureAllSubscriptions(ctx context.Context) error {
	m.sweepMux.Lock()
	defer m.sweepMux.Unlock()

	accounts, err := m.accounts()
	if err != nil {
		return err
	}

	q := queue.New()
	for _, pk := range accounts {
		q.Enqueue(work{account: pk})
	}
	for q.Len() > 0 {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		w := q.Dequeue().(work)
		w.attempts++
		err = m.ensure(w.account)
		switch {
		case err == nil:
		case errs.KindOf(err) == errs.Storage:
			jww.ERROR.Printf("[RLY] Subscription sweep aborted on %s: %+v",
				w.account, err)
			return err
		case w.attempts < m.maxAttempts:
			jww.DEBUG.Printf("[RLY] Retrying subscription of %s: %v", w.account, err)
			q.Enqueue(w)
		default:
			jww.WARN.Printf("[RLY] Skipping subscription of %s after %d "+
				"attempts: %+v", w.account, w.attempts, err)
		}
		m.updateStatuses(w.account)
	}

	m.dropRemoved(accounts)
	return nil
}

// Resubscribe replaces the subscription of one account, for example after it
// joined a group.
func (m *Monitor) Resubscribe(account identity.PublicKey) error {
	m.sweepMux.Lock()
	defer m.sweepMux.Unlock()
	err := m.ensure(account)
	m.updateStatuses(account)
	return err
}

// ensure opens or replaces the subscription of the account if its relays or
// filters changed or all of its relays went down.
func (m *Monitor) ensure(account identity.PublicKey) error {
	own, err := m.relaysOf(account)
	if err != nil {
		return err
	}
	filters, extra, err := m.filters(account)
	if err != nil {
		return err
	}
	urls := merge(own, extra)
	encoded, err := json.Marshal(filters)
	if err != nil {
		return errors.WithStack(err)
	}
	fingerprint := strings.Join(urls, ",") + "|" + string(encoded)

	key := account.Hex()
	current, exists := m.subs.Load(key)
	if exists && current.fingerprint == fingerprint && m.anyUp(urls) {
		return nil
	}
	if exists {
		current.sub.Close()
		m.subs.Delete(key)
	}
	if len(urls) == 0 || len(filters) == 0 {
		return nil
	}

	sub, err := m.net.Subscribe(m.subCtx, urls, filters,
		func(relay string, ev *nostr.Event) { m.handler(account, relay, ev) })
	if err != nil {
		return err
	}
	m.subs.Store(key, &subscription{fingerprint: fingerprint, relays: urls, sub: sub})
	jww.DEBUG.Printf("[RLY] Subscribed %s on %d relays with %d filters",
		account, len(urls), len(filters))
	return nil
}

func (m *Monitor) anyUp(urls []string) bool {
	for _, url := range urls {
		switch m.net.RelayStatus(url) {
		case transport.Disconnected, transport.Terminated:
		default:
			return true
		}
	}
	return false
}

// updateStatuses reports the relays of the account whose state changed.
func (m *Monitor) updateStatuses(account identity.PublicKey) {
	urls, err := m.relaysOf(account)
	if err != nil {
		return
	}
	for _, url := range urls {
		status := m.net.RelayStatus(url)
		previous, loaded := m.statuses.LoadOrStore(account.Hex()+url, status)
		if loaded && previous == status {
			continue
		}
		m.statuses.Store(account.Hex()+url, status)
		m.transmit(account, url, status)
	}
}

// dropRemoved closes the subscriptions of accounts that are gone.
func (m *Monitor) dropRemoved(accounts []identity.PublicKey) {
	live := make(map[string]struct{}, len(accounts))
	for _, pk := range accounts {
		live[pk.Hex()] = struct{}{}
	}
	m.subs.Range(func(key string, s *subscription) bool {
		if _, exists := live[key]; !exists {
			s.sub.Close()
			m.subs.Delete(key)
		}
		return true
	})
}

// Unsubscribe closes the subscription of one account.
func (m *Monitor) Unsubscribe(account identity.PublicKey) {
	if s, exists := m.subs.LoadAndDelete(account.Hex()); exists {
		s.sub.Close()
	}
}

// StartProcesses runs a sweep every period until the returned stoppable is
// closed.
func (m *Monitor) StartProcesses(period time.Duration) (stoppable.Stoppable, error) {
	m.mux.Lock()
	if m.running {
		m.mux.Unlock()
		return nil, errors.New(
			"cannot start relay monitor threads, they are already running")
	}
	m.running = true
	m.mux.Unlock()

	stop := stoppable.NewSingle("relay monitor")
	go m.start(stop, period)
	return stop, nil
}

func (m *Monitor) start(stop *stoppable.Single, period time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop.Quit():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := m.EnsureAllSubscriptions(ctx); err != nil && ctx.Err() == nil {
			jww.ERROR.Printf("[RLY] Subscription sweep failed: %+v", err)
		}
		select {
		case <-stop.Quit():
			m.mux.Lock()
			m.running = false
			m.mux.Unlock()
			stop.ToStopped()
			return
		case <-time.After(period):
		}
	}
}

// Close ends every subscription.
func (m *Monitor) Close() {
	m.subCancel()
	m.subs.Range(func(key string, s *subscription) bool {
		s.sub.Close()
		m.subs.Delete(key)
		return true
	})
}
