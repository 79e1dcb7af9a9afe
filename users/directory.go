////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package users resolves public keys to profile metadata and relay lists,
// caching what it learns so lookups never fail because of the network.
package users

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/elixxir/whitenoise/transport"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	directoryPrefix  = "userDirectory"
	userStoreVersion = 0
)

// SyncMode controls whether ResolveUser waits for the network.
type SyncMode uint8

const (
	// Blocking waits for one network round trip before returning.
	Blocking SyncMode = iota
	// Background returns cached data and refreshes asynchronously.
	Background
)

// String returns a human readable version of the mode for logging.
func (m SyncMode) String() string {
	switch m {
	case Blocking:
		return "Blocking"
	case Background:
		return "Background"
	default:
		return "INVALID SYNC MODE"
	}
}

// User is the cached profile of a public key.
type User struct {
	PubKey       identity.PublicKey `json:"pubkey"`
	Metadata     Metadata           `json:"metadata"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	LastSyncedAt time.Time          `json:"lastSyncedAt"`

	// Creation time of the newest metadata event applied
	MetadataAt nostr.Timestamp `json:"metadataAt"`
}

// Directory resolves users and keeps their relay lists in the registry.
type Directory struct {
	kv        *versioned.KV
	registry  *relays.Registry
	net       transport.Transport
	discovery []string
	window    time.Duration

	// One background refresh per user at a time
	refreshing *xsync.MapOf[string, struct{}]
	wg         sync.WaitGroup
	mux        sync.RWMutex
}

// NewDirectory builds a directory. Discovery relays are always queried in
// addition to the user's own general relays. The window bounds a blocking
// lookup.
func NewDirectory(kv *versioned.KV, registry *relays.Registry,
	net transport.Transport, discovery []string, window time.Duration) *Directory {
	return &Directory{
		kv:         kv.Prefix(directoryPrefix),
		registry:   registry,
		net:        net,
		discovery:  discovery,
		window:     window,
		refreshing: xsync.NewMapOf[struct{}](),
	}
}

// load returns the cached user. Must be called with the lock held.
func (d *Directory) load(pk identity.PublicKey) (User, bool, error) {
	var u User
	err := d.kv.GetJSON(pk.Hex(), userStoreVersion, &u)
	if err != nil && !d.kv.Exists(err) {
		return User{}, false, nil
	} else if err != nil {
		return User{}, false, errs.StorageErr(err, "failed to load user %s", pk)
	}
	return u, true, nil
}

// save writes the user. Must be called with the lock held.
func (d *Directory) save(u User) error {
	if err := d.kv.SetJSON(u.PubKey.Hex(), userStoreVersion, u); err != nil {
		return errs.StorageErr(err, "failed to save user %s", u.PubKey)
	}
	return nil
}

// Get returns the cached user, creating an empty record on first reference.
func (d *Directory) Get(pk identity.PublicKey) (User, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	u, exists, err := d.load(pk)
	if err != nil || exists {
		return u, err
	}
	now := netTime.Now()
	u = User{PubKey: pk, CreatedAt: now, UpdatedAt: now}
	jww.DEBUG.Printf("[USR] Created user record for %s", pk)
	return u, d.save(u)
}

// ResolveUser returns the user. Network failures never fail the call: the
// cached profile is returned instead. Only storage failures are errors.
func (d *Directory) ResolveUser(ctx context.Context, pk identity.PublicKey,
	mode SyncMode) (User, error) {
	cached, err := d.Get(pk)
	if err != nil {
		return User{}, err
	}

	switch mode {
	case Blocking:
		lookupCtx, cancel := context.WithTimeout(ctx, d.window)
		defer cancel()
		refreshed, err := d.Refresh(lookupCtx, pk)
		if errs.KindOf(err) == errs.Storage {
			return User{}, err
		} else if err != nil {
			jww.WARN.Printf("[USR] Lookup of %s failed, using cached data: %+v",
				pk, err)
			return cached, nil
		}
		return refreshed, nil
	case Background:
		d.refreshInBackground(ctx, pk)
		return cached, nil
	default:
		jww.FATAL.Panicf("[USR] Unknown sync mode %d", mode)
	}
	return cached, nil
}

// refreshInBackground starts a refresh unless one is already running for the
// key. Cancelling ctx abandons it without touching the cache.
func (d *Directory) refreshInBackground(ctx context.Context, pk identity.PublicKey) {
	if _, running := d.refreshing.LoadOrStore(pk.Hex(), struct{}{}); running {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.refreshing.Delete(pk.Hex())

		lookupCtx, cancel := context.WithTimeout(ctx, d.window)
		defer cancel()
		if _, err := d.Refresh(lookupCtx, pk); err != nil {
			jww.DEBUG.Printf("[USR] Background refresh of %s abandoned: %+v",
				pk, err)
		}
	}()
}

// Wait blocks until running background refreshes finish.
func (d *Directory) Wait() {
	d.wg.Wait()
}

// Refresh fetches the user's metadata and relay lists and stores them. If ctx
// ends before the results are stored, nothing is written.
func (d *Directory) Refresh(ctx context.Context, pk identity.PublicKey) (User, error) {
	targets, err := d.lookupRelays(pk)
	if err != nil {
		return User{}, err
	}

	filter := nostr.Filter{
		Authors: []string{pk.Hex()},
		Kinds: []int{protocol.KindMetadata, protocol.KindRelayList,
			protocol.KindInboxRelays, protocol.KindKeyPackageRelays},
	}
	events, err := d.net.Query(ctx, targets, filter)
	if err != nil {
		return User{}, err
	}

	newest := make(map[int]*nostr.Event)
	for _, ev := range events {
		if ev.PubKey != pk.Hex() || identity.Verify(ev) != nil {
			continue
		}
		if cur, exists := newest[ev.Kind]; !exists || ev.CreatedAt > cur.CreatedAt {
			newest[ev.Kind] = ev
		}
	}

	d.mux.Lock()
	defer d.mux.Unlock()
	if err = ctx.Err(); err != nil {
		return User{}, errors.WithMessagef(err, "lookup of %s canceled", pk)
	}

	u, exists, err := d.load(pk)
	if err != nil {
		return User{}, err
	}
	now := netTime.Now()
	if !exists {
		u = User{PubKey: pk, CreatedAt: now}
	}

	if ev, found := newest[protocol.KindMetadata]; found && ev.CreatedAt > u.MetadataAt {
		var md Metadata
		if err = json.Unmarshal([]byte(ev.Content), &md); err != nil {
			jww.WARN.Printf("[USR] Ignoring malformed metadata of %s: %+v", pk, err)
		} else {
			u.Metadata = md
			u.MetadataAt = ev.CreatedAt
		}
	}
	for kind, ev := range newest {
		t, isList := relays.TypeFromKind(kind)
		if !isList {
			continue
		}
		if err = d.registry.ReplaceRelays(pk, t, relays.URLsFromEvent(ev)); err != nil {
			return User{}, err
		}
	}

	u.UpdatedAt = now
	u.LastSyncedAt = now
	if err = d.save(u); err != nil {
		return User{}, err
	}
	jww.DEBUG.Printf("[USR] Refreshed %s from %d relays (%d events)",
		pk, len(targets), len(events))
	return u, nil
}

// SetMetadata stores metadata published locally for an account.
func (d *Directory) SetMetadata(pk identity.PublicKey, md Metadata,
	at nostr.Timestamp) (User, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	u, exists, err := d.load(pk)
	if err != nil {
		return User{}, err
	}
	now := netTime.Now()
	if !exists {
		u = User{PubKey: pk, CreatedAt: now}
	}
	u.Metadata = md
	u.MetadataAt = at
	u.UpdatedAt = now
	return u, d.save(u)
}

// Delete removes the cached user.
func (d *Directory) Delete(pk identity.PublicKey) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	if err := d.kv.Delete(pk.Hex(), userStoreVersion); err != nil {
		return errs.StorageErr(err, "failed to delete user %s", pk)
	}
	return nil
}

// lookupRelays returns the user's general relays plus the discovery relays.
func (d *Directory) lookupRelays(pk identity.PublicKey) ([]string, error) {
	own, err := d.registry.URLs(pk, relays.Nip65)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, u := range append(own, d.discovery...) {
		if _, exists := seen[u]; !exists {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out, nil
}
