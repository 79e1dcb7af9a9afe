////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package keyPackages publishes, fetches and retires the key packages other
// users need to add an account to a group.
package keyPackages

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/elixxir/whitenoise/transport"
	"gitlab.com/elixxir/whitenoise/users"
	"gitlab.com/xx_network/primitives/netTime"
)

// Storage values.
const (
	directoryPrefix  = "keyPackages"
	publishedVersion = 0
)

// Extensions advertised on published key packages.
var extensions = []string{"0x0001", "0xf2ee"}

// Error messages.
const (
	noRelaysErr    = "%s has no key package relays"
	publishFailErr = "failed to publish key package of %s"
)

// Published is a key package event the account put on relays.
type Published struct {
	EventID   string    `json:"eventId"`
	Ref       string    `json:"ref"`
	Relays    []string  `json:"relays"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fetched is a valid key package found on a relay.
type Fetched struct {
	Event      *nostr.Event
	KeyPackage mls.KeyPackage
}

// Directory manages key packages for local accounts and looks them up for
// remote users.
type Directory struct {
	kv       *versioned.KV
	engines  *mls.Provider
	registry *relays.Registry
	users    *users.Directory
	net      transport.Transport
	window   time.Duration
	lifetime time.Duration

	// Last time a valid key package was seen per user
	seen *xsync.MapOf[string, time.Time]
	wg   sync.WaitGroup
	mux  sync.Mutex
}

// NewDirectory builds the directory. Lookups are bounded by window and key
// packages older than lifetime are ignored.
func NewDirectory(kv *versioned.KV, engines *mls.Provider, registry *relays.Registry,
	directory *users.Directory, net transport.Transport, window,
	lifetime time.Duration) *Directory {
	return &Directory{
		kv:       kv.Prefix(directoryPrefix),
		engines:  engines,
		registry: registry,
		users:    directory,
		net:      net,
		window:   window,
		lifetime: lifetime,
		seen:     xsync.NewMapOf[time.Time](),
	}
}

// List returns the key package events the account published.
func (d *Directory) List(pk identity.PublicKey) ([]Published, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.load(pk)
}

func (d *Directory) load(pk identity.PublicKey) ([]Published, error) {
	var list []Published
	err := d.kv.GetJSON(pk.Hex(), publishedVersion, &list)
	if err != nil && d.kv.Exists(err) {
		return nil, errs.StorageErr(err, "failed to load key packages of %s", pk)
	}
	return list, nil
}

func (d *Directory) save(pk identity.PublicKey, list []Published) error {
	if err := d.kv.SetJSON(pk.Hex(), publishedVersion, list); err != nil {
		return errs.StorageErr(err, "failed to save key packages of %s", pk)
	}
	return nil
}

// Publish creates a fresh key package for the account and publishes it to the
// account's key package relays.
func (d *Directory) Publish(ctx context.Context, account identity.Signer) (Published, error) {
	pk := account.PublicKey()
	urls, err := d.registry.URLs(pk, relays.KeyPackage)
	if err != nil {
		return Published{}, err
	}
	if len(urls) == 0 {
		return Published{}, errs.New(errs.PublishError, noRelaysErr, pk)
	}

	engine, err := d.engines.Engine(pk)
	if err != nil {
		return Published{}, err
	}
	kp, err := engine.CreateKeyPackage()
	if err != nil {
		return Published{}, err
	}

	ev := &nostr.Event{
		Kind:      protocol.KindKeyPackage,
		CreatedAt: nostr.Timestamp(kp.CreatedAt),
		Content:   mls.EncodeKeyPackage(kp),
		Tags: nostr.Tags{
			{protocol.TagMlsVersion, protocol.MlsVersion},
			{protocol.TagCiphersuite, protocol.Ciphersuite},
			append(nostr.Tag{protocol.TagExtensions}, extensions...),
			append(nostr.Tag{protocol.TagRelays}, urls...),
			{protocol.TagClient, protocol.ClientName},
		},
	}
	if err = account.Sign(ev); err != nil {
		_, _ = engine.DeleteKeyPackage(kp.Ref())
		return Published{}, err
	}

	accepted, err := d.net.Publish(ctx, urls, ev)
	if err != nil {
		if _, delErr := engine.DeleteKeyPackage(kp.Ref()); delErr != nil {
			return Published{}, delErr
		}
		return Published{}, errs.Wrap(errs.PublishError, err, publishFailErr, pk)
	}

	p := Published{EventID: ev.ID, Ref: kp.Ref(), Relays: accepted,
		CreatedAt: netTime.Now()}
	d.mux.Lock()
	defer d.mux.Unlock()
	list, err := d.load(pk)
	if err != nil {
		return Published{}, err
	}
	if err = d.save(pk, append(list, p)); err != nil {
		return Published{}, err
	}
	jww.INFO.Printf("[KP] Published key package %s for %s to %d relays",
		ev.ID, pk, len(accepted))
	return p, nil
}

// Delete retires one published key package and returns how many were
// removed. Unknown ids remove nothing and are not an error.
func (d *Directory) Delete(ctx context.Context, account identity.Signer,
	eventID string) (int, error) {
	pk := account.PublicKey()
	d.mux.Lock()
	list, err := d.load(pk)
	d.mux.Unlock()
	if err != nil {
		return 0, err
	}
	for _, p := range list {
		if p.EventID == eventID {
			return d.retire(ctx, account, []Published{p})
		}
	}
	jww.DEBUG.Printf("[KP] No key package %s to delete for %s", eventID, pk)
	return 0, nil
}

// DeleteAll retires every key package the account published, including ones
// found on its relays that this device did not publish, and returns how many
// were removed.
func (d *Directory) DeleteAll(ctx context.Context, account identity.Signer) (int, error) {
	pk := account.PublicKey()
	d.mux.Lock()
	list, err := d.load(pk)
	d.mux.Unlock()
	if err != nil {
		return 0, err
	}

	urls, err := d.registry.URLs(pk, relays.KeyPackage)
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(list))
	for _, p := range list {
		known[p.EventID] = struct{}{}
	}
	if len(urls) > 0 {
		lookupCtx, cancel := context.WithTimeout(ctx, d.window)
		remote, err := d.net.Query(lookupCtx, urls, nostr.Filter{
			Authors: []string{pk.Hex()},
			Kinds:   []int{protocol.KindKeyPackage},
		})
		cancel()
		if err != nil {
			jww.WARN.Printf("[KP] Could not list remote key packages of %s: %+v",
				pk, err)
		}
		for _, ev := range remote {
			if _, exists := known[ev.ID]; exists || ev.PubKey != pk.Hex() {
				continue
			}
			known[ev.ID] = struct{}{}
			list = append(list, Published{EventID: ev.ID, Relays: urls})
		}
	}
	return d.retire(ctx, account, list)
}

// retire publishes a deletion for the events, forgets their private keys and
// drops them from the published list.
func (d *Directory) retire(ctx context.Context, account identity.Signer,
	targets []Published) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	pk := account.PublicKey()

	engine, err := d.engines.Engine(pk)
	if err != nil {
		return 0, err
	}

	ev := &nostr.Event{
		Kind:      protocol.KindDeletion,
		CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
		Tags:      nostr.Tags{{protocol.TagKind, "443"}},
	}
	relaySet := make(map[string]struct{})
	var urls []string
	for _, p := range targets {
		ev.Tags = append(ev.Tags, nostr.Tag{protocol.TagEvent, p.EventID})
		for _, u := range p.Relays {
			if _, exists := relaySet[u]; !exists {
				relaySet[u] = struct{}{}
				urls = append(urls, u)
			}
		}
	}
	if err = account.Sign(ev); err != nil {
		return 0, err
	}
	if _, err = d.net.Publish(ctx, urls, ev); err != nil {
		jww.WARN.Printf("[KP] Deletion of %d key packages of %s not accepted: %+v",
			len(targets), pk, err)
	}

	removed := make(map[string]struct{}, len(targets))
	for _, p := range targets {
		removed[p.EventID] = struct{}{}
		if p.Ref != "" {
			if _, err = engine.DeleteKeyPackage(p.Ref); err != nil {
				return 0, err
			}
		}
	}

	d.mux.Lock()
	defer d.mux.Unlock()
	list, err := d.load(pk)
	if err != nil {
		return 0, err
	}
	kept := list[:0]
	for _, p := range list {
		if _, gone := removed[p.EventID]; !gone {
			kept = append(kept, p)
		}
	}
	if err = d.save(pk, kept); err != nil {
		return 0, err
	}
	jww.INFO.Printf("[KP] Deleted %d key packages of %s", len(targets), pk)
	return len(targets), nil
}

// Fetch returns the newest valid key package of the user, or nil if none was
// found within the lookup window. The user's key package relays are used,
// falling back to the supplied relays if none are known.
func (d *Directory) Fetch(ctx context.Context, pk identity.PublicKey,
	fallback []string) (*Fetched, error) {
	urls, err := d.relaysOf(ctx, pk, fallback)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		jww.DEBUG.Printf("[KP] No relays to look up key packages of %s", pk)
		return nil, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.window)
	defer cancel()
	events, err := d.net.Query(lookupCtx, urls, nostr.Filter{
		Authors: []string{pk.Hex()},
		Kinds:   []int{protocol.KindKeyPackage},
	})
	if err != nil {
		jww.WARN.Printf("[KP] Key package lookup of %s failed: %+v", pk, err)
		return nil, nil
	}

	oldest := netTime.Now().Add(-d.lifetime).Unix()
	var best *Fetched
	for _, ev := range events {
		if ev.PubKey != pk.Hex() || int64(ev.CreatedAt) < oldest ||
			identity.Verify(ev) != nil {
			continue
		}
		kp, err := mls.DecodeKeyPackage(ev.Content)
		if err != nil || kp.Owner != pk {
			jww.DEBUG.Printf("[KP] Skipping invalid key package %s: %+v", ev.ID, err)
			continue
		}
		if best == nil || ev.CreatedAt > best.Event.CreatedAt {
			best = &Fetched{Event: ev, KeyPackage: kp}
		}
	}
	if best != nil {
		d.seen.Store(pk.Hex(), netTime.Now())
	} else {
		d.seen.Delete(pk.Hex())
	}
	return best, nil
}

// relaysOf returns the key package relays of the user, resolving the user
// once if none are known yet.
func (d *Directory) relaysOf(ctx context.Context, pk identity.PublicKey,
	fallback []string) ([]string, error) {
	urls, err := d.registry.URLs(pk, relays.KeyPackage)
	if err != nil || len(urls) > 0 {
		return urls, err
	}
	if _, err = d.users.ResolveUser(ctx, pk, users.Blocking); err != nil {
		return nil, err
	}
	if urls, err = d.registry.URLs(pk, relays.KeyPackage); err != nil || len(urls) > 0 {
		return urls, err
	}
	return relays.Strings(relays.ParseURLs(fallback)), nil
}

// UserHasKeyPackage reports whether the user can be invited. Blocking mode
// looks the key package up; Background mode answers from the last lookup and
// refreshes it asynchronously.
func (d *Directory) UserHasKeyPackage(ctx context.Context, pk identity.PublicKey,
	mode users.SyncMode, fallback []string) (bool, error) {
	switch mode {
	case users.Blocking:
		found, err := d.Fetch(ctx, pk, fallback)
		return found != nil, err
	case users.Background:
		_, cached := d.seen.Load(pk.Hex())
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if _, err := d.Fetch(ctx, pk, fallback); err != nil {
				jww.DEBUG.Printf("[KP] Background lookup of %s failed: %+v", pk, err)
			}
		}()
		return cached, nil
	default:
		jww.FATAL.Panicf("[KP] Unknown sync mode %d", mode)
	}
	return false, nil
}

// Wait blocks until background lookups finish.
func (d *Directory) Wait() {
	d.wg.Wait()
}

// Forget drops all records of the account.
func (d *Directory) Forget(pk identity.PublicKey) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	if err := d.kv.Delete(pk.Hex(), publishedVersion); err != nil {
		return errs.StorageErr(err, "failed to delete key packages of %s", pk)
	}
	return nil
}
