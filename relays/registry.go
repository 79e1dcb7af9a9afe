////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package relays validates relay URLs and keeps the per-purpose relay lists of
// accounts and known users.
package relays

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	registryPrefix        = "relayRegistry"
	relayListStoreVersion = 0
)

// Relay is a relay URL listed for one purpose.
type Relay struct {
	URL       URL       `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry stores relay lists keyed by public key and purpose.
type Registry struct {
	kv  *versioned.KV
	mux sync.RWMutex
}

// NewRegistry returns a registry writing to the KV.
func NewRegistry(kv *versioned.KV) *Registry {
	return &Registry{kv: kv.Prefix(registryPrefix)}
}

func listKey(pk identity.PublicKey, t Type) string {
	return pk.Hex() + ":" + t.String()
}

// load returns the stored list. Must be called with the lock held.
func (r *Registry) load(pk identity.PublicKey, t Type) ([]Relay, error) {
	var list []Relay
	err := r.kv.GetJSON(listKey(pk, t), relayListStoreVersion, &list)
	if err != nil && !r.kv.Exists(err) {
		return nil, nil
	} else if err != nil {
		return nil, errs.StorageErr(err, "failed to load %s relays of %s", t, pk)
	}
	return list, nil
}

// save writes the list. Must be called with the lock held.
func (r *Registry) save(pk identity.PublicKey, t Type, list []Relay) error {
	if err := r.kv.SetJSON(listKey(pk, t), relayListStoreVersion, list); err != nil {
		return errs.StorageErr(err, "failed to save %s relays of %s", t, pk)
	}
	return nil
}

// ListRelays returns the relays configured for the purpose in insertion
// order.
func (r *Registry) ListRelays(pk identity.PublicKey, t Type) ([]Relay, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.load(pk, t)
}

// URLs returns the relay URLs configured for the purpose.
func (r *Registry) URLs(pk identity.PublicKey, t Type) ([]string, error) {
	list, err := r.ListRelays(pk, t)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(list))
	for i, relay := range list {
		out[i] = relay.URL.String()
	}
	return out, nil
}

// AddRelay adds the relay to the list. Adding a listed relay is a no-op.
func (r *Registry) AddRelay(pk identity.PublicKey, rawURL string, t Type) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		return err
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	list, err := r.load(pk, t)
	if err != nil {
		return err
	}
	for _, relay := range list {
		if relay.URL == u {
			return nil
		}
	}
	now := netTime.Now()
	list = append(list, Relay{URL: u, CreatedAt: now, UpdatedAt: now})
	jww.DEBUG.Printf("[RLY] Added %s relay %s for %s", t, u, pk)
	return r.save(pk, t, list)
}

// RemoveRelay removes the relay from the list. Removing an unlisted relay is
// a no-op.
func (r *Registry) RemoveRelay(pk identity.PublicKey, rawURL string, t Type) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		return err
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	list, err := r.load(pk, t)
	if err != nil {
		return err
	}
	kept := make([]Relay, 0, len(list))
	for _, relay := range list {
		if relay.URL != u {
			kept = append(kept, relay)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	jww.DEBUG.Printf("[RLY] Removed %s relay %s for %s", t, u, pk)
	return r.save(pk, t, kept)
}

// ReplaceRelays sets the list to the given URLs, dropping malformed entries.
// Creation times of relays already listed are kept.
func (r *Registry) ReplaceRelays(pk identity.PublicKey, t Type, raw []string) error {
	urls := ParseURLs(raw)

	r.mux.Lock()
	defer r.mux.Unlock()
	old, err := r.load(pk, t)
	if err != nil {
		return err
	}
	created := make(map[URL]time.Time, len(old))
	for _, relay := range old {
		created[relay.URL] = relay.CreatedAt
	}

	now := netTime.Now()
	list := make([]Relay, len(urls))
	for i, u := range urls {
		c, exists := created[u]
		if !exists {
			c = now
		}
		list[i] = Relay{URL: u, CreatedAt: c, UpdatedAt: now}
	}
	return r.save(pk, t, list)
}

// DeleteAll removes every list of the key.
func (r *Registry) DeleteAll(pk identity.PublicKey) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	for _, t := range AllTypes {
		if err := r.kv.Delete(listKey(pk, t), relayListStoreVersion); err != nil {
			return errs.StorageErr(err, "failed to delete %s relays of %s", t, pk)
		}
	}
	return nil
}

// ListEventTags renders the list as the tags of its replaceable event.
func ListEventTags(t Type, urls []string) nostr.Tags {
	tags := make(nostr.Tags, 0, len(urls))
	for _, u := range urls {
		tags = append(tags, nostr.Tag{t.TagName(), u})
	}
	return tags
}

// URLsFromEvent extracts the relay URLs from a relay list event. Both "r" and
// "relay" tags are accepted. Malformed entries are dropped.
func URLsFromEvent(ev *nostr.Event) []string {
	raw := protocol.TagValues(ev.Tags, protocol.TagRelayRef)
	raw = append(raw, protocol.TagValues(ev.Tags, protocol.TagRelay)...)
	return Strings(ParseURLs(raw))
}
