////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"context"
	"encoding/json"
	"os"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/elixxir/whitenoise/accounts"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/media"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/users"
)

// signer returns the signing keys of a local account.
func (s *Session) signer(pk identity.PublicKey) (*identity.Keys, error) {
	return s.accounts.Keys(pk)
}

// accountKeys lists the local accounts for the monitor.
func (s *Session) accountKeys() ([]identity.PublicKey, error) {
	all := s.accounts.All()
	pks := make([]identity.PublicKey, len(all))
	for i, a := range all {
		pks[i] = a.PubKey
	}
	return pks, nil
}

// defaultRelays returns the configured relays of a purpose.
func (s *Session) defaultRelays(t relays.Type) []string {
	switch t {
	case relays.Nip65:
		return s.params.DefaultNip65Relays
	case relays.Inbox:
		return s.params.DefaultInboxRelays
	case relays.KeyPackage:
		return s.params.DefaultKeyPackageRelays
	default:
		jww.FATAL.Panicf("[SES] Unknown relay type %d", t)
	}
	return nil
}

// CreateIdentity generates a new account, gives it the default relays and
// announces it. Publication failures are logged; the account is kept.
func (s *Session) CreateIdentity(ctx context.Context) (accounts.Account, error) {
	keys, err := identity.GenerateKeys()
	if err != nil {
		return accounts.Account{}, err
	}
	a, _, err := s.accounts.Add(keys)
	if err != nil {
		return accounts.Account{}, err
	}
	for _, t := range relays.AllTypes {
		if err = s.registry.ReplaceRelays(a.PubKey, t, s.defaultRelays(t)); err != nil {
			return accounts.Account{}, err
		}
	}
	if _, err = s.users.SetMetadata(a.PubKey, users.Metadata{}, 0); err != nil {
		return accounts.Account{}, err
	}

	s.announce(ctx, keys)
	jww.INFO.Printf("[ACC] Created identity %s", a.PubKey)
	return a, nil
}

// Login adds the account of an nsec or hex secret key. Logging in to an
// existing account returns it unchanged. A new account picks up its relays
// from the network and falls back to the defaults.
func (s *Session) Login(ctx context.Context, secret string) (accounts.Account, error) {
	keys, err := identity.KeysFromSecret(secret)
	if err != nil {
		return accounts.Account{}, err
	}
	a, created, err := s.accounts.Add(keys)
	if err != nil || !created {
		return a, err
	}

	if _, err = s.users.ResolveUser(ctx, a.PubKey, users.Blocking); err != nil {
		return accounts.Account{}, err
	}
	for _, t := range relays.AllTypes {
		urls, err := s.registry.URLs(a.PubKey, t)
		if err != nil {
			return accounts.Account{}, err
		}
		if len(urls) > 0 {
			continue
		}
		if err = s.registry.ReplaceRelays(a.PubKey, t, s.defaultRelays(t)); err != nil {
			return accounts.Account{}, err
		}
	}

	has, err := s.keyPackages.UserHasKeyPackage(ctx, a.PubKey, users.Blocking, nil)
	if err != nil {
		jww.WARN.Printf("[ACC] Could not look up key packages of %s: %+v",
			a.PubKey, err)
	}
	if !has {
		if _, err = s.keyPackages.Publish(ctx, keys); err != nil {
			jww.WARN.Printf("[ACC] Failed to publish key package for %s: %+v",
				a.PubKey, err)
		}
	}
	s.resubscribe(a.PubKey)
	jww.INFO.Printf("[ACC] Logged in %s", a.PubKey)
	return a, nil
}

// announce publishes the relay lists, metadata and a key package of a new
// account.
func (s *Session) announce(ctx context.Context, keys *identity.Keys) {
	pk := keys.PublicKey()
	for _, t := range relays.AllTypes {
		if err := s.publishRelayList(ctx, keys, t); err != nil {
			jww.WARN.Printf("[ACC] Failed to publish %s relays of %s: %+v",
				t, pk, err)
		}
	}
	if _, err := s.publishMetadata(ctx, keys, users.Metadata{}); err != nil {
		jww.WARN.Printf("[ACC] Failed to publish metadata of %s: %+v", pk, err)
	}
	if _, err := s.keyPackages.Publish(ctx, keys); err != nil {
		jww.WARN.Printf("[ACC] Failed to publish key package for %s: %+v", pk, err)
	}
	s.resubscribe(pk)
}

// resubscribe refreshes the subscription of an account if the monitor is
// running.
func (s *Session) resubscribe(pk identity.PublicKey) {
	s.mux.Lock()
	running := s.processes != nil
	s.mux.Unlock()
	if !running {
		return
	}
	if err := s.monitor.Resubscribe(pk); err != nil {
		jww.WARN.Printf("[ACC] Could not resubscribe %s: %+v", pk, err)
	}
}

// Logout removes an account and everything stored for it. Published key
// packages are retired first when the relays can be reached.
func (s *Session) Logout(ctx context.Context, pk identity.PublicKey) error {
	keys, err := s.signer(pk)
	if err != nil {
		return err
	}
	if n, err := s.keyPackages.DeleteAll(ctx, keys); err != nil {
		jww.WARN.Printf("[ACC] Could not retire key packages of %s: %+v", pk, err)
	} else {
		jww.DEBUG.Printf("[ACC] Retired %d key packages of %s", n, pk)
	}

	s.monitor.Unsubscribe(pk)
	if err = s.forget(pk); err != nil {
		return err
	}
	jww.INFO.Printf("[ACC] Logged out %s", pk)
	return nil
}

// forget deletes every local record of an account.
func (s *Session) forget(pk identity.PublicKey) error {
	steps := []func(identity.PublicKey) error{
		s.groups.DeleteAccount,
		s.welcomes.DeleteAccount,
		s.media.DeleteAccount,
		s.keyPackages.Forget,
		s.engines.Remove,
		s.registry.DeleteAll,
		s.users.Delete,
		func(pk identity.PublicKey) error { return s.archive.DeleteAccount(pk.Hex()) },
		s.accounts.Remove,
	}
	for _, step := range steps {
		if err := step(pk); err != nil {
			return err
		}
	}
	return nil
}

// GetAccounts returns every local account.
func (s *Session) GetAccounts() []accounts.Account {
	return s.accounts.All()
}

// GetAccount returns one local account.
func (s *Session) GetAccount(pk identity.PublicKey) (accounts.Account, error) {
	return s.accounts.Get(pk)
}

// ExportNsec returns the bech32 secret key of an account.
func (s *Session) ExportNsec(pk identity.PublicKey) (string, error) {
	keys, err := s.signer(pk)
	if err != nil {
		return "", err
	}
	return keys.Nsec()
}

// UpdateMetadata publishes new profile metadata for an account and caches it.
func (s *Session) UpdateMetadata(ctx context.Context, pk identity.PublicKey,
	md users.Metadata) (users.User, error) {
	keys, err := s.signer(pk)
	if err != nil {
		return users.User{}, err
	}
	return s.publishMetadata(ctx, keys, md)
}

// UploadProfilePicture downscales the image at path, uploads it unencrypted
// and republishes the account metadata with it as the picture.
func (s *Session) UploadProfilePicture(ctx context.Context, pk identity.PublicKey,
	path string) (users.User, error) {
	keys, err := s.signer(pk)
	if err != nil {
		return users.User{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return users.User{}, errs.AsOther(err)
	}
	prepared, _, err := media.PrepareGroupImage(data, s.params.ImageMaxDimension)
	if err != nil {
		return users.User{}, err
	}
	url, _, err := s.media.UploadPublic(ctx, prepared)
	if err != nil {
		return users.User{}, err
	}
	jww.DEBUG.Printf("[SES] Uploaded profile picture of %s to %s", pk, url)

	u, err := s.users.Get(pk)
	if err != nil {
		return users.User{}, err
	}
	md := u.Metadata
	md.Picture = url
	return s.publishMetadata(ctx, keys, md)
}

func (s *Session) publishMetadata(ctx context.Context, keys *identity.Keys,
	md users.Metadata) (users.User, error) {
	pk := keys.PublicKey()
	content, err := json.Marshal(md)
	if err != nil {
		return users.User{}, errors.WithStack(err)
	}
	ev := &nostr.Event{
		Kind:      protocol.KindMetadata,
		CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
		Content:   string(content),
		Tags:      nostr.Tags{},
	}
	if err = keys.Sign(ev); err != nil {
		return users.User{}, err
	}
	urls, err := s.registry.URLs(pk, relays.Nip65)
	if err != nil {
		return users.User{}, err
	}
	if _, err = s.net.Publish(ctx, urls, ev); err != nil {
		return users.User{}, err
	}
	return s.users.SetMetadata(pk, md, ev.CreatedAt)
}

// publishRelayList publishes the current list of one relay type. Relay
// lists go to the general relays and to the listed ones.
func (s *Session) publishRelayList(ctx context.Context, keys *identity.Keys,
	t relays.Type) error {
	pk := keys.PublicKey()
	urls, err := s.registry.URLs(pk, t)
	if err != nil {
		return err
	}
	general, err := s.registry.URLs(pk, relays.Nip65)
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		Kind:      t.Kind(),
		CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
		Tags:      relays.ListEventTags(t, urls),
	}
	if err = keys.Sign(ev); err != nil {
		return err
	}
	targets := union(general, urls)
	_, err = s.net.Publish(ctx, targets, ev)
	return err
}

// AddRelay adds a relay to one list of an account and republishes the list.
func (s *Session) AddRelay(ctx context.Context, pk identity.PublicKey,
	url string, t relays.Type) error {
	return s.editRelays(ctx, pk, t, func() error {
		return s.registry.AddRelay(pk, url, t)
	})
}

// RemoveRelay removes a relay from one list of an account and republishes
// the list.
func (s *Session) RemoveRelay(ctx context.Context, pk identity.PublicKey,
	url string, t relays.Type) error {
	return s.editRelays(ctx, pk, t, func() error {
		return s.registry.RemoveRelay(pk, url, t)
	})
}

func (s *Session) editRelays(ctx context.Context, pk identity.PublicKey,
	t relays.Type, edit func() error) error {
	keys, err := s.signer(pk)
	if err != nil {
		return err
	}
	if err = edit(); err != nil {
		return err
	}
	if err = s.publishRelayList(ctx, keys, t); err != nil {
		if errs.KindOf(err) == errs.Storage {
			return err
		}
		jww.WARN.Printf("[ACC] Relay list of %s saved locally but not "+
			"published: %+v", pk, err)
	}
	s.resubscribe(pk)
	return nil
}

// Follow adds target to the contact list of the account and publishes it.
func (s *Session) Follow(ctx context.Context, pk, target identity.PublicKey) (accounts.Account, error) {
	a, err := s.accounts.Follow(pk, target)
	if err != nil {
		return a, err
	}
	return a, s.publishContacts(ctx, a)
}

// Unfollow removes target from the contact list of the account and
// publishes it.
func (s *Session) Unfollow(ctx context.Context, pk, target identity.PublicKey) (accounts.Account, error) {
	a, err := s.accounts.Unfollow(pk, target)
	if err != nil {
		return a, err
	}
	return a, s.publishContacts(ctx, a)
}

// publishContacts publishes the kind 3 contact list. Network failures are
// logged; the local list stays authoritative.
func (s *Session) publishContacts(ctx context.Context, a accounts.Account) error {
	keys, err := s.signer(a.PubKey)
	if err != nil {
		return err
	}
	tags := make(nostr.Tags, 0, len(a.Follows))
	for _, pk := range a.Follows {
		tags = append(tags, nostr.Tag{protocol.TagPubkey, pk.Hex()})
	}
	ev := &nostr.Event{
		Kind:      protocol.KindContactList,
		CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
		Tags:      tags,
	}
	if err = keys.Sign(ev); err != nil {
		return err
	}
	urls, err := s.registry.URLs(a.PubKey, relays.Nip65)
	if err != nil {
		return err
	}
	if _, err = s.net.Publish(ctx, urls, ev); err != nil {
		jww.WARN.Printf("[ACC] Contact list of %s not published: %+v", a.PubKey, err)
	}
	return nil
}

// union returns the lists joined without duplicates, in first seen order.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, url := range append(append([]string(nil), a...), b...) {
		if _, exists := seen[url]; exists {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}
