////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package relays

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
)

func TestParseURL(t *testing.T) {
	valid := map[string]URL{
		"wss://relay.example.com":     "wss://relay.example.com",
		" wss://Relay.Example.com/ ":  "wss://relay.example.com",
		"ws://localhost:7777":         "ws://localhost:7777",
		"wss://relay.example.com/sub": "wss://relay.example.com/sub",
	}
	for raw, expected := range valid {
		u, err := ParseURL(raw)
		require.NoError(t, err, raw)
		require.Equal(t, expected, u, raw)
	}

	invalid := []string{"", "relay.example.com", "https://relay.example.com",
		"wss://", "wss://user:pw@relay.example.com", "::not a url"}
	for _, raw := range invalid {
		_, err := ParseURL(raw)
		require.True(t, errs.Is(err, errs.InvalidRelayUrl), "%q: %+v", raw, err)
		require.Equal(t, errs.Relay, errs.KindOf(err))
	}
}

func TestParseURLs_DropsMalformed(t *testing.T) {
	got := ParseURLs([]string{"wss://a.com", "bad", "wss://A.com/", "wss://b.com"})
	require.Equal(t, []URL{"wss://a.com", "wss://b.com"}, got)
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry(versioned.NewKV(ekv.MakeMemstore()))
	pk := identity.PublicKey{7}

	require.NoError(t, r.AddRelay(pk, "wss://a.com", Inbox))
	require.NoError(t, r.AddRelay(pk, "wss://A.com/", Inbox), "adding twice is a no-op")
	require.NoError(t, r.AddRelay(pk, "wss://b.com", Inbox))

	list, err := r.ListRelays(pk, Inbox)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, URL("wss://a.com"), list[0].URL)

	other, err := r.URLs(pk, Nip65)
	require.NoError(t, err)
	require.Empty(t, other, "relay types are independent")

	require.NoError(t, r.RemoveRelay(pk, "wss://a.com", Inbox))
	require.NoError(t, r.RemoveRelay(pk, "wss://a.com", Inbox), "removing twice is a no-op")
	urls, err := r.URLs(pk, Inbox)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://b.com"}, urls)

	err = r.AddRelay(pk, "http://bad.com", Inbox)
	require.True(t, errs.Is(err, errs.InvalidRelayUrl))
}

func TestRegistry_ReplaceDeleteAll(t *testing.T) {
	r := NewRegistry(versioned.NewKV(ekv.MakeMemstore()))
	pk := identity.PublicKey{9}

	require.NoError(t, r.AddRelay(pk, "wss://a.com", KeyPackage))
	before, err := r.ListRelays(pk, KeyPackage)
	require.NoError(t, err)

	require.NoError(t, r.ReplaceRelays(pk, KeyPackage,
		[]string{"wss://a.com", "garbage", "wss://c.com"}))
	after, err := r.ListRelays(pk, KeyPackage)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.True(t, before[0].CreatedAt.Equal(after[0].CreatedAt),
		"existing relays keep their creation time")

	require.NoError(t, r.DeleteAll(pk))
	after, err = r.ListRelays(pk, KeyPackage)
	require.NoError(t, err)
	require.Empty(t, after)
}

func TestListEventTags_RoundTrip(t *testing.T) {
	for _, typ := range AllTypes {
		ev := &nostr.Event{Kind: typ.Kind(),
			Tags: ListEventTags(typ, []string{"wss://a.com", "wss://b.com"})}
		require.Equal(t, []string{"wss://a.com", "wss://b.com"}, URLsFromEvent(ev))

		back, ok := TypeFromKind(ev.Kind)
		require.True(t, ok)
		require.Equal(t, typ, back)
	}
	_, ok := TypeFromKind(protocol.KindChatMessage)
	require.False(t, ok)
}
