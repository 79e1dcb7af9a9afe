////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groups

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/crypto/fastRNG"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/crypto/csprng"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/keyPackages"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/storage/eventArchive"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/elixxir/whitenoise/transport"
	"gitlab.com/elixxir/whitenoise/users"
)

const testRelay = "wss://relay.example.com"

type testEnv struct {
	net     *transport.MemNetwork
	engines *mls.Provider
	kps     *keyPackages.Directory
	archive *eventArchive.Archive
	m       *Manager
	reg     *relays.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	kv := versioned.NewKV(ekv.MakeMemstore())
	net := transport.NewMemNetwork()
	reg := relays.NewRegistry(kv)
	rng := fastRNG.NewStreamGenerator(12, 1024, csprng.NewSystemRNG)
	engines := mls.NewProvider(kv, rng)
	userDir := users.NewDirectory(kv, reg, net, nil, time.Second)
	kps := keyPackages.NewDirectory(kv, engines, reg, userDir, net, time.Second,
		time.Hour)

	archive, err := eventArchive.Open(eventArchive.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	return &testEnv{
		net:     net,
		engines: engines,
		kps:     kps,
		archive: archive,
		m:       NewManager(kv, engines, reg, kps, net, archive, rng, 0),
		reg:     reg,
	}
}

// newUser makes an account with relays and, optionally, a key package.
func (env *testEnv) newUser(t *testing.T, publish bool) *identity.Keys {
	keys, err := identity.GenerateKeys()
	require.NoError(t, err)
	for _, rt := range []relays.Type{relays.Nip65, relays.KeyPackage} {
		require.NoError(t, env.reg.AddRelay(keys.PublicKey(), testRelay, rt))
	}
	if publish {
		_, err = env.kps.Publish(context.Background(), keys)
		require.NoError(t, err)
	}
	return keys
}

// join accepts the newest welcome addressed to the invitee.
func (env *testEnv) join(t *testing.T, invitee *identity.Keys) Group {
	events, err := env.net.Query(context.Background(), []string{testRelay},
		nostr.Filter{
			Kinds: []int{protocol.KindWelcome},
			Tags:  nostr.TagMap{protocol.TagPubkey: []string{invitee.PublicKey().Hex()}},
		})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	w, err := mls.DecodeWelcome(events[len(events)-1].Content)
	require.NoError(t, err)
	engine, err := env.engines.Engine(invitee.PublicKey())
	require.NoError(t, err)
	state, err := engine.ProcessWelcome(w)
	require.NoError(t, err)
	g, err := env.m.JoinFromWelcome(invitee.PublicKey(), state)
	require.NoError(t, err)
	return g
}

// sync processes every group event on the relay for the account.
func (env *testEnv) sync(t *testing.T, account *identity.Keys, g Group) {
	events, err := env.net.Query(context.Background(), []string{testRelay},
		Filter(g.NostrGroupID))
	require.NoError(t, err)
	for _, ev := range events {
		_, _ = env.m.ProcessGroupEvent(account.PublicKey(), ev)
	}
}

func pks(keys ...*identity.Keys) []identity.PublicKey {
	out := make([]identity.PublicKey, len(keys))
	for i, k := range keys {
		out[i] = k.PublicKey()
	}
	return out
}
