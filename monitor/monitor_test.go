////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/stoppable"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/elixxir/whitenoise/transport"
)

const (
	relayA = "wss://a.example.com"
	relayB = "wss://b.example.com"
)

type received struct {
	account identity.PublicKey
	ev      *nostr.Event
}

type testEnv struct {
	net      *transport.MemNetwork
	reg      *relays.Registry
	accounts []identity.PublicKey
	events   chan received
	m        *Monitor
}

func newTestEnv(t *testing.T, n int) *testEnv {
	env := &testEnv{
		net:    transport.NewMemNetwork(),
		reg:    relays.NewRegistry(versioned.NewKV(ekv.MakeMemstore())),
		events: make(chan received, 100),
	}
	for i := 0; i < n; i++ {
		keys, err := identity.GenerateKeys()
		require.NoError(t, err)
		env.accounts = append(env.accounts, keys.PublicKey())
	}
	filters := func(pk identity.PublicKey) (nostr.Filters, []string, error) {
		return nostr.Filters{{
			Kinds: []int{1},
			Tags:  nostr.TagMap{"p": []string{pk.Hex()}},
		}}, nil, nil
	}
	handler := func(pk identity.PublicKey, _ string, ev *nostr.Event) {
		env.events <- received{account: pk, ev: ev}
	}
	lister := func() ([]identity.PublicKey, error) { return env.accounts, nil }
	env.m = New(env.net, env.reg, lister, filters, handler, 0)
	t.Cleanup(env.m.Close)
	return env
}

func (env *testEnv) publish(t *testing.T, url string, to identity.PublicKey) *nostr.Event {
	keys, err := identity.GenerateKeys()
	require.NoError(t, err)
	ev := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", to.Hex()}},
	}
	require.NoError(t, keys.Sign(ev))
	_, err = env.net.Publish(context.Background(), []string{url}, ev)
	require.NoError(t, err)
	return ev
}

func (env *testEnv) expect(t *testing.T, account identity.PublicKey, id string) {
	select {
	case r := <-env.events:
		require.Equal(t, account, r.account)
		require.Equal(t, id, r.ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for event %s", id)
	}
}

func (env *testEnv) expectNone(t *testing.T) {
	select {
	case r := <-env.events:
		t.Fatalf("Unexpected event %s for %s", r.ev.ID, r.account)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitor_EnsureAllSubscriptions(t *testing.T) {
	env := newTestEnv(t, 2)
	a, b := env.accounts[0], env.accounts[1]
	require.NoError(t, env.reg.AddRelay(a, relayA, relays.Nip65))
	require.NoError(t, env.reg.AddRelay(b, relayB, relays.Inbox))

	ctx := context.Background()
	require.NoError(t, env.m.EnsureAllSubscriptions(ctx))
	// A second sweep keeps the live subscriptions
	require.NoError(t, env.m.EnsureAllSubscriptions(ctx))

	evA := env.publish(t, relayA, a)
	env.expect(t, a, evA.ID)
	evB := env.publish(t, relayB, b)
	env.expect(t, b, evB.ID)
	env.expectNone(t)
}

// Tests that an account whose relays are all down is skipped without failing
// the sweep.
func TestMonitor_EnsureAllSubscriptions_SkipsFailure(t *testing.T) {
	env := newTestEnv(t, 2)
	a, b := env.accounts[0], env.accounts[1]
	require.NoError(t, env.reg.AddRelay(a, relayA, relays.Nip65))
	require.NoError(t, env.reg.AddRelay(b, relayB, relays.Nip65))
	env.net.SetOffline(relayA, true)

	require.NoError(t, env.m.EnsureAllSubscriptions(context.Background()))

	evB := env.publish(t, relayB, b)
	env.expect(t, b, evB.ID)

	// Once the relay is back the next sweep picks the account up
	env.net.SetOffline(relayA, false)
	require.NoError(t, env.m.EnsureAllSubscriptions(context.Background()))
	evA := env.publish(t, relayA, a)
	env.expect(t, a, evA.ID)
}

func TestMonitor_EnsureAllSubscriptions_StorageFailure(t *testing.T) {
	net := transport.NewMemNetwork()
	reg := relays.NewRegistry(versioned.NewKV(ekv.MakeMemstore()))
	lister := func() ([]identity.PublicKey, error) {
		return nil, errs.StorageErr(errors.New("disk gone"), "failed to list")
	}
	m := New(net, reg, lister, nil, nil, 0)
	defer m.Close()

	err := m.EnsureAllSubscriptions(context.Background())
	require.Equal(t, errs.Storage, errs.KindOf(err))
}

// Tests that changing relays moves the subscription.
func TestMonitor_Resubscribe(t *testing.T) {
	env := newTestEnv(t, 1)
	a := env.accounts[0]
	require.NoError(t, env.reg.AddRelay(a, relayA, relays.Nip65))
	require.NoError(t, env.m.EnsureAllSubscriptions(context.Background()))

	require.NoError(t, env.reg.ReplaceRelays(a, relays.Nip65, []string{relayB}))
	require.NoError(t, env.m.Resubscribe(a))

	env.publish(t, relayA, a)
	evB := env.publish(t, relayB, a)
	env.expect(t, a, evB.ID)
	env.expectNone(t)

	env.m.Unsubscribe(a)
	env.publish(t, relayB, a)
	env.expectNone(t)
}

func TestMonitor_FetchRelayStatus(t *testing.T) {
	env := newTestEnv(t, 1)
	a := env.accounts[0]
	require.NoError(t, env.reg.AddRelay(a, relayA, relays.Nip65))
	require.NoError(t, env.reg.AddRelay(a, relayB, relays.Inbox))
	require.NoError(t, env.reg.AddRelay(a, relayA, relays.Inbox))

	var changes int64
	id := env.m.AddStatusCallback(func(identity.PublicKey, string, transport.RelayStatus) {
		atomic.AddInt64(&changes, 1)
	})
	defer env.m.RemoveStatusCallback(id)

	require.NoError(t, env.m.EnsureAllSubscriptions(context.Background()))
	env.net.SetOffline(relayB, true)

	states, err := env.m.FetchRelayStatus(a)
	require.NoError(t, err)
	require.Equal(t, []RelayState{
		{URL: relayA, Status: transport.Connected},
		{URL: relayB, Status: transport.Disconnected},
	}, states)

	require.NoError(t, env.m.EnsureAllSubscriptions(context.Background()))
	require.Eventually(t, func() bool { return atomic.LoadInt64(&changes) >= 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestMonitor_StartProcesses(t *testing.T) {
	env := newTestEnv(t, 1)
	a := env.accounts[0]
	require.NoError(t, env.reg.AddRelay(a, relayA, relays.Nip65))

	stop, err := env.m.StartProcesses(10 * time.Millisecond)
	require.NoError(t, err)
	_, err = env.m.StartProcesses(10 * time.Millisecond)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		ev := env.publish(t, relayA, a)
		select {
		case r := <-env.events:
			return r.ev.ID == ev.ID
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, stop.Close())
	require.NoError(t, stoppable.WaitForStopped(stop, time.Second))
}
