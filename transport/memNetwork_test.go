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
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/protocol"
)

const (
	relayA = "wss://a.example.com"
	relayB = "wss://b.example.com"
)

func newSignedEvent(t *testing.T, sk string, kind int, content string,
	createdAt nostr.Timestamp, tags nostr.Tags) *nostr.Event {
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	ev := &nostr.Event{
		PubKey:    pk,
		Kind:      kind,
		Content:   content,
		CreatedAt: createdAt,
		Tags:      tags,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestMemNetwork_PublishQuery(t *testing.T) {
	n := NewMemNetwork()
	sk := nostr.GeneratePrivateKey()
	ctx := context.Background()

	e1 := newSignedEvent(t, sk, protocol.KindChatMessage, "one", 10, nil)
	e2 := newSignedEvent(t, sk, protocol.KindChatMessage, "two", 5, nil)

	accepted, err := n.Publish(ctx, []string{relayA, relayB}, e1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{relayA, relayB}, accepted)
	_, err = n.Publish(ctx, []string{relayB}, e2)
	require.NoError(t, err)

	got, err := n.Query(ctx, []string{relayA, relayB},
		nostr.Filter{Kinds: []int{protocol.KindChatMessage}})
	require.NoError(t, err)
	require.Len(t, got, 2, "Events should be deduplicated across relays")
	require.Equal(t, e2.ID, got[0].ID, "Events should be sorted by time")

	got, err = n.Query(ctx, []string{relayA, relayB},
		nostr.Filter{Kinds: []int{protocol.KindChatMessage}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, e1.ID, got[0].ID, "Limit should keep the newest events")
}

func TestMemNetwork_Publish_Errors(t *testing.T) {
	n := NewMemNetwork()
	ev := newSignedEvent(t, nostr.GeneratePrivateKey(), 1, "x", 1, nil)

	_, err := n.Publish(context.Background(), nil, ev)
	require.True(t, errs.Is(err, errs.PublishError))

	n.SetOffline(relayA, true)
	_, err = n.Publish(context.Background(), []string{relayA}, ev)
	require.True(t, errs.Is(err, errs.PublishError))
	require.Equal(t, Disconnected, n.RelayStatus(relayA))

	_, err = n.Query(context.Background(), []string{relayA}, nostr.Filter{})
	require.True(t, errs.Is(err, errs.RelayUnreachable))

	n.OnPublish(func(string, *nostr.Event) error { return errors.New("rejected") })
	_, err = n.Publish(context.Background(), []string{relayB}, ev)
	require.True(t, errs.Is(err, errs.PublishError))
}

// Tests that replaceable kinds keep only the newest event per author.
func TestMemNetwork_Replaceable(t *testing.T) {
	n := NewMemNetwork()
	sk := nostr.GeneratePrivateKey()
	ctx := context.Background()

	older := newSignedEvent(t, sk, protocol.KindMetadata, `{"name":"old"}`, 10, nil)
	newer := newSignedEvent(t, sk, protocol.KindMetadata, `{"name":"new"}`, 20, nil)

	_, err := n.Publish(ctx, []string{relayA}, newer)
	require.NoError(t, err)
	_, err = n.Publish(ctx, []string{relayA}, older)
	require.NoError(t, err)

	got, err := n.Query(ctx, []string{relayA}, nostr.Filter{Kinds: []int{protocol.KindMetadata}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, newer.ID, got[0].ID)
}

// Tests that deletions only remove events of the same author.
func TestMemNetwork_Deletion(t *testing.T) {
	n := NewMemNetwork()
	alice, bob := nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey()
	ctx := context.Background()

	mine := newSignedEvent(t, alice, protocol.KindKeyPackage, "kp", 10, nil)
	theirs := newSignedEvent(t, bob, protocol.KindKeyPackage, "kp", 10, nil)
	for _, ev := range []*nostr.Event{mine, theirs} {
		_, err := n.Publish(ctx, []string{relayA}, ev)
		require.NoError(t, err)
	}

	del := newSignedEvent(t, alice, protocol.KindDeletion, "", 11, nostr.Tags{
		{protocol.TagEvent, mine.ID}, {protocol.TagEvent, theirs.ID}})
	_, err := n.Publish(ctx, []string{relayA}, del)
	require.NoError(t, err)

	got, err := n.Query(ctx, []string{relayA}, nostr.Filter{Kinds: []int{protocol.KindKeyPackage}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, theirs.ID, got[0].ID)
}

func TestMemNetwork_Subscribe(t *testing.T) {
	n := NewMemNetwork()
	sk := nostr.GeneratePrivateKey()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mux sync.Mutex
	var received []string
	sub, err := n.Subscribe(ctx, []string{relayA, relayB},
		nostr.Filters{{Kinds: []int{protocol.KindGroupMessage}}},
		func(_ string, ev *nostr.Event) {
			mux.Lock()
			received = append(received, ev.ID)
			mux.Unlock()
		})
	require.NoError(t, err)

	match := newSignedEvent(t, sk, protocol.KindGroupMessage, "m", 1, nil)
	other := newSignedEvent(t, sk, protocol.KindChatMessage, "c", 1, nil)
	_, err = n.Publish(ctx, []string{relayA, relayB}, match)
	require.NoError(t, err)
	_, err = n.Publish(ctx, []string{relayA}, other)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mux.Lock()
		defer mux.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	sub.Close()
	late := newSignedEvent(t, sk, protocol.KindGroupMessage, "late", 2, nil)
	_, err = n.Publish(ctx, []string{relayA}, late)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	mux.Lock()
	defer mux.Unlock()
	require.Equal(t, []string{match.ID}, received,
		"Only the matching event should be delivered, once")
}

func TestRateLimited_Publish(t *testing.T) {
	n := NewMemNetwork()
	rl := NewRateLimited(n, 1000)
	ev := newSignedEvent(t, nostr.GeneratePrivateKey(), 1, "x", 1, nil)
	accepted, err := rl.Publish(context.Background(), []string{relayA}, ev)
	require.NoError(t, err)
	require.Equal(t, []string{relayA}, accepted)
	require.Equal(t, 1, n.Count(relayA))
}

func TestRelayStatus_String(t *testing.T) {
	require.Equal(t, "Connected", Connected.String())
	require.Equal(t, "Terminated", Terminated.String())
	require.Equal(t, "INVALID RELAY STATUS: 99", RelayStatus(99).String())
}
