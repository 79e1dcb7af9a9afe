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

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/transport"
)

func TestManager_CreateGroup(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.newUser(t, false), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), nil, "Test", "Desc", KindGroup)
	require.NoError(t, err)
	require.Equal(t, Active, g.State)
	require.Equal(t, uint64(1), g.Epoch)
	require.Equal(t, pks(a), g.Admins)
	require.Equal(t, []string{testRelay}, g.Relays)

	members, err := env.m.FetchMembers(a.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, pks(a, b), members)

	joined := env.join(t, b)
	require.Equal(t, Active, joined.State)
	require.Equal(t, g.Epoch, joined.Epoch)
	require.Equal(t, "Test", joined.Name)
	require.Equal(t, "Desc", joined.Description)
}

func TestManager_CreateGroup_Solo(t *testing.T) {
	env := newTestEnv(t)
	a := env.newUser(t, false)

	g, err := env.m.CreateGroup(context.Background(), a, nil, nil, "notes", "",
		KindGroup)
	require.NoError(t, err)
	require.Equal(t, Active, g.State)
	require.Equal(t, uint64(0), g.Epoch)
}

func TestManager_CreateGroup_DirectMessage(t *testing.T) {
	env := newTestEnv(t)
	a, b, c := env.newUser(t, false), env.newUser(t, true), env.newUser(t, true)
	ctx := context.Background()

	for _, members := range [][]identity.PublicKey{nil, pks(b, c)} {
		_, err := env.m.CreateGroup(ctx, a, members, nil, "", "", KindDirectMessage)
		require.True(t, errs.Is(err, errs.InvalidKindTransition), "%+v", err)
		require.Equal(t, errs.Membership, errs.KindOf(err))
	}

	g, err := env.m.CreateGroup(ctx, a, pks(b), pks(b), "", "", KindDirectMessage)
	require.NoError(t, err)
	require.Equal(t, KindDirectMessage, g.Kind)
	require.ElementsMatch(t, pks(a, b), g.Admins)

	_, err = env.m.AddMembers(ctx, a, g.MlsGroupID, pks(c))
	require.True(t, errs.Is(err, errs.InvalidKindTransition), "%+v", err)
	_, err = env.m.RemoveMembers(ctx, a, g.MlsGroupID, pks(b))
	require.True(t, errs.Is(err, errs.InvalidKindTransition), "%+v", err)

	joined := env.join(t, b)
	require.Equal(t, KindDirectMessage, joined.Kind)
}

func TestManager_CreateGroup_MissingKeyPackage(t *testing.T) {
	env := newTestEnv(t)
	a, b, c := env.newUser(t, false), env.newUser(t, true), env.newUser(t, false)

	_, err := env.m.CreateGroup(context.Background(), a, pks(b, c), nil, "", "",
		KindGroup)
	require.True(t, errs.Is(err, errs.MissingKeyPackage), "%+v", err)
	require.Equal(t, errs.Membership, errs.KindOf(err))

	groups, err := env.m.FetchGroups(a.PublicKey(), false)
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestManager_CreateGroup_PublishFailure(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.newUser(t, false), env.newUser(t, true)
	env.net.OnPublish(func(_ string, ev *nostr.Event) error {
		if ev.Kind == protocol.KindGroupMessage {
			return errors.New("rejected")
		}
		return nil
	})

	_, err := env.m.CreateGroup(context.Background(), a, pks(b), nil, "", "",
		KindGroup)
	require.True(t, errs.Is(err, errs.PublishError), "%+v", err)

	groups, err := env.m.FetchGroups(a.PublicKey(), false)
	require.NoError(t, err)
	require.Empty(t, groups)
	engine, _ := env.engines.Engine(a.PublicKey())
	require.Empty(t, engine.Groups())
}

// Tests the create, add and unauthorised remove sequence with the epoch
// advancing by one per operation.
func TestManager_Membership(t *testing.T) {
	env := newTestEnv(t)
	a, b, c := env.newUser(t, false), env.newUser(t, true), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), pks(a), "Test", "Desc", KindGroup)
	require.NoError(t, err)
	env.join(t, b)
	start := g.Epoch

	g, err = env.m.AddMembers(ctx, a, g.MlsGroupID, pks(c))
	require.NoError(t, err)
	require.Equal(t, start+1, g.Epoch)

	members, err := env.m.FetchMembers(a.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, pks(a, b, c), members)

	env.sync(t, b, g)
	bView, err := env.m.GetGroup(b.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, start+1, bView.Epoch)
	members, err = env.m.FetchMembers(b.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, pks(a, b, c), members)

	_, err = env.m.RemoveMembers(ctx, b, g.MlsGroupID, pks(c))
	require.True(t, errs.Is(err, errs.NotAdmin), "%+v", err)

	cView := env.join(t, c)
	require.Equal(t, start+1, cView.Epoch)

	_, err = env.m.RemoveMembers(ctx, a, g.MlsGroupID, []identity.PublicKey{{9}})
	require.True(t, errs.Is(err, errs.UnknownMember), "%+v", err)

	g, err = env.m.RemoveMembers(ctx, a, g.MlsGroupID, pks(b))
	require.NoError(t, err)
	require.Equal(t, start+2, g.Epoch)

	env.sync(t, b, g)
	bView, err = env.m.GetGroup(b.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, Inactive, bView.State)

	env.sync(t, c, g)
	members, err = env.m.FetchMembers(c.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.ElementsMatch(t, pks(a, c), members)
}

// Tests that a failed batch applies nothing.
func TestManager_AddMembers_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.newUser(t, false), env.newUser(t, true)
	c, d := env.newUser(t, true), env.newUser(t, false)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), nil, "", "", KindGroup)
	require.NoError(t, err)

	_, err = env.m.AddMembers(ctx, a, g.MlsGroupID, pks(c, d))
	require.True(t, errs.Is(err, errs.MissingKeyPackage), "%+v", err)

	after, err := env.m.GetGroup(a.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, g.Epoch, after.Epoch)
	members, _ := env.m.FetchMembers(a.PublicKey(), g.MlsGroupID)
	require.Len(t, members, 2)

	_, err = env.m.AddMembers(ctx, a, g.MlsGroupID, pks(b))
	require.True(t, errs.Is(err, errs.AlreadyMember), "%+v", err)
}

func TestManager_UpdateGroupData(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.newUser(t, false), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), nil, "Test", "Desc", KindGroup)
	require.NoError(t, err)
	env.join(t, b)

	update := GroupDataUpdate{
		Name:        SetTo("Renamed"),
		Description: Cleared[string](),
		Relays:      SetTo([]string{testRelay, "http://bad", "not a url"}),
		Admins:      SetTo([]string{a.PublicKey().Hex(), b.PublicKey().Npub(), "zz"}),
	}
	updated, err := env.m.UpdateGroupData(ctx, a, g.MlsGroupID, update)
	require.NoError(t, err)
	require.Equal(t, g.Epoch+1, updated.Epoch)
	require.Equal(t, "Renamed", updated.Name)
	require.Equal(t, "", updated.Description)
	require.Equal(t, []string{testRelay}, updated.Relays)
	require.Equal(t, pks(a, b), updated.Admins)

	env.sync(t, b, g)
	bView, err := env.m.GetGroup(b.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, "Renamed", bView.Name)
	require.True(t, bView.IsAdmin(b.PublicKey()))

	// b is now an admin and can change the group
	_, err = env.m.UpdateGroupData(ctx, b, g.MlsGroupID,
		GroupDataUpdate{Description: SetTo("by b")})
	require.NoError(t, err)
	env.sync(t, a, g)
	aView, err := env.m.GetGroup(a.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, "by b", aView.Description)
	require.Equal(t, "Renamed", aView.Name)
}

// Tests that a commit racing one already published by another admin is
// rebuilt on top of it instead of overwriting it.
func TestManager_CommitRace(t *testing.T) {
	env := newTestEnv(t)
	a, b, c := env.newUser(t, false), env.newUser(t, true), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), pks(a, b), "race", "", KindGroup)
	require.NoError(t, err)
	env.join(t, b)

	// b commits while a has not seen it yet
	_, err = env.m.UpdateGroupData(ctx, b, g.MlsGroupID,
		GroupDataUpdate{Name: SetTo("from b")})
	require.NoError(t, err)

	added, err := env.m.AddMembers(ctx, a, g.MlsGroupID, pks(c))
	require.NoError(t, err)
	require.Equal(t, g.Epoch+2, added.Epoch)
	require.Equal(t, "from b", added.Name)

	env.sync(t, b, g)
	bView, err := env.m.GetGroup(b.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, added.Epoch, bView.Epoch)
	members, _ := env.m.FetchMembers(b.PublicKey(), g.MlsGroupID)
	require.ElementsMatch(t, pks(a, b, c), members)
}

func TestManager_LeaveGroup(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.newUser(t, false), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), nil, "", "", KindGroup)
	require.NoError(t, err)
	env.join(t, b)

	left, err := env.m.LeaveGroup(ctx, b, g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, Inactive, left.State)

	// Inactive is terminal
	_, err = env.m.UpdateGroupData(ctx, b, g.MlsGroupID,
		GroupDataUpdate{Name: SetTo("x")})
	require.True(t, errs.Is(err, errs.GroupInactive), "%+v", err)
	require.True(t, errs.Is(env.m.CanJoin(b.PublicKey(), g.MlsGroupID),
		errs.GroupInactive))

	active, err := env.m.FetchGroups(b.PublicKey(), true)
	require.NoError(t, err)
	require.Empty(t, active)
	all, err := env.m.FetchGroups(b.PublicKey(), false)
	require.NoError(t, err)
	require.Len(t, all, 1)

	// The last admin cannot leave until someone else is an admin
	_, err = env.m.LeaveGroup(ctx, a, g.MlsGroupID)
	require.True(t, errs.Is(err, errs.NoAdmins), "%+v", err)
	require.Equal(t, errs.Membership, errs.KindOf(err))

	_, err = env.m.UpdateGroupData(ctx, a, g.MlsGroupID, GroupDataUpdate{
		Admins: SetTo([]string{a.PublicKey().Hex(), b.PublicKey().Hex()})})
	require.NoError(t, err)

	// The admin publishes its own removal
	left, err = env.m.LeaveGroup(ctx, a, g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, Inactive, left.State)
}

// Tests that the admin list of a group can never become empty.
func TestManager_UpdateGroupData_NoAdmins(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.newUser(t, false), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), nil, "", "", KindGroup)
	require.NoError(t, err)

	for _, update := range []GroupDataUpdate{
		{Admins: Cleared[[]string]()},
		{Admins: SetTo([]string{"zz", identity.PublicKey{9}.Hex()})},
	} {
		_, err = env.m.UpdateGroupData(ctx, a, g.MlsGroupID, update)
		require.True(t, errs.Is(err, errs.NoAdmins), "%+v", err)
	}

	admins, err := env.m.FetchAdmins(a.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, pks(a), admins)

	renamed, err := env.m.UpdateGroupData(ctx, a, g.MlsGroupID,
		GroupDataUpdate{Name: SetTo("x")})
	require.NoError(t, err)
	require.Equal(t, g.Epoch+1, renamed.Epoch)
}

// racingTransport runs before ahead of the first group event it publishes,
// letting another member commit while a commit is in flight.
type racingTransport struct {
	transport.Transport
	before func()
}

func (r *racingTransport) Publish(ctx context.Context, urls []string,
	ev *nostr.Event) ([]string, error) {
	if f := r.before; f != nil && ev.Kind == protocol.KindGroupMessage {
		r.before = nil
		f()
	}
	return r.Transport.Publish(ctx, urls, ev)
}

// Tests that two admins committing to the same epoch at the same moment end
// in one shared state instead of forking the group.
func TestManager_CommitRace_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	a, b, c := env.newUser(t, false), env.newUser(t, true), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), pks(a, b), "race", "", KindGroup)
	require.NoError(t, err)
	env.join(t, b)

	racing := &racingTransport{Transport: env.net}
	env.m.net = racing
	racing.before = func() {
		_, err := env.m.UpdateGroupData(ctx, b, g.MlsGroupID,
			GroupDataUpdate{Name: SetTo("from b")})
		require.NoError(t, err)
	}

	added, err := env.m.AddMembers(ctx, a, g.MlsGroupID, pks(c))
	require.NoError(t, err)
	require.Nil(t, racing.before)

	env.sync(t, b, g)
	env.sync(t, a, g)
	env.sync(t, b, g)

	aView, err := env.m.GetGroup(a.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	bView, err := env.m.GetGroup(b.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, aView.Epoch, bView.Epoch)
	require.Equal(t, aView.Name, bView.Name)
	require.GreaterOrEqual(t, aView.Epoch, added.Epoch)

	// b's rename survives only if it won the epoch and a rebuilt on top of it
	if aView.Epoch == g.Epoch+2 {
		require.Equal(t, "from b", aView.Name)
	} else {
		require.Equal(t, g.Epoch+1, aView.Epoch)
		require.Equal(t, "race", aView.Name)
	}

	for _, account := range []*identity.Keys{a, b} {
		members, err := env.m.FetchMembers(account.PublicKey(), g.MlsGroupID)
		require.NoError(t, err)
		require.ElementsMatch(t, pks(a, b, c), members)
	}

	// Both sides hold the same epoch secret
	inner := &nostr.Event{Kind: protocol.KindChatMessage, Content: "in sync",
		CreatedAt: nostr.Now()}
	require.NoError(t, a.Sign(inner))
	outer, err := env.m.SendApplication(ctx, a.PublicKey(), g.MlsGroupID, inner)
	require.NoError(t, err)
	in, err := env.m.ProcessGroupEvent(b.PublicKey(), outer)
	require.NoError(t, err)
	require.Equal(t, "in sync", in.Inner.Content)
}

// Tests that application events round trip and are reported once.
func TestManager_SendApplication(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.newUser(t, false), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), nil, "", "", KindGroup)
	require.NoError(t, err)
	env.join(t, b)

	inner := &nostr.Event{Kind: protocol.KindChatMessage, Content: "hi",
		CreatedAt: nostr.Now()}
	require.NoError(t, a.Sign(inner))
	outer, err := env.m.SendApplication(ctx, a.PublicKey(), g.MlsGroupID, inner)
	require.NoError(t, err)
	require.NotEqual(t, a.PublicKey().Hex(), outer.PubKey)

	in, err := env.m.ProcessGroupEvent(b.PublicKey(), outer)
	require.NoError(t, err)
	require.Equal(t, mls.ApplicationMessage, in.Type)
	require.Equal(t, inner.ID, in.Inner.ID)
	require.Equal(t, "hi", in.Inner.Content)

	again, err := env.m.ProcessGroupEvent(b.PublicKey(), outer)
	require.NoError(t, err)
	require.Nil(t, again)

	// The sender does not process its own event
	own, err := env.m.ProcessGroupEvent(a.PublicKey(), outer)
	require.NoError(t, err)
	require.Nil(t, own)
}

// Tests that an event from an epoch not reached yet is left for a retry.
func TestManager_ProcessGroupEvent_FutureEpoch(t *testing.T) {
	env := newTestEnv(t)
	a, b, c := env.newUser(t, false), env.newUser(t, true), env.newUser(t, true)
	ctx := context.Background()

	g, err := env.m.CreateGroup(ctx, a, pks(b), nil, "", "", KindGroup)
	require.NoError(t, err)
	env.join(t, b)
	_, err = env.m.AddMembers(ctx, a, g.MlsGroupID, pks(c))
	require.NoError(t, err)

	inner := &nostr.Event{Kind: protocol.KindChatMessage, Content: "later",
		CreatedAt: nostr.Now()}
	require.NoError(t, a.Sign(inner))
	outer, err := env.m.SendApplication(ctx, a.PublicKey(), g.MlsGroupID, inner)
	require.NoError(t, err)

	_, err = env.m.ProcessGroupEvent(b.PublicKey(), outer)
	require.True(t, errs.Is(err, errs.FutureEpoch), "%+v", err)

	events, err := env.net.Query(ctx, []string{testRelay}, Filter(g.NostrGroupID))
	require.NoError(t, err)
	for _, ev := range events {
		if ev.ID != outer.ID {
			_, _ = env.m.ProcessGroupEvent(b.PublicKey(), ev)
		}
	}
	in, err := env.m.ProcessGroupEvent(b.PublicKey(), outer)
	require.NoError(t, err)
	require.NotNil(t, in)
	require.Equal(t, "later", in.Inner.Content)
}

func TestManager_SetLastMessage(t *testing.T) {
	env := newTestEnv(t)
	a := env.newUser(t, false)
	g, err := env.m.CreateGroup(context.Background(), a, nil, nil, "", "", KindGroup)
	require.NoError(t, err)

	now := g.CreatedAt
	require.NoError(t, env.m.SetLastMessage(a.PublicKey(), g.MlsGroupID, "b", now.Add(2)))
	require.NoError(t, env.m.SetLastMessage(a.PublicKey(), g.MlsGroupID, "a", now.Add(1)))
	got, err := env.m.GetGroup(a.PublicKey(), g.MlsGroupID)
	require.NoError(t, err)
	require.Equal(t, "b", got.LastMessageID)
}
