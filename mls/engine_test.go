////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package mls

import (
	"bytes"
	"encoding/json"
	"testing"

	"gitlab.com/elixxir/crypto/fastRNG"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/crypto/csprng"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
)

type testMember struct {
	pk identity.PublicKey
	e  *Engine
}

func newTestMembers(t *testing.T, n int) ([]testMember, *Provider) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	p := NewProvider(kv, fastRNG.NewStreamGenerator(12, 1024, csprng.NewSystemRNG))
	members := make([]testMember, n)
	for i := range members {
		members[i].pk = identity.PublicKey{byte(i + 1)}
		e, err := p.Engine(members[i].pk)
		if err != nil {
			t.Fatalf("Engine returned an error: %+v", err)
		}
		members[i].e = e
	}
	return members, p
}

func mustKeyPackage(t *testing.T, e *Engine) KeyPackage {
	kp, err := e.CreateKeyPackage()
	if err != nil {
		t.Fatalf("CreateKeyPackage returned an error: %+v", err)
	}
	return kp
}

// newTestGroup creates a group owned by members[0] and welcomes the rest.
func newTestGroup(t *testing.T, members []testMember) GroupID {
	creator := members[0].e
	state, err := creator.CreateGroup(GroupData{Name: "Test", Description: "Desc"})
	if err != nil {
		t.Fatalf("CreateGroup returned an error: %+v", err)
	}
	if len(members) == 1 {
		return state.GroupID
	}

	var kps []KeyPackage
	for _, m := range members[1:] {
		kps = append(kps, mustKeyPackage(t, m.e))
	}
	c, welcomes, err := creator.BuildCommit(state.GroupID, Proposal{Add: kps})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	if _, err = creator.ApplyCommit(c); err != nil {
		t.Fatalf("ApplyCommit returned an error: %+v", err)
	}
	for i, m := range members[1:] {
		joined, err := m.e.ProcessWelcome(&welcomes[i])
		if err != nil {
			t.Fatalf("ProcessWelcome returned an error: %+v", err)
		}
		if joined.Epoch != 1 {
			t.Errorf("Joined at wrong epoch.\nexpected: %d\nreceived: %d", 1, joined.Epoch)
		}
	}
	return state.GroupID
}

func TestEngine_CreateGroup(t *testing.T) {
	members, _ := newTestMembers(t, 1)
	e := members[0].e
	state, err := e.CreateGroup(GroupData{Name: "solo"})
	if err != nil {
		t.Fatalf("CreateGroup returned an error: %+v", err)
	}
	if state.Epoch != 0 {
		t.Errorf("New group not at epoch 0: %d", state.Epoch)
	}
	if !state.Data.IsAdmin(members[0].pk) {
		t.Errorf("Creator is not an admin: %v", state.Data.Admins)
	}
	got, exists := e.Group(state.GroupID)
	if !exists || got.Data.Name != "solo" {
		t.Errorf("Group not stored: %+v", got)
	}
}

// Tests that an add commit moves every member to the same epoch and that
// they can read each other's messages.
func TestEngine_WelcomeAndMessages(t *testing.T) {
	members, _ := newTestMembers(t, 3)
	id := newTestGroup(t, members)

	for _, m := range members {
		state, _ := m.e.Group(id)
		if state.Epoch != 1 || len(state.Members) != 3 {
			t.Errorf("%s has wrong view: epoch %d, %d members",
				m.pk, state.Epoch, len(state.Members))
		}
	}

	env, err := members[1].e.Seal(id, ApplicationMessage, []byte("hello"))
	if err != nil {
		t.Fatalf("Seal returned an error: %+v", err)
	}
	for _, m := range []testMember{members[0], members[2]} {
		pt, err := m.e.Open(id, env)
		if err != nil {
			t.Fatalf("Open returned an error: %+v", err)
		}
		if !bytes.Equal(pt, []byte("hello")) {
			t.Errorf("Wrong plaintext: %q", pt)
		}
	}

	env.Type = CommitMessage
	if _, err = members[0].e.Open(id, env); err == nil {
		t.Errorf("Open accepted an envelope with a modified type.")
	}
}

func TestEngine_RemoveMember(t *testing.T) {
	members, _ := newTestMembers(t, 3)
	id := newTestGroup(t, members)

	c, _, err := members[0].e.BuildCommit(id, Proposal{
		Remove: []identity.PublicKey{members[1].pk}})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	for _, m := range members {
		if _, err = m.e.ApplyCommit(c); err != nil {
			t.Fatalf("ApplyCommit returned an error for %s: %+v", m.pk, err)
		}
	}

	removed, _ := members[1].e.Group(id)
	if !removed.Removed {
		t.Errorf("Removed member does not know it was removed.")
	}
	kept, _ := members[2].e.Group(id)
	if kept.Epoch != 2 || kept.IsMember(members[1].pk) {
		t.Errorf("Wrong state after removal: %+v", kept)
	}

	env, err := members[0].e.Seal(id, ApplicationMessage, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal returned an error: %+v", err)
	}
	if _, err = members[1].e.Open(id, env); !errs.Is(err, errs.FutureEpoch) {
		t.Errorf("Removed member opened a message of the new epoch: %+v", err)
	}
	if _, err = members[2].e.Open(id, env); err != nil {
		t.Errorf("Remaining member failed to open: %+v", err)
	}
}

func TestEngine_BuildCommit_Errors(t *testing.T) {
	members, _ := newTestMembers(t, 3)
	id := newTestGroup(t, members[:2])

	_, _, err := members[1].e.BuildCommit(id, Proposal{
		Remove: []identity.PublicKey{members[0].pk}})
	if !errs.Is(err, errs.NotAdmin) {
		t.Errorf("Expected NotAdmin, received: %+v", err)
	}

	_, _, err = members[0].e.BuildCommit(id, Proposal{
		Remove: []identity.PublicKey{members[2].pk}})
	if !errs.Is(err, errs.UnknownMember) {
		t.Errorf("Expected UnknownMember, received: %+v", err)
	}

	_, _, err = members[0].e.BuildCommit(id, Proposal{
		Add: []KeyPackage{mustKeyPackage(t, members[1].e)}})
	if !errs.Is(err, errs.AlreadyMember) {
		t.Errorf("Expected AlreadyMember, received: %+v", err)
	}

	_, _, err = members[0].e.BuildCommit(GroupID{9}, Proposal{})
	if !errs.Is(err, errs.GroupNotFound) {
		t.Errorf("Expected GroupNotFound, received: %+v", err)
	}
}

// Tests that of two commits built against the same epoch the one ordered
// later is rejected as stale once the other is applied.
func TestEngine_ApplyCommit_Race(t *testing.T) {
	members, _ := newTestMembers(t, 2)
	id := newTestGroup(t, members)
	e := members[0].e

	name1, name2 := GroupData{Name: "one"}, GroupData{Name: "two"}
	state, _ := e.Group(id)
	name1.Admins, name2.Admins = state.Data.Admins, state.Data.Admins

	first, _, err := e.BuildCommit(id, Proposal{Data: &name1})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	second, _, err := e.BuildCommit(id, Proposal{Data: &name2})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	first.CreatedAt, second.CreatedAt = 100, 200

	if _, err = e.ApplyCommit(first); err != nil {
		t.Fatalf("ApplyCommit returned an error: %+v", err)
	}
	if _, err = e.ApplyCommit(second); !errs.Is(err, errs.StaleEpoch) {
		t.Errorf("Expected StaleEpoch, received: %+v", err)
	}

	// Reapplying the applied commit is a no-op
	again, err := e.ApplyCommit(first)
	if err != nil || again.Epoch != 2 || again.Data.Name != "one" {
		t.Errorf("Reapplying changed state: %+v (%+v)", again, err)
	}

	// The other member missed nothing and is one epoch behind
	third, _, err := e.BuildCommit(id, Proposal{})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	if _, err = members[1].e.ApplyCommit(third); !errs.Is(err, errs.FutureEpoch) {
		t.Errorf("Expected FutureEpoch, received: %+v", err)
	}
}

// Tests that a commit ordered before the applied one for the same epoch
// replaces it, so members that applied either end in the same state.
func TestEngine_ApplyCommit_EarlierRivalWins(t *testing.T) {
	members, _ := newTestMembers(t, 2)
	id := newTestGroup(t, members)
	e, other := members[0].e, members[1].e

	state, _ := e.Group(id)
	late, early := GroupData{Name: "late"}, GroupData{Name: "early"}
	late.Admins, early.Admins = state.Data.Admins, state.Data.Admins

	lateCommit, _, err := e.BuildCommit(id, Proposal{Data: &late})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	earlyCommit, _, err := e.BuildCommit(id, Proposal{Data: &early})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	lateCommit.CreatedAt, earlyCommit.CreatedAt = 200, 100

	if _, err = e.ApplyCommit(lateCommit); err != nil {
		t.Fatalf("ApplyCommit returned an error: %+v", err)
	}
	replaced, err := e.ApplyCommit(earlyCommit)
	if err != nil {
		t.Fatalf("ApplyCommit of the earlier commit returned an error: %+v", err)
	}
	if replaced.Epoch != 2 || replaced.Data.Name != "early" {
		t.Errorf("Earlier commit did not replace the later one: epoch %d, name %q",
			replaced.Epoch, replaced.Data.Name)
	}
	if _, err = e.ApplyCommit(lateCommit); !errs.Is(err, errs.StaleEpoch) {
		t.Errorf("Expected StaleEpoch for the replaced commit, received: %+v", err)
	}

	if _, err = other.ApplyCommit(earlyCommit); err != nil {
		t.Fatalf("ApplyCommit returned an error: %+v", err)
	}
	if _, err = other.ApplyCommit(lateCommit); !errs.Is(err, errs.StaleEpoch) {
		t.Errorf("Expected StaleEpoch, received: %+v", err)
	}

	env, err := e.Seal(id, ApplicationMessage, []byte("same epoch"))
	if err != nil {
		t.Fatalf("Seal returned an error: %+v", err)
	}
	pt, err := other.Open(id, env)
	if err != nil || string(pt) != "same epoch" {
		t.Errorf("Members disagree on the epoch secret: %q (%+v)", pt, err)
	}
}

// Tests that no commit may leave a group without admins.
func TestEngine_BuildCommit_NoAdmins(t *testing.T) {
	members, _ := newTestMembers(t, 2)
	id := newTestGroup(t, members)
	e := members[0].e
	state, _ := e.Group(id)

	cleared := state.Data.DeepCopy()
	cleared.Admins = nil
	if _, _, err := e.BuildCommit(id, Proposal{Data: &cleared}); !errs.Is(err, errs.NoAdmins) {
		t.Errorf("Expected NoAdmins for cleared admins, received: %+v", err)
	}
	_, _, err := e.BuildCommit(id, Proposal{Remove: []identity.PublicKey{members[0].pk}})
	if !errs.Is(err, errs.NoAdmins) {
		t.Errorf("Expected NoAdmins when the last admin leaves, received: %+v", err)
	}
	if errs.KindOf(err) != errs.Membership {
		t.Errorf("Wrong kind.\nexpected: %s\nreceived: %s", errs.Membership, errs.KindOf(err))
	}
}

// Tests that a welcome into a direct message with more than two members is
// refused without consuming the key package.
func TestEngine_JoinWelcome_DirectMessageSize(t *testing.T) {
	members, _ := newTestMembers(t, 3)
	joiner := members[1].e
	kp := mustKeyPackage(t, joiner)

	info, err := json.Marshal(GroupInfo{
		State: GroupState{
			GroupID: GroupID{7},
			Epoch:   1,
			Members: []Member{{PubKey: members[0].pk}, {PubKey: members[1].pk},
				{PubKey: members[2].pk}},
			Data: GroupData{DirectMessage: true,
				Admins: []identity.PublicKey{members[0].pk}},
		},
		EpochSecret: make([]byte, SecretLen),
		Welcomer:    members[0].pk,
	})
	if err != nil {
		t.Fatalf("Failed to marshal group info: %+v", err)
	}
	enc, ct, err := hpkeSeal(kp.InitKey, welcomeInfo, nil, info, csprng.NewSystemRNG())
	if err != nil {
		t.Fatalf("hpkeSeal returned an error: %+v", err)
	}
	w := &Welcome{KeyPackageRef: kp.Ref(), Enc: enc, Ciphertext: ct}

	if _, err = joiner.JoinWelcome(w); !errs.Is(err, errs.InvalidKindTransition) {
		t.Errorf("Expected InvalidKindTransition, received: %+v", err)
	}
	if _, err = joiner.PreviewWelcome(w); !errs.Is(err, errs.InvalidKindTransition) {
		t.Errorf("Expected InvalidKindTransition from preview, received: %+v", err)
	}
	if !joiner.HasKeyPackage(kp.Ref()) {
		t.Errorf("Refused welcome consumed the key package.")
	}
}

// Tests that joining keeps the key package and can be repeated.
func TestEngine_JoinWelcome_Repeat(t *testing.T) {
	members, _ := newTestMembers(t, 2)
	creator, joiner := members[0].e, members[1].e
	state, _ := creator.CreateGroup(GroupData{Name: "again"})
	kp := mustKeyPackage(t, joiner)

	c, welcomes, err := creator.BuildCommit(state.GroupID, Proposal{Add: []KeyPackage{kp}})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	_, _ = creator.ApplyCommit(c)

	first, err := joiner.JoinWelcome(&welcomes[0])
	if err != nil {
		t.Fatalf("JoinWelcome returned an error: %+v", err)
	}
	second, err := joiner.JoinWelcome(&welcomes[0])
	if err != nil {
		t.Fatalf("Second JoinWelcome returned an error: %+v", err)
	}
	if first.Epoch != second.Epoch || second.Data.Name != "again" {
		t.Errorf("Joins disagree: %+v vs %+v", first, second)
	}
	if !joiner.HasKeyPackage(kp.Ref()) {
		t.Errorf("JoinWelcome consumed the key package.")
	}
	if joiner.JoinedWith(state.GroupID) != kp.Ref() {
		t.Errorf("Wrong join ref.\nexpected: %s\nreceived: %s",
			kp.Ref(), joiner.JoinedWith(state.GroupID))
	}
}

func TestEngine_PreviewWelcome(t *testing.T) {
	members, _ := newTestMembers(t, 2)
	creator, joiner := members[0].e, members[1].e
	state, _ := creator.CreateGroup(GroupData{Name: "preview"})
	kp := mustKeyPackage(t, joiner)

	c, welcomes, err := creator.BuildCommit(state.GroupID, Proposal{Add: []KeyPackage{kp}})
	if err != nil {
		t.Fatalf("BuildCommit returned an error: %+v", err)
	}
	_, _ = creator.ApplyCommit(c)

	info, err := joiner.PreviewWelcome(&welcomes[0])
	if err != nil {
		t.Fatalf("PreviewWelcome returned an error: %+v", err)
	}
	if info.State.Data.Name != "preview" || info.Welcomer != members[0].pk {
		t.Errorf("Wrong preview: %+v", info)
	}
	if !joiner.HasKeyPackage(kp.Ref()) {
		t.Errorf("Preview consumed the key package.")
	}

	if _, err = joiner.ProcessWelcome(&welcomes[0]); err != nil {
		t.Fatalf("ProcessWelcome returned an error: %+v", err)
	}
	if joiner.HasKeyPackage(kp.Ref()) {
		t.Errorf("Key package not consumed.")
	}
	if _, err = joiner.ProcessWelcome(&welcomes[0]); !errs.Is(err, errs.MissingKeyPackage) {
		t.Errorf("Expected MissingKeyPackage, received: %+v", err)
	}
}

// Tests that state survives reloading the engine from the KV.
func TestNewOrLoadEngine(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	rng := fastRNG.NewStreamGenerator(12, 1024, csprng.NewSystemRNG)
	pk := identity.PublicKey{7}

	e, err := NewOrLoadEngine(kv, pk, rng)
	if err != nil {
		t.Fatalf("NewOrLoadEngine returned an error: %+v", err)
	}
	state, _ := e.CreateGroup(GroupData{Name: "persisted"})
	kp := mustKeyPackage(t, e)
	env, _ := e.Seal(state.GroupID, ApplicationMessage, []byte("x"))

	loaded, err := NewOrLoadEngine(kv, pk, rng)
	if err != nil {
		t.Fatalf("NewOrLoadEngine returned an error: %+v", err)
	}
	got, exists := loaded.Group(state.GroupID)
	if !exists || got.Data.Name != "persisted" {
		t.Errorf("Group not loaded: %+v", got)
	}
	if !loaded.HasKeyPackage(kp.Ref()) {
		t.Errorf("Key package not loaded.")
	}
	if _, err = loaded.Open(state.GroupID, env); err != nil {
		t.Errorf("Loaded engine failed to open: %+v", err)
	}
}

func TestKeyPackage_Encoding(t *testing.T) {
	members, _ := newTestMembers(t, 1)
	kp := mustKeyPackage(t, members[0].e)

	decoded, err := DecodeKeyPackage(EncodeKeyPackage(kp))
	if err != nil {
		t.Fatalf("DecodeKeyPackage returned an error: %+v", err)
	}
	if decoded.Ref() != kp.Ref() {
		t.Errorf("Ref changed after decoding.")
	}

	kp.InitKey = []byte{1, 2, 3}
	if _, err = DecodeKeyPackage(EncodeKeyPackage(kp)); !errs.Is(err, errs.InvalidKey) {
		t.Errorf("Expected InvalidKey, received: %+v", err)
	}
	if _, err = DecodeKeyPackage("%%%"); !errs.Is(err, errs.InvalidEncoding) {
		t.Errorf("Expected InvalidEncoding, received: %+v", err)
	}
}

func TestProvider_Remove(t *testing.T) {
	members, p := newTestMembers(t, 1)
	_, _ = members[0].e.CreateGroup(GroupData{})
	mustKeyPackage(t, members[0].e)

	if err := p.Remove(members[0].pk); err != nil {
		t.Fatalf("Remove returned an error: %+v", err)
	}
	e, _ := p.Engine(members[0].pk)
	if len(e.Groups()) != 0 || len(e.KeyPackageRefs()) != 0 {
		t.Errorf("State left after Remove.")
	}
}
