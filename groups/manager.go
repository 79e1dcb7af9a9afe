////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package groups drives the lifecycle of groups: creation, membership and
// data changes that advance the epoch, and processing of group events
// published by other members.
package groups

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/crypto/fastRNG"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/keyPackages"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/storage/eventArchive"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/elixxir/whitenoise/transport"
	"gitlab.com/xx_network/primitives/netTime"
)

// DefaultMaxCommitAttempts bounds how often a commit is rebuilt after losing
// a race against another member's commit.
const DefaultMaxCommitAttempts = 3

// Error messages.
const (
	directMessageSizeErr  = "a direct message needs exactly one other member, received %d"
	directMessageFixedErr = "membership of direct message %s cannot change"
	missingKeyPackageErr  = "no key package found for %s"
	notAdminErr           = "%s is not an admin of group %s"
	alreadyMemberErr      = "%s is already a member of group %s"
	unknownMemberErr      = "%s is not a member of group %s"
	noGroupRelaysErr      = "%s has no relays to host the group"
	notActiveErr          = "group %s is %s"
	commitAttemptsErr     = "gave up on group %s after %d stale commits"
)

// Manager runs group operations for every local account.
type Manager struct {
	kv          *versioned.KV
	engines     *mls.Provider
	registry    *relays.Registry
	keyPackages *keyPackages.Directory
	net         transport.Transport
	archive     *eventArchive.Archive
	rng         *fastRNG.StreamGenerator
	maxAttempts int

	stores  *xsync.MapOf[string, *store]
	locks   *xsync.MapOf[string, *sync.Mutex]
	loadMux sync.Mutex
}

// NewManager builds a group manager.
func NewManager(kv *versioned.KV, engines *mls.Provider, registry *relays.Registry,
	kps *keyPackages.Directory, net transport.Transport,
	archive *eventArchive.Archive, rng *fastRNG.StreamGenerator,
	maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCommitAttempts
	}
	return &Manager{
		kv:          kv,
		engines:     engines,
		registry:    registry,
		keyPackages: kps,
		net:         net,
		archive:     archive,
		rng:         rng,
		maxAttempts: maxAttempts,
		stores:      xsync.NewMapOf[*store](),
		locks:       xsync.NewMapOf[*sync.Mutex](),
	}
}

// store returns the group store of the account, loading it on first use.
func (m *Manager) store(account identity.PublicKey) (*store, error) {
	if s, exists := m.stores.Load(account.Hex()); exists {
		return s, nil
	}
	m.loadMux.Lock()
	defer m.loadMux.Unlock()
	if s, exists := m.stores.Load(account.Hex()); exists {
		return s, nil
	}
	s, err := newOrLoadStore(m.kv.Prefix(versioned.MakeAccountPrefix(account)), account)
	if err != nil {
		return nil, err
	}
	m.stores.Store(account.Hex(), s)
	return s, nil
}

// lock serializes epoch changes of one group for one account.
func (m *Manager) lock(account identity.PublicKey, id mls.GroupID) func() {
	mux, _ := m.locks.LoadOrStore(account.Hex()+":"+id.Hex(), &sync.Mutex{})
	mux.Lock()
	return mux.Unlock
}

// local returns the stores and engine of the account.
func (m *Manager) local(account identity.PublicKey) (*store, *mls.Engine, error) {
	s, err := m.store(account)
	if err != nil {
		return nil, nil, err
	}
	e, err := m.engines.Engine(account)
	if err != nil {
		return nil, nil, err
	}
	return s, e, nil
}

/////////////////////////////////////////////////////////////////////////////
// Creation

// CreateGroup creates a group owned by creator with the given members. Every
// member needs a published key package. The creator is always an admin and
// admins that are not participants are dropped. A direct message has exactly
// one member besides the creator.
func (m *Manager) CreateGroup(ctx context.Context, creator identity.Signer,
	members, admins []identity.PublicKey, name, description string,
	kind GroupKind) (Group, error) {
	self := creator.PublicKey()

	var others []identity.PublicKey
	for _, pk := range identity.Dedupe(members) {
		if pk != self {
			others = append(others, pk)
		}
	}
	switch kind {
	case KindDirectMessage:
		if len(others) != 1 {
			return Group{}, errs.New(errs.InvalidKindTransition,
				directMessageSizeErr, len(others))
		}
	case KindGroup:
	default:
		jww.FATAL.Panicf("[GRP] Unknown group kind %d", kind)
	}

	groupRelays, err := m.registry.URLs(self, relays.Nip65)
	if err != nil {
		return Group{}, err
	}
	if len(groupRelays) == 0 {
		return Group{}, errs.New(errs.PublishError, noGroupRelaysErr, self)
	}

	kps := make([]mls.KeyPackage, 0, len(others))
	for _, pk := range others {
		found, err := m.keyPackages.Fetch(ctx, pk, groupRelays)
		if err != nil {
			return Group{}, err
		}
		if found == nil {
			return Group{}, errs.New(errs.MissingKeyPackage, missingKeyPackageErr, pk)
		}
		kps = append(kps, found.KeyPackage)
	}

	participants := append([]identity.PublicKey{self}, others...)
	adminList := []identity.PublicKey{self}
	for _, pk := range identity.Dedupe(admins) {
		if pk != self && identity.Contains(participants, pk) {
			adminList = append(adminList, pk)
		}
	}

	data := mls.GroupData{
		Name:          name,
		Description:   description,
		Admins:        adminList,
		Relays:        groupRelays,
		DirectMessage: kind == KindDirectMessage,
	}
	stream := m.rng.GetStream()
	_, err = stream.Read(data.NostrGroupID[:])
	stream.Close()
	if err != nil {
		return Group{}, errors.WithMessage(err, "failed to generate nostr group id")
	}

	s, engine, err := m.local(self)
	if err != nil {
		return Group{}, err
	}
	state, err := engine.CreateGroup(data)
	if err != nil {
		return Group{}, err
	}
	g := newGroup(state, Pending, netTime.Now())
	if err = s.add(g); err != nil {
		return Group{}, err
	}

	id := state.GroupID
	unlock := m.lock(self, id)
	defer unlock()

	var welcomes []mls.Welcome
	if len(kps) > 0 {
		c, w, err := engine.BuildCommit(id, mls.Proposal{Add: kps})
		if err == nil {
			state, err = m.publishCommit(ctx, creator, engine, state, c)
		}
		if err != nil {
			m.discard(self, id)
			return Group{}, err
		}
		welcomes = w
	}

	g, err = s.update(id, func(g *Group) error {
		g.sync(state)
		return transition(g, Active)
	})
	if err != nil {
		return Group{}, err
	}
	jww.INFO.Printf("[GRP] %s created %s %s with %d members at epoch %d",
		self, kind, g.MlsGroupID, len(participants), g.Epoch)

	m.sendWelcomes(ctx, creator, g, kps, welcomes)
	return g, nil
}

// discard removes a group whose creation failed.
func (m *Manager) discard(account identity.PublicKey, id mls.GroupID) {
	s, engine, err := m.local(account)
	if err == nil {
		err = s.remove(id)
	}
	if err == nil {
		err = engine.DeleteGroup(id)
	}
	if err != nil {
		jww.ERROR.Printf("[GRP] Failed to discard group %s: %+v", id, err)
	}
}

/////////////////////////////////////////////////////////////////////////////
// Epoch changes

// AddMembers adds every key in one commit. Nothing is applied unless every
// key has a key package.
func (m *Manager) AddMembers(ctx context.Context, actor identity.Signer,
	id mls.GroupID, pubkeys []identity.PublicKey) (Group, error) {
	self := actor.PublicKey()
	g, state, err := m.mutable(self, id)
	if err != nil {
		return Group{}, err
	}
	pubkeys = identity.Dedupe(pubkeys)
	for _, pk := range pubkeys {
		if state.IsMember(pk) {
			return Group{}, errs.New(errs.AlreadyMember, alreadyMemberErr, pk, id)
		}
	}

	kps := make([]mls.KeyPackage, 0, len(pubkeys))
	for _, pk := range pubkeys {
		found, err := m.keyPackages.Fetch(ctx, pk, g.Relays)
		if err != nil {
			return Group{}, err
		}
		if found == nil {
			return Group{}, errs.New(errs.MissingKeyPackage, missingKeyPackageErr, pk)
		}
		kps = append(kps, found.KeyPackage)
	}

	g, welcomes, err := m.commit(ctx, actor, id, func(mls.GroupState) (mls.Proposal, error) {
		return mls.Proposal{Add: kps}, nil
	})
	if err != nil {
		return Group{}, err
	}
	m.sendWelcomes(ctx, actor, g, kps, welcomes)
	return g, nil
}

// RemoveMembers removes every key in one commit. Removing the actor makes the
// group inactive locally.
func (m *Manager) RemoveMembers(ctx context.Context, actor identity.Signer,
	id mls.GroupID, pubkeys []identity.PublicKey) (Group, error) {
	self := actor.PublicKey()
	_, state, err := m.mutable(self, id)
	if err != nil {
		return Group{}, err
	}
	pubkeys = identity.Dedupe(pubkeys)
	for _, pk := range pubkeys {
		if !state.IsMember(pk) {
			return Group{}, errs.New(errs.UnknownMember, unknownMemberErr, pk, id)
		}
	}

	g, _, err := m.commit(ctx, actor, id, func(mls.GroupState) (mls.Proposal, error) {
		return mls.Proposal{Remove: pubkeys}, nil
	})
	return g, err
}

// UpdateGroupData changes the group data in one commit.
func (m *Manager) UpdateGroupData(ctx context.Context, actor identity.Signer,
	id mls.GroupID, update GroupDataUpdate) (Group, error) {
	self := actor.PublicKey()
	if _, _, err := m.active(self, id); err != nil {
		return Group{}, err
	}
	g, _, err := m.commit(ctx, actor, id, func(cur mls.GroupState) (mls.Proposal, error) {
		data := update.apply(cur.Data, cur.MemberKeys())
		return mls.Proposal{Data: &data}, nil
	})
	return g, err
}

// LeaveGroup makes the group inactive for the account. Admins publish their
// own removal so the other members see them leave; other members and the last
// remaining member leave locally. The last admin of a group with other members
// cannot leave and gets NoAdmins.
func (m *Manager) LeaveGroup(ctx context.Context, actor identity.Signer,
	id mls.GroupID) (Group, error) {
	self := actor.PublicKey()
	g, state, err := m.active(self, id)
	if err != nil {
		return Group{}, err
	}
	if state.Data.IsAdmin(self) && g.Kind != KindDirectMessage &&
		len(state.Members) > 1 {
		return m.RemoveMembers(ctx, actor, id, []identity.PublicKey{self})
	}

	s, err := m.store(self)
	if err != nil {
		return Group{}, err
	}
	g, err = s.update(id, func(g *Group) error {
		return transition(g, Inactive)
	})
	if err == nil {
		jww.INFO.Printf("[GRP] %s left group %s", self, id)
	}
	return g, err
}

// active returns the group and local epoch view of an active group.
func (m *Manager) active(account identity.PublicKey, id mls.GroupID) (Group, mls.GroupState, error) {
	s, engine, err := m.local(account)
	if err != nil {
		return Group{}, mls.GroupState{}, err
	}
	g, err := s.get(id)
	if err != nil {
		return Group{}, mls.GroupState{}, err
	}
	if g.State != Active {
		return Group{}, mls.GroupState{}, errs.New(errs.GroupInactive, notActiveErr, id, g.State)
	}
	state, exists := engine.Group(id)
	if !exists {
		return Group{}, mls.GroupState{}, errs.New(errs.GroupNotFound, groupNotFoundErr, id, account)
	}
	return g, state, nil
}

// mutable is active plus the checks of membership changes.
func (m *Manager) mutable(account identity.PublicKey, id mls.GroupID) (Group, mls.GroupState, error) {
	g, state, err := m.active(account, id)
	if err != nil {
		return Group{}, mls.GroupState{}, err
	}
	if g.Kind == KindDirectMessage {
		return Group{}, mls.GroupState{}, errs.New(errs.InvalidKindTransition,
			directMessageFixedErr, id)
	}
	if !state.Data.IsAdmin(account) {
		return Group{}, mls.GroupState{}, errs.New(errs.NotAdmin, notAdminErr, account, id)
	}
	return g, state, nil
}

// commit advances the group by one epoch. Under the group lock it builds the
// commit, catches up on commits other members published, and rebuilds if the
// epoch moved. Once published, the commit is applied only if no valid commit
// of another member for the same epoch orders before it; otherwise that one
// is applied and the commit rebuilt on top of it.
func (m *Manager) commit(ctx context.Context, actor identity.Signer, id mls.GroupID,
	propose func(cur mls.GroupState) (mls.Proposal, error)) (Group, []mls.Welcome, error) {
	self := actor.PublicKey()
	s, engine, err := m.local(self)
	if err != nil {
		return Group{}, nil, err
	}

	unlock := m.lock(self, id)
	defer unlock()

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if _, _, err = m.active(self, id); err != nil {
			return Group{}, nil, err
		}
		state, _ := engine.Group(id)
		proposal, err := propose(state)
		if err != nil {
			return Group{}, nil, err
		}
		c, welcomes, err := engine.BuildCommit(id, proposal)
		if err != nil {
			return Group{}, nil, err
		}

		advanced, err := m.catchUp(ctx, self, state)
		if err != nil {
			return Group{}, nil, err
		}
		if advanced {
			jww.INFO.Printf("[GRP] Group %s moved past epoch %d while committing, "+
				"rebuilding (attempt %d/%d)", id, state.Epoch, attempt, m.maxAttempts)
			continue
		}

		if err = m.sendCommit(ctx, actor, engine, state, c); err != nil {
			return Group{}, nil, err
		}
		rival, err := m.earlierCommit(ctx, self, state, c)
		if err != nil {
			return Group{}, nil, err
		}
		if rival != nil {
			jww.INFO.Printf("[GRP] Commit %s of group %s lost to %s at epoch %d, "+
				"rebuilding (attempt %d/%d)", c.ID, id, rival.ID, state.Epoch,
				attempt, m.maxAttempts)
			if _, err = m.process(self, rival); errs.KindOf(err) == errs.Storage {
				return Group{}, nil, err
			} else if err != nil {
				return Group{}, nil, errors.WithMessagef(err,
					"failed to apply winning commit of group %s", id)
			}
			continue
		}

		next, err := engine.ApplyCommit(c)
		if err != nil {
			return Group{}, nil, err
		}

		g, err := s.update(id, func(g *Group) error {
			g.sync(next)
			if next.Removed {
				return transition(g, Inactive)
			}
			return nil
		})
		if err != nil {
			return Group{}, nil, err
		}
		return g, welcomes, nil
	}
	return Group{}, nil, errs.New(errs.StaleEpoch, commitAttemptsErr, id, m.maxAttempts)
}

// FetchMembers returns the members as of the local epoch.
func (m *Manager) FetchMembers(account identity.PublicKey, id mls.GroupID) ([]identity.PublicKey, error) {
	state, err := m.epochView(account, id)
	if err != nil {
		return nil, err
	}
	return state.MemberKeys(), nil
}

// FetchAdmins returns the admins as of the local epoch.
func (m *Manager) FetchAdmins(account identity.PublicKey, id mls.GroupID) ([]identity.PublicKey, error) {
	state, err := m.epochView(account, id)
	if err != nil {
		return nil, err
	}
	return state.Data.Admins, nil
}

func (m *Manager) epochView(account identity.PublicKey, id mls.GroupID) (mls.GroupState, error) {
	s, engine, err := m.local(account)
	if err != nil {
		return mls.GroupState{}, err
	}
	if _, err = s.get(id); err != nil {
		return mls.GroupState{}, err
	}
	state, exists := engine.Group(id)
	if !exists {
		return mls.GroupState{}, errs.New(errs.GroupNotFound, groupNotFoundErr, id, account)
	}
	return state, nil
}

// FetchGroups returns the groups of the account, most recently active first.
func (m *Manager) FetchGroups(account identity.PublicKey, activeOnly bool) ([]Group, error) {
	s, err := m.store(account)
	if err != nil {
		return nil, err
	}
	all := s.all()
	if !activeOnly {
		return all, nil
	}
	out := all[:0]
	for _, g := range all {
		if g.State == Active {
			out = append(out, g)
		}
	}
	return out, nil
}

// GetGroup returns one group of the account.
func (m *Manager) GetGroup(account identity.PublicKey, id mls.GroupID) (Group, error) {
	s, err := m.store(account)
	if err != nil {
		return Group{}, err
	}
	return s.get(id)
}

// SetLastMessage moves the last message pointer forward.
func (m *Manager) SetLastMessage(account identity.PublicKey, id mls.GroupID,
	eventID string, at time.Time) error {
	s, err := m.store(account)
	if err != nil {
		return err
	}
	_, err = s.update(id, func(g *Group) error {
		if at.Before(g.LastMessageAt) {
			return nil
		}
		g.LastMessageID = eventID
		g.LastMessageAt = at
		return nil
	})
	return err
}

// DeleteAccount drops every group record of the account.
func (m *Manager) DeleteAccount(account identity.PublicKey) error {
	s, err := m.store(account)
	if err != nil {
		return err
	}
	for _, g := range s.all() {
		if err = s.remove(g.MlsGroupID); err != nil {
			return err
		}
	}
	m.stores.Delete(account.Hex())
	return nil
}
