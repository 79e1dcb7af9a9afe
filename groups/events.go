////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groups

import (
	"context"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/xx_network/primitives/netTime"
)

// Inbound is an opened group event.
type Inbound struct {
	Account identity.PublicKey
	Group   Group
	Type    mls.EnvelopeType
	Outer   *nostr.Event
	// Event signed by the member who sent it
	Inner *nostr.Event
}

// Filter matches the events of the group on its relays.
func Filter(nid mls.NostrGroupID) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{protocol.KindGroupMessage},
		Tags:  nostr.TagMap{protocol.TagGroup: []string{nid.Hex()}},
	}
}

// NostrGroupIDOf returns the group an outer event is addressed to.
func NostrGroupIDOf(ev *nostr.Event) (mls.NostrGroupID, error) {
	raw, found := protocol.FirstTagValue(ev.Tags, protocol.TagGroup)
	if !found {
		return mls.NostrGroupID{}, errs.New(errs.InvalidEncoding,
			"event %s has no group tag", ev.ID)
	}
	return mls.NostrGroupIDFromHex(raw)
}

// wrap seals the inner event under the current epoch of the group and signs
// the outer event with a throwaway key.
func wrap(engine *mls.Engine, state mls.GroupState, t mls.EnvelopeType,
	inner *nostr.Event) (*nostr.Event, error) {
	data, err := json.Marshal(inner)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	env, err := engine.Seal(state.GroupID, t, data)
	if err != nil {
		return nil, err
	}
	ephemeral, err := identity.GenerateKeys()
	if err != nil {
		return nil, err
	}
	outer := &nostr.Event{
		Kind:      protocol.KindGroupMessage,
		CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
		Content:   mls.EncodeEnvelope(env),
		Tags:      nostr.Tags{{protocol.TagGroup, state.Data.NostrGroupID.Hex()}},
	}
	return outer, ephemeral.Sign(outer)
}

// publishCommit publishes the commit to the relays of the current epoch and
// then applies it.
func (m *Manager) publishCommit(ctx context.Context, actor identity.Signer,
	engine *mls.Engine, state mls.GroupState, c *mls.Commit) (mls.GroupState, error) {
	if err := m.sendCommit(ctx, actor, engine, state, c); err != nil {
		return mls.GroupState{}, err
	}
	return engine.ApplyCommit(c)
}

// sendCommit publishes the commit to the relays of the current epoch and marks
// it processed without applying it.
func (m *Manager) sendCommit(ctx context.Context, actor identity.Signer,
	engine *mls.Engine, state mls.GroupState, c *mls.Commit) error {
	content, err := json.Marshal(c)
	if err != nil {
		return errors.WithStack(err)
	}
	inner := &nostr.Event{
		Kind:      protocol.KindGroupMessage,
		CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
		Content:   string(content),
		Tags:      nostr.Tags{{protocol.TagGroup, state.Data.NostrGroupID.Hex()}},
	}
	if err = actor.Sign(inner); err != nil {
		return err
	}
	outer, err := wrap(engine, state, mls.CommitMessage, inner)
	if err != nil {
		return err
	}
	if _, err = m.net.Publish(ctx, state.Data.Relays, outer); err != nil {
		return err
	}
	return m.markProcessed(actor.PublicKey(), outer)
}

// earlierCommit looks on the relays for a valid commit of another member
// built against the same epoch as own that orders before it. Returns the
// outer event of the first such commit or nil.
func (m *Manager) earlierCommit(ctx context.Context, account identity.PublicKey,
	state mls.GroupState, own *mls.Commit) (*nostr.Event, error) {
	events, err := m.net.Query(ctx, state.Data.Relays, Filter(state.Data.NostrGroupID))
	if err != nil {
		jww.WARN.Printf("[GRP] Could not check group %s for rival commits: %+v",
			state.GroupID, err)
		return nil, nil
	}
	engine, err := m.engines.Engine(account)
	if err != nil {
		return nil, err
	}

	var first *nostr.Event
	at, id := own.CreatedAt, own.ID
	for _, ev := range events {
		env, err := mls.DecodeEnvelope(ev.Content)
		if err != nil || env.Type != mls.CommitMessage || env.Epoch != state.Epoch {
			continue
		}
		c, err := m.readCommit(engine, state, ev, env)
		if err != nil || c.ID == own.ID || !c.Before(at, id) {
			continue
		}
		if err = engine.CheckCommit(c); err != nil {
			jww.DEBUG.Printf("[GRP] Ignoring invalid rival commit %s: %+v", c.ID, err)
			continue
		}
		first, at, id = ev, c.CreatedAt, c.ID
	}
	return first, nil
}

// readCommit opens a commit event without applying it.
func (m *Manager) readCommit(engine *mls.Engine, state mls.GroupState,
	ev *nostr.Event, env *mls.Envelope) (*mls.Commit, error) {
	inner, author, err := openInner(engine, state.GroupID, ev, env)
	if err != nil {
		return nil, err
	}
	return commitOf(inner, author, state.GroupID)
}

// openInner decrypts the envelope of an outer event and verifies the signed
// event inside.
func openInner(engine *mls.Engine, id mls.GroupID, ev *nostr.Event,
	env *mls.Envelope) (*nostr.Event, identity.PublicKey, error) {
	pt, err := engine.Open(id, env)
	if err != nil {
		return nil, identity.PublicKey{}, err
	}
	inner := &nostr.Event{}
	if err = json.Unmarshal(pt, inner); err != nil {
		return nil, identity.PublicKey{}, errs.Wrap(errs.InvalidEncoding, err,
			"malformed inner event of %s", ev.ID)
	}
	if err = identity.Verify(inner); err != nil {
		return nil, identity.PublicKey{}, err
	}
	author, err := identity.Author(inner)
	if err != nil {
		return nil, identity.PublicKey{}, err
	}
	return inner, author, nil
}

// commitOf parses the commit carried by an inner event signed by author.
func commitOf(inner *nostr.Event, author identity.PublicKey,
	id mls.GroupID) (*mls.Commit, error) {
	c := &mls.Commit{}
	if err := json.Unmarshal([]byte(inner.Content), c); err != nil {
		return nil, errs.Wrap(errs.InvalidEncoding, err, "malformed commit in %s", inner.ID)
	}
	if c.Committer != author || c.GroupID != id {
		return nil, errs.New(errs.InvalidKey,
			"commit %s was not signed by its committer", c.ID)
	}
	return c, nil
}

// SendApplication seals an event signed by the account and publishes it to
// the group. Returns the outer event.
func (m *Manager) SendApplication(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, inner *nostr.Event) (*nostr.Event, error) {
	_, state, err := m.active(account, id)
	if err != nil {
		return nil, err
	}
	engine, err := m.engines.Engine(account)
	if err != nil {
		return nil, err
	}
	outer, err := wrap(engine, state, mls.ApplicationMessage, inner)
	if err != nil {
		return nil, err
	}
	if _, err = m.net.Publish(ctx, state.Data.Relays, outer); err != nil {
		return nil, err
	}
	return outer, m.markProcessed(account, outer)
}

func (m *Manager) markProcessed(account identity.PublicKey, ev *nostr.Event) error {
	_, err := m.archive.MarkProcessed(account.Hex(), ev.ID, netTime.Now().Unix())
	return err
}

// catchUp applies commits of the group published by other members. Reports
// whether the local epoch moved.
func (m *Manager) catchUp(ctx context.Context, account identity.PublicKey,
	state mls.GroupState) (bool, error) {
	events, err := m.net.Query(ctx, state.Data.Relays, Filter(state.Data.NostrGroupID))
	if err != nil {
		jww.WARN.Printf("[GRP] Could not catch up on group %s: %+v", state.GroupID, err)
		return false, nil
	}
	for _, ev := range events {
		env, err := mls.DecodeEnvelope(ev.Content)
		if err != nil || env.Type != mls.CommitMessage || env.Epoch < state.Epoch {
			continue
		}
		_, err = m.process(account, ev)
		if errs.KindOf(err) == errs.Storage {
			return false, err
		} else if err != nil {
			jww.DEBUG.Printf("[GRP] Skipped commit %s of group %s: %+v",
				ev.ID, state.GroupID, err)
		}
	}

	engine, err := m.engines.Engine(account)
	if err != nil {
		return false, err
	}
	cur, _ := engine.Group(state.GroupID)
	return cur.Epoch != state.Epoch || cur.Removed, nil
}

// ProcessGroupEvent opens an inbound group event. Commits are applied;
// application events are returned for the caller to store. Events for an
// epoch not reached yet fail with FutureEpoch and are not marked processed so
// they can be retried. Already processed events return nil.
func (m *Manager) ProcessGroupEvent(account identity.PublicKey, ev *nostr.Event) (*Inbound, error) {
	nid, err := NostrGroupIDOf(ev)
	if err != nil {
		return nil, err
	}
	engine, err := m.engines.Engine(account)
	if err != nil {
		return nil, err
	}
	state, exists := engine.GroupByNostrID(nid)
	if !exists {
		return nil, errs.New(errs.GroupNotFound, "no group with nostr id %s for %s",
			nid, account)
	}

	unlock := m.lock(account, state.GroupID)
	defer unlock()
	return m.process(account, ev)
}

// process handles one event. Must be called with the group lock held.
func (m *Manager) process(account identity.PublicKey, ev *nostr.Event) (*Inbound, error) {
	processed, err := m.archive.IsProcessed(account.Hex(), ev.ID)
	if err != nil || processed {
		return nil, err
	}

	in, err := m.open(account, ev)
	if errs.Is(err, errs.FutureEpoch) || errs.KindOf(err) == errs.Storage {
		return nil, err
	}
	if markErr := m.markProcessed(account, ev); markErr != nil {
		return nil, markErr
	}
	return in, err
}

// open decrypts the event and applies it if it is a commit.
func (m *Manager) open(account identity.PublicKey, ev *nostr.Event) (*Inbound, error) {
	if err := identity.Verify(ev); err != nil {
		return nil, err
	}
	nid, err := NostrGroupIDOf(ev)
	if err != nil {
		return nil, err
	}
	s, engine, err := m.local(account)
	if err != nil {
		return nil, err
	}
	state, exists := engine.GroupByNostrID(nid)
	if !exists {
		return nil, errs.New(errs.GroupNotFound, "no group with nostr id %s", nid)
	}
	g, err := s.get(state.GroupID)
	if err != nil {
		return nil, err
	}
	if g.State == Inactive {
		return nil, errs.New(errs.GroupInactive, notActiveErr, g.MlsGroupID, g.State)
	}

	env, err := mls.DecodeEnvelope(ev.Content)
	if err != nil {
		return nil, err
	}
	inner, author, err := openInner(engine, state.GroupID, ev, env)
	if err != nil {
		return nil, err
	}

	in := &Inbound{Account: account, Type: env.Type, Outer: ev, Inner: inner}
	switch env.Type {
	case mls.CommitMessage:
		c, err := commitOf(inner, author, state.GroupID)
		if err != nil {
			return nil, err
		}
		next, err := engine.ApplyCommit(c)
		if err != nil {
			return nil, err
		}
		g, err = s.update(state.GroupID, func(g *Group) error {
			g.sync(next)
			if next.Removed {
				return transition(g, Inactive)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		jww.INFO.Printf("[GRP] Applied commit %s from %s, group %s now at epoch %d",
			c.ID, author, g.MlsGroupID, g.Epoch)
	case mls.ApplicationMessage:
		if env.Epoch == state.Epoch && !state.IsMember(author) {
			return nil, errs.New(errs.UnknownMember, unknownMemberErr, author, g.MlsGroupID)
		}
	default:
		return nil, errs.New(errs.InvalidEncoding, "unknown envelope type %d", env.Type)
	}
	in.Group = g
	return in, nil
}

// sendWelcomes publishes one welcome per added member to their inbox relays.
// Failures are logged; the members are already part of the group.
func (m *Manager) sendWelcomes(ctx context.Context, actor identity.Signer, g Group,
	kps []mls.KeyPackage, welcomes []mls.Welcome) {
	for i := range welcomes {
		invitee := kps[i].Owner
		urls, err := m.welcomeRelays(invitee, g)
		if err != nil {
			jww.ERROR.Printf("[WEL] Failed to look up relays of %s: %+v", invitee, err)
			continue
		}
		ev := &nostr.Event{
			Kind:      protocol.KindWelcome,
			CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
			Content:   mls.EncodeWelcome(&welcomes[i]),
			Tags: nostr.Tags{
				{protocol.TagPubkey, invitee.Hex()},
				append(nostr.Tag{protocol.TagRelays}, g.Relays...),
			},
		}
		if err = actor.Sign(ev); err != nil {
			jww.ERROR.Printf("[WEL] Failed to sign welcome for %s: %+v", invitee, err)
			continue
		}
		if _, err = m.net.Publish(ctx, urls, ev); err != nil {
			jww.WARN.Printf("[WEL] Welcome to %s for group %s not delivered: %+v",
				invitee, g.MlsGroupID, err)
			continue
		}
		jww.DEBUG.Printf("[WEL] Sent welcome %s to %s for group %s",
			ev.ID, invitee, g.MlsGroupID)
	}
}

// welcomeRelays picks the inbox relays of the invitee, then their general
// relays, then the relays of the group.
func (m *Manager) welcomeRelays(invitee identity.PublicKey, g Group) ([]string, error) {
	for _, t := range []relays.Type{relays.Inbox, relays.Nip65} {
		urls, err := m.registry.URLs(invitee, t)
		if err != nil || len(urls) > 0 {
			return urls, err
		}
	}
	return g.Relays, nil
}

/////////////////////////////////////////////////////////////////////////////
// Joining

// CanJoin reports whether a welcome to the group may be accepted. Active
// groups are already joined and inactive ones cannot be re-entered.
func (m *Manager) CanJoin(account identity.PublicKey, id mls.GroupID) error {
	s, err := m.store(account)
	if err != nil {
		return err
	}
	g, err := s.get(id)
	if errs.Is(err, errs.GroupNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	switch g.State {
	case Pending:
		return nil
	case Active:
		return errs.New(errs.AlreadyMember, alreadyMemberErr, account, id)
	case Inactive:
		return errs.New(errs.GroupInactive, notActiveErr, id, g.State)
	default:
		jww.FATAL.Panicf("[GRP] Unknown group state %d", g.State)
	}
	return nil
}

// JoinFromWelcome records a group joined through a welcome, activating an
// existing pending record if there is one. Recording the same join again
// returns the active group.
func (m *Manager) JoinFromWelcome(account identity.PublicKey, state mls.GroupState) (Group, error) {
	s, err := m.store(account)
	if err != nil {
		return Group{}, err
	}
	existing, err := s.get(state.GroupID)
	if errs.Is(err, errs.GroupNotFound) {
		g := newGroup(state, Active, netTime.Now())
		return g, s.add(g)
	} else if err != nil {
		return Group{}, err
	}
	if existing.State == Active && existing.Epoch == state.Epoch {
		return existing, nil
	}
	if err = m.CanJoin(account, state.GroupID); err != nil {
		return Group{}, err
	}
	return s.update(state.GroupID, func(g *Group) error {
		g.sync(state)
		return transition(g, Active)
	})
}
