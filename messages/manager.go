////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package messages sends and ingests the application events of groups and
// derives the chat view from them.
package messages

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	bloom "gitlab.com/elixxir/bloomfilter"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/elixxir/whitenoise/emoji"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/groups"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/storage/eventArchive"
)

// Duplicate filter parameters.
const (
	bloomFilterSize   = 1 << 16 // In bits
	bloomFilterHashes = 8
)

// Error messages.
const (
	invalidReactionErr = "invalid reaction %q"
	badTagsErr         = "failed to decode tags of event %s"
)

// MessageWithTokens is an event that was just sent with its content tokens.
type MessageWithTokens struct {
	Event  *nostr.Event `json:"event"`
	Tokens []Token      `json:"tokens"`
}

// Manager sends application events and archives the ones that arrive.
type Manager struct {
	groups  *groups.Manager
	archive *eventArchive.Archive

	seen    *bloom.Bloom
	seenMux sync.Mutex
}

// NewManager builds a message manager.
func NewManager(gm *groups.Manager, archive *eventArchive.Archive) (*Manager, error) {
	seen, err := bloom.InitByParameters(bloomFilterSize, bloomFilterHashes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize duplicate filter")
	}
	return &Manager{groups: gm, archive: archive, seen: seen}, nil
}

// SendMessage sends a chat message to the group. A zero kind sends a plain
// chat message.
func (m *Manager) SendMessage(ctx context.Context, signer identity.Signer,
	id mls.GroupID, content string, kind int, tags nostr.Tags) (MessageWithTokens, error) {
	if kind == 0 {
		kind = protocol.KindChatMessage
	}
	inner, err := m.send(ctx, signer, id, kind, content, tags)
	if err != nil {
		return MessageWithTokens{}, err
	}
	return MessageWithTokens{Event: inner, Tokens: Tokenize(content).All()}, nil
}

// SendReaction reacts to a message of the group. An empty reaction retracts
// the earlier reactions of the account to the message.
func (m *Manager) SendReaction(ctx context.Context, signer identity.Signer,
	id mls.GroupID, targetID, reaction string) (*nostr.Event, error) {
	if reaction != "" {
		normalized, err := emoji.Normalize(reaction)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidEncoding, err, invalidReactionErr, reaction)
		}
		reaction = normalized
	}
	tags, err := m.targetTags(signer.PublicKey(), targetID)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, signer, id, protocol.KindReaction, reaction, tags)
}

// DeleteMessage asks the members of the group to hide one of the account's
// messages.
func (m *Manager) DeleteMessage(ctx context.Context, signer identity.Signer,
	id mls.GroupID, targetID string) (*nostr.Event, error) {
	tags, err := m.targetTags(signer.PublicKey(), targetID)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, signer, id, protocol.KindDeletion, "", tags)
}

// targetTags references an archived event by id, and its author and kind when
// they are known.
func (m *Manager) targetTags(account identity.PublicKey, targetID string) (nostr.Tags, error) {
	tags := nostr.Tags{{protocol.TagEvent, targetID}}
	target, found, err := m.archive.Get(account.Hex(), targetID)
	if err != nil {
		return nil, err
	}
	if found {
		tags = append(tags,
			nostr.Tag{protocol.TagPubkey, target.Author},
			nostr.Tag{protocol.TagKind, strconv.Itoa(target.Kind)})
	}
	return tags, nil
}

func (m *Manager) send(ctx context.Context, signer identity.Signer, id mls.GroupID,
	kind int, content string, tags nostr.Tags) (*nostr.Event, error) {
	if tags == nil {
		tags = nostr.Tags{}
	}
	inner := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(netTime.Now().Unix()),
		Content:   content,
		Tags:      tags,
	}
	if err := signer.Sign(inner); err != nil {
		return nil, err
	}
	if _, err := m.groups.SendApplication(ctx, signer.PublicKey(), id, inner); err != nil {
		return nil, err
	}
	if _, err := m.store(signer.PublicKey(), id, inner); err != nil {
		return nil, err
	}
	jww.DEBUG.Printf("[MSG] %s sent kind %d event %s to group %s",
		signer.PublicKey(), kind, inner.ID, id)
	return inner, nil
}

// Ingest archives the inner event of an opened application message. Returns
// false for commits and for events that were already archived.
func (m *Manager) Ingest(in *groups.Inbound) (bool, error) {
	if in == nil || in.Type != mls.ApplicationMessage {
		return false, nil
	}
	key := []byte(in.Account.Hex() + in.Inner.ID)
	m.seenMux.Lock()
	maybeSeen := m.seen.Test(key)
	m.seenMux.Unlock()
	if maybeSeen {
		if _, found, err := m.archive.Get(in.Account.Hex(), in.Inner.ID); err != nil {
			return false, err
		} else if found {
			return false, nil
		}
	}
	return m.store(in.Account, in.Group.MlsGroupID, in.Inner)
}

// store archives the event and moves the last message pointer of the group.
func (m *Manager) store(account identity.PublicKey, id mls.GroupID,
	ev *nostr.Event) (bool, error) {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return false, errors.WithStack(err)
	}
	inserted, err := m.archive.Insert(eventArchive.Event{
		Account:   account.Hex(),
		EventID:   ev.ID,
		GroupID:   id.Hex(),
		Kind:      ev.Kind,
		Author:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Content:   ev.Content,
		Tags:      string(tags),
	})
	if err != nil {
		return false, err
	}

	m.seenMux.Lock()
	m.seen.Add([]byte(account.Hex() + ev.ID))
	m.seenMux.Unlock()

	if inserted && ev.Kind == protocol.KindChatMessage {
		err = m.groups.SetLastMessage(account, id, ev.ID, ev.CreatedAt.Time())
		if err != nil {
			return true, err
		}
	}
	return inserted, nil
}

// FetchAggregatedMessages returns the chat view of a group from the archive.
func (m *Manager) FetchAggregatedMessages(account identity.PublicKey,
	id mls.GroupID) ([]ChatMessage, error) {
	if _, err := m.groups.GetGroup(account, id); err != nil {
		return nil, err
	}
	stored, err := m.archive.ByGroup(account.Hex(), id.Hex())
	if err != nil {
		return nil, err
	}
	events := make([]*nostr.Event, 0, len(stored))
	for _, e := range stored {
		ev, err := toEvent(e)
		if err != nil {
			jww.WARN.Printf("[MSG] Skipping archived event: %+v", err)
			continue
		}
		events = append(events, ev)
	}
	return Aggregate(events), nil
}

func toEvent(e eventArchive.Event) (*nostr.Event, error) {
	var tags nostr.Tags
	if err := json.Unmarshal([]byte(e.Tags), &tags); err != nil {
		return nil, errs.Wrap(errs.InvalidEncoding, err, badTagsErr, e.EventID)
	}
	return &nostr.Event{
		ID:        e.EventID,
		PubKey:    e.Author,
		CreatedAt: nostr.Timestamp(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
	}, nil
}
