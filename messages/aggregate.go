////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messages

import (
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/protocol"
)

// ChatMessage is a message of a group derived from its events.
type ChatMessage struct {
	ID        string             `json:"id"`
	Author    identity.PublicKey `json:"author"`
	Content   string             `json:"content"`
	CreatedAt time.Time          `json:"createdAt"`
	Tags      nostr.Tags         `json:"tags"`
	IsReply   bool               `json:"isReply"`
	ReplyToID string             `json:"replyToId,omitempty"`
	IsDeleted bool               `json:"isDeleted"`
	Tokens    []Token            `json:"contentTokens"`
	Reactions ReactionSummary    `json:"reactions"`
	Kind      int                `json:"kind"`
}

// Aggregate derives the chat messages of a group from its raw events in
// chronological order. Reactions are attached to their target. Deletions are
// applied only when issued by the author of the target and keep the content.
func Aggregate(events []*nostr.Event) []ChatMessage {
	byID := make(map[string]*nostr.Event, len(events))
	for _, ev := range events {
		if _, exists := byID[ev.ID]; !exists {
			byID[ev.ID] = ev
		}
	}

	deleted := make(map[string]bool)
	for _, ev := range byID {
		if ev.Kind != protocol.KindDeletion {
			continue
		}
		for _, target := range protocol.TagValues(ev.Tags, protocol.TagEvent) {
			if t, found := byID[target]; found && t.PubKey == ev.PubKey {
				deleted[target] = true
			}
		}
	}

	var chats []*nostr.Event
	reactions := make(map[string][]Reaction)
	for _, ev := range byID {
		switch ev.Kind {
		case protocol.KindChatMessage:
			chats = append(chats, ev)
		case protocol.KindReaction:
			if deleted[ev.ID] {
				continue
			}
			r, ok := toReaction(ev)
			if ok {
				reactions[r.Target] = append(reactions[r.Target], r)
			}
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].CreatedAt != chats[j].CreatedAt {
			return chats[i].CreatedAt < chats[j].CreatedAt
		}
		return chats[i].ID < chats[j].ID
	})

	out := make([]ChatMessage, 0, len(chats))
	for _, ev := range chats {
		author, err := identity.Author(ev)
		if err != nil {
			jww.WARN.Printf("[MSG] Skipping message %s with bad author: %v", ev.ID, err)
			continue
		}
		replyTo, isReply := protocol.ReplyTarget(ev.Tags)
		out = append(out, ChatMessage{
			ID:        ev.ID,
			Author:    author,
			Content:   ev.Content,
			CreatedAt: ev.CreatedAt.Time(),
			Tags:      ev.Tags,
			IsReply:   isReply,
			ReplyToID: replyTo,
			IsDeleted: deleted[ev.ID],
			Tokens:    Tokenize(ev.Content).All(),
			Reactions: AggregateReactions(reactions[ev.ID]),
			Kind:      ev.Kind,
		})
	}
	return out
}

// toReaction reads a kind 7 event. The target is the last "e" tag.
func toReaction(ev *nostr.Event) (Reaction, bool) {
	target, found := protocol.LastTagValue(ev.Tags, protocol.TagEvent)
	if !found {
		return Reaction{}, false
	}
	author, err := identity.Author(ev)
	if err != nil {
		return Reaction{}, false
	}
	return Reaction{
		ID:        ev.ID,
		Author:    author,
		Target:    target,
		Content:   ev.Content,
		CreatedAt: int64(ev.CreatedAt),
	}, true
}
