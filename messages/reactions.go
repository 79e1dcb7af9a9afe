////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messages

import (
	"sort"
	"strings"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/emoji"
	"gitlab.com/elixxir/whitenoise/identity"
)

// Reaction is a raw reaction event to a message. Empty content retracts the
// earlier reactions of the author to the target.
type Reaction struct {
	ID        string
	Author    identity.PublicKey
	Target    string
	Content   string
	CreatedAt int64
}

// IsRetraction reports whether the reaction removes earlier ones.
func (r Reaction) IsRetraction() bool {
	return strings.TrimSpace(r.Content) == ""
}

func (r Reaction) before(o Reaction) bool {
	if r.CreatedAt != o.CreatedAt {
		return r.CreatedAt < o.CreatedAt
	}
	return r.ID < o.ID
}

// EmojiReaction is the tally of one emoji.
type EmojiReaction struct {
	Emoji string               `json:"emoji"`
	Count int                  `json:"count"`
	Users []identity.PublicKey `json:"users"`
}

// UserReaction is the reaction a user currently holds.
type UserReaction struct {
	User      identity.PublicKey `json:"user"`
	Emoji     string             `json:"emoji"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ReactionSummary is the aggregate of the reactions to one message.
type ReactionSummary struct {
	ByEmoji       []EmojiReaction `json:"byEmoji"`
	UserReactions []UserReaction  `json:"userReactions"`
}

type reactionKey struct {
	user  identity.PublicKey
	emoji string
}

// AggregateReactions tallies reactions. Each user counts once per emoji with
// their latest reaction, and is listed under the emoji in the order they
// first reacted with it. A retraction resets that order. The result does not
// depend on input order or on repeated events.
func AggregateReactions(reactions []Reaction) ReactionSummary {
	ordered := make([]Reaction, 0, len(reactions))
	seen := make(map[string]struct{}, len(reactions))
	for _, r := range reactions {
		if _, exists := seen[r.ID]; exists {
			continue
		}
		seen[r.ID] = struct{}{}
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].before(ordered[j]) })

	winners := make(map[reactionKey]Reaction)
	firsts := make(map[reactionKey]Reaction)
	for _, r := range ordered {
		if r.IsRetraction() {
			for k := range winners {
				if k.user == r.Author {
					delete(winners, k)
					delete(firsts, k)
				}
			}
			continue
		}
		e, err := emoji.Normalize(r.Content)
		if err != nil {
			jww.DEBUG.Printf("[MSG] Skipping reaction %s: %v", r.ID, err)
			continue
		}
		k := reactionKey{user: r.Author, emoji: e}
		if _, exists := firsts[k]; !exists {
			firsts[k] = r
		}
		winners[k] = r
	}

	type winner struct {
		reactionKey
		first, last Reaction
	}
	list := make([]winner, 0, len(winners))
	for k, r := range winners {
		list = append(list, winner{k, firsts[k], r})
	}

	summary := ReactionSummary{
		ByEmoji:       []EmojiReaction{},
		UserReactions: make([]UserReaction, 0, len(list)),
	}

	sort.Slice(list, func(i, j int) bool { return list[i].first.before(list[j].first) })
	index := make(map[string]int)
	for _, w := range list {
		i, exists := index[w.emoji]
		if !exists {
			i = len(summary.ByEmoji)
			index[w.emoji] = i
			summary.ByEmoji = append(summary.ByEmoji, EmojiReaction{Emoji: w.emoji})
		}
		summary.ByEmoji[i].Users = append(summary.ByEmoji[i].Users, w.user)
		summary.ByEmoji[i].Count++
	}

	sort.Slice(list, func(i, j int) bool { return list[i].last.before(list[j].last) })
	for _, w := range list {
		summary.UserReactions = append(summary.UserReactions, UserReaction{
			User:      w.user,
			Emoji:     w.emoji,
			CreatedAt: time.Unix(w.last.CreatedAt, 0),
		})
	}
	return summary
}
