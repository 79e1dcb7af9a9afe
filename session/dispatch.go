////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"context"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/groups"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/storage/eventArchive"
)

// Events older than the last sync by this many seconds are queried again.
const syncOverlap = 60

// onEvent receives the events of the subscriptions.
func (s *Session) onEvent(account identity.PublicKey, relay string, ev *nostr.Event) {
	if err := s.HandleEvent(account, ev); err != nil {
		jww.WARN.Printf("[SES] Dropped event %s from %s for %s: %+v",
			ev.ID, relay, account, err)
	}
}

// filters returns what an account listens for: welcomes addressed to it and
// the messages of its active groups, which may live on extra relays.
func (s *Session) filters(account identity.PublicKey) (nostr.Filters, []string, error) {
	filters := nostr.Filters{{
		Kinds: []int{protocol.KindWelcome},
		Tags:  nostr.TagMap{protocol.TagPubkey: []string{account.Hex()}},
	}}
	active, err := s.groups.FetchGroups(account, true)
	if err != nil {
		return nil, nil, err
	}
	var extra []string
	for _, g := range active {
		filters = append(filters, groups.Filter(g.NostrGroupID))
		extra = union(extra, g.Relays)
	}
	return filters, extra, nil
}

// HandleEvent routes one inbound event of an account: welcomes are stored
// for the user to resolve, group events are opened and their messages
// archived. Events of an epoch that has not been reached are deferred and
// retried after the next commit.
func (s *Session) HandleEvent(account identity.PublicKey, ev *nostr.Event) error {
	switch ev.Kind {
	case protocol.KindWelcome:
		w, created, err := s.welcomes.Receive(account, ev)
		if err != nil {
			return err
		}
		if created {
			jww.INFO.Printf("[SES] %s invited %s to %q", w.Welcomer, account,
				w.GroupName)
		}
		return nil
	case protocol.KindGroupMessage:
		applied, err := s.handleGroupEvent(account, ev)
		if err != nil || !applied {
			return err
		}
		return s.retryDeferred(account)
	default:
		jww.TRACE.Printf("[SES] Ignoring event %s of kind %d", ev.ID, ev.Kind)
		return nil
	}
}

// handleGroupEvent opens one group event and reports whether it advanced an
// epoch.
func (s *Session) handleGroupEvent(account identity.PublicKey, ev *nostr.Event) (bool, error) {
	in, err := s.groups.ProcessGroupEvent(account, ev)
	switch {
	case errs.Is(err, errs.FutureEpoch):
		return false, s.deferEvent(account, ev)
	case errs.Is(err, errs.GroupNotFound), errs.Is(err, errs.GroupInactive):
		jww.DEBUG.Printf("[SES] Ignoring %s for %s: %v", ev.ID, account, err)
		return false, nil
	case err != nil:
		return false, err
	case in == nil:
		return false, nil
	}
	if _, err = s.messages.Ingest(in); err != nil {
		return false, err
	}
	return in.Type == mls.CommitMessage, nil
}

func (s *Session) deferEvent(account identity.PublicKey, ev *nostr.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errors.WithStack(err)
	}
	nid, err := groups.NostrGroupIDOf(ev)
	if err != nil {
		return err
	}
	jww.DEBUG.Printf("[SES] Deferring %s for %s until its epoch", ev.ID, account)
	return s.archive.Defer(eventArchive.Deferred{
		Account:    account.Hex(),
		EventID:    ev.ID,
		GroupID:    nid.Hex(),
		Raw:        string(raw),
		ReceivedAt: netTime.Now().Unix(),
	})
}

// retryDeferred replays deferred events until none of them makes progress.
func (s *Session) retryDeferred(account identity.PublicKey) error {
	for {
		pending, err := s.archive.DeferredFor(account.Hex())
		if err != nil || len(pending) == 0 {
			return err
		}
		progressed := false
		for _, d := range pending {
			ev := &nostr.Event{}
			if err = json.Unmarshal([]byte(d.Raw), ev); err != nil {
				jww.WARN.Printf("[SES] Dropping unreadable deferred %s: %+v",
					d.EventID, err)
				if err = s.archive.Undefer(d.Account, d.EventID); err != nil {
					return err
				}
				continue
			}
			in, err := s.groups.ProcessGroupEvent(account, ev)
			if errs.Is(err, errs.FutureEpoch) {
				continue
			} else if errs.KindOf(err) == errs.Storage {
				return err
			}
			if err = s.archive.Undefer(d.Account, d.EventID); err != nil {
				return err
			}
			progressed = true
			if in == nil {
				continue
			}
			if _, err = s.messages.Ingest(in); err != nil {
				return err
			}
		}
		if !progressed {
			return nil
		}
	}
}

// Sync fetches what an account missed: welcomes addressed to it and the
// events of its active groups since the last sync.
func (s *Session) Sync(ctx context.Context, account identity.PublicKey) error {
	a, err := s.accounts.Get(account)
	if err != nil {
		return err
	}
	filters, extra, err := s.filters(account)
	if err != nil {
		return err
	}
	var since *nostr.Timestamp
	if a.Synced() {
		ts := nostr.Timestamp(a.LastSyncedAt.Unix() - syncOverlap)
		since = &ts
	}
	own, err := s.registry.URLs(account, relays.Nip65)
	if err != nil {
		return err
	}
	inbox, err := s.registry.URLs(account, relays.Inbox)
	if err != nil {
		return err
	}
	urls := union(union(own, inbox), extra)

	start := netTime.Now()
	handled := 0
	for _, f := range filters {
		f.Since = since
		lookupCtx, cancel := context.WithTimeout(ctx, s.params.BackgroundSyncTimeout)
		events, err := s.net.Query(lookupCtx, urls, f)
		cancel()
		if err != nil {
			if errs.KindOf(err) == errs.Storage {
				return err
			}
			jww.WARN.Printf("[SES] Sync query for %s failed: %+v", account, err)
			continue
		}
		for _, ev := range events {
			if err = s.HandleEvent(account, ev); err != nil {
				if errs.KindOf(err) == errs.Storage {
					return err
				}
				jww.DEBUG.Printf("[SES] Sync skipped %s: %v", ev.ID, err)
				continue
			}
			handled++
		}
	}
	if _, err = s.accounts.SetLastSynced(account, start); err != nil {
		return err
	}
	jww.INFO.Printf("[SES] Synced %s, handled %d events", account, handled)
	return nil
}
