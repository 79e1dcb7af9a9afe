////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/groups"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/media"
	"gitlab.com/elixxir/whitenoise/messages"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/welcomes"
)

// CreateGroup creates a group owned by the account and invites the members.
func (s *Session) CreateGroup(ctx context.Context, account identity.PublicKey,
	members, admins []identity.PublicKey, name, description string,
	kind groups.GroupKind) (groups.Group, error) {
	keys, err := s.signer(account)
	if err != nil {
		return groups.Group{}, err
	}
	g, err := s.groups.CreateGroup(ctx, keys, members, admins, name, description, kind)
	if err != nil {
		return groups.Group{}, err
	}
	s.resubscribe(account)
	return g, nil
}

// AddMembers adds members to a group the account administers.
func (s *Session) AddMembers(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, members []identity.PublicKey) (groups.Group, error) {
	keys, err := s.signer(account)
	if err != nil {
		return groups.Group{}, err
	}
	return s.groups.AddMembers(ctx, keys, id, members)
}

// RemoveMembers removes members from a group the account administers.
func (s *Session) RemoveMembers(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, members []identity.PublicKey) (groups.Group, error) {
	keys, err := s.signer(account)
	if err != nil {
		return groups.Group{}, err
	}
	return s.groups.RemoveMembers(ctx, keys, id, members)
}

// UpdateGroupData changes the agreed data of a group.
func (s *Session) UpdateGroupData(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, update groups.GroupDataUpdate) (groups.Group, error) {
	keys, err := s.signer(account)
	if err != nil {
		return groups.Group{}, err
	}
	g, err := s.groups.UpdateGroupData(ctx, keys, id, update)
	if err != nil {
		return groups.Group{}, err
	}
	if update.Relays.Op() != groups.Unchanged {
		s.resubscribe(account)
	}
	return g, nil
}

// SetGroupImage downscales, encrypts and uploads an image and makes it the
// image of the group.
func (s *Session) SetGroupImage(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, data []byte) (groups.Group, error) {
	prepared, _, err := media.PrepareGroupImage(data, s.params.ImageMaxDimension)
	if err != nil {
		return groups.Group{}, err
	}
	img, url, _, err := s.media.Upload(ctx, prepared)
	if err != nil {
		return groups.Group{}, err
	}
	jww.DEBUG.Printf("[SES] Uploaded image of group %s to %s", id, url)
	return s.UpdateGroupData(ctx, account, id,
		groups.GroupDataUpdate{Image: groups.SetTo(&img)})
}

// LeaveGroup removes the account from a group.
func (s *Session) LeaveGroup(ctx context.Context, account identity.PublicKey,
	id mls.GroupID) (groups.Group, error) {
	keys, err := s.signer(account)
	if err != nil {
		return groups.Group{}, err
	}
	g, err := s.groups.LeaveGroup(ctx, keys, id)
	if err != nil {
		return groups.Group{}, err
	}
	s.resubscribe(account)
	return g, nil
}

// AcceptWelcome joins the group of a pending welcome. The key package the
// welcome consumed is retired and replaced by a fresh one.
func (s *Session) AcceptWelcome(ctx context.Context, account identity.PublicKey,
	id string) (welcomes.Welcome, groups.Group, error) {
	keys, err := s.signer(account)
	if err != nil {
		return welcomes.Welcome{}, groups.Group{}, err
	}
	w, g, err := s.welcomes.Accept(account, id)
	if err != nil {
		return welcomes.Welcome{}, groups.Group{}, err
	}
	s.rotateKeyPackage(ctx, keys, w.KeyPackageRef)
	s.resubscribe(account)
	if err = s.retryDeferred(account); err != nil {
		return w, g, err
	}
	return w, g, nil
}

// rotateKeyPackage retires the published key package with the reference and
// publishes a new one. Failures are logged; the join already happened.
func (s *Session) rotateKeyPackage(ctx context.Context, keys *identity.Keys, ref string) {
	pk := keys.PublicKey()
	published, err := s.keyPackages.List(pk)
	if err != nil {
		jww.WARN.Printf("[SES] Could not list key packages of %s: %+v", pk, err)
		return
	}
	for _, p := range published {
		if p.Ref != ref {
			continue
		}
		if _, err = s.keyPackages.Delete(ctx, keys, p.EventID); err != nil {
			jww.WARN.Printf("[SES] Could not retire key package %s: %+v",
				p.EventID, err)
		}
	}
	if _, err = s.keyPackages.Publish(ctx, keys); err != nil {
		jww.WARN.Printf("[SES] Could not publish a new key package for %s: %+v",
			pk, err)
	}
}

// DeclineWelcome declines a pending welcome.
func (s *Session) DeclineWelcome(account identity.PublicKey, id string) (welcomes.Welcome, error) {
	return s.welcomes.Decline(account, id)
}

// IgnoreWelcome hides a pending welcome without declining it.
func (s *Session) IgnoreWelcome(account identity.PublicKey, id string) (welcomes.Welcome, error) {
	return s.welcomes.Ignore(account, id)
}

// SendMessage sends a message to a group. A zero kind sends a chat message.
func (s *Session) SendMessage(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, content string, kind int, tags nostr.Tags) (messages.MessageWithTokens, error) {
	keys, err := s.signer(account)
	if err != nil {
		return messages.MessageWithTokens{}, err
	}
	return s.messages.SendMessage(ctx, keys, id, content, kind, tags)
}

// SendReaction reacts to a message. An empty reaction retracts the previous
// ones of the account.
func (s *Session) SendReaction(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, target, reaction string) (*nostr.Event, error) {
	keys, err := s.signer(account)
	if err != nil {
		return nil, err
	}
	return s.messages.SendReaction(ctx, keys, id, target, reaction)
}

// DeleteMessage deletes a message the account sent.
func (s *Session) DeleteMessage(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, target string) (*nostr.Event, error) {
	keys, err := s.signer(account)
	if err != nil {
		return nil, err
	}
	return s.messages.DeleteMessage(ctx, keys, id, target)
}

// FetchAggregatedMessages returns the chat history of a group.
func (s *Session) FetchAggregatedMessages(account identity.PublicKey,
	id mls.GroupID) ([]messages.ChatMessage, error) {
	if _, err := s.accounts.Get(account); err != nil {
		return nil, err
	}
	return s.messages.FetchAggregatedMessages(account, id)
}

// UploadChatMedia encrypts and uploads a file for a group the account is an
// active member of.
func (s *Session) UploadChatMedia(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, path string) (media.MediaFile, error) {
	g, err := s.groups.GetGroup(account, id)
	if err != nil {
		return media.MediaFile{}, err
	}
	if g.State != groups.Active {
		return media.MediaFile{}, errs.New(errs.GroupInactive,
			"group %s is %s", id, g.State)
	}
	return s.media.UploadChatMedia(ctx, account, id, path)
}

// DeleteAllData logs every account out and removes all stored data. The
// session stays usable.
func (s *Session) DeleteAllData(ctx context.Context) error {
	for _, a := range s.accounts.All() {
		if err := s.Logout(ctx, a.PubKey); err != nil {
			return err
		}
	}
	if err := s.archive.DeleteAll(); err != nil {
		return err
	}
	s.settingsMux.Lock()
	defer s.settingsMux.Unlock()
	if err := s.kv.Delete(settingsKey, settingsVersion); err != nil {
		return errs.StorageErr(err, "failed to delete app settings")
	}
	jww.INFO.Printf("[SES] Deleted all data")
	return nil
}
