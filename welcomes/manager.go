////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package welcomes stores the invitations received by local accounts and
// resolves each of them exactly once.
package welcomes

import (
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/groups"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

// Storage values.
const (
	welcomeStoragePrefix = "WelcomeStore"
	welcomeListKey       = "WelcomeList"
	welcomeListVersion   = 0
)

// Error messages.
const (
	notWelcomeErr      = "event %s is kind %d, not a welcome"
	wrongRecipientErr  = "welcome %s is addressed to %s"
	wrongWelcomerErr   = "welcome %s was signed by %s but names %s as welcomer"
	welcomeNotFoundErr = "no welcome %s for %s"
	alreadyResolvedErr = "welcome %s is already %s"
)

// Welcome is an invitation to join a group.
type Welcome struct {
	ID               string               `json:"id"`
	MlsGroupID       mls.GroupID          `json:"mlsGroupId"`
	NostrGroupID     mls.NostrGroupID     `json:"nostrGroupId"`
	GroupName        string               `json:"groupName"`
	GroupDescription string               `json:"groupDescription"`
	GroupAdmins      []identity.PublicKey `json:"groupAdmins"`
	GroupRelays      []string             `json:"groupRelays"`
	Welcomer         identity.PublicKey   `json:"welcomer"`
	MemberCount      int                  `json:"memberCount"`
	Epoch            uint64               `json:"epoch"`
	State            WelcomeState         `json:"state"`
	KeyPackageRef    string               `json:"keyPackageRef"`
	CreatedAt        time.Time            `json:"createdAt"`
	ReceivedAt       time.Time            `json:"receivedAt"`

	// Event content, opened again on accept
	Content string `json:"content"`
}

// DeepCopy returns a copy that shares no memory.
func (w Welcome) DeepCopy() Welcome {
	w.GroupAdmins = append([]identity.PublicKey(nil), w.GroupAdmins...)
	w.GroupRelays = append([]string(nil), w.GroupRelays...)
	return w
}

// Manager receives and resolves welcomes.
type Manager struct {
	kv      *versioned.KV
	engines *mls.Provider
	groups  *groups.Manager
	mux     sync.Mutex
}

// NewManager builds a welcome manager.
func NewManager(kv *versioned.KV, engines *mls.Provider, gm *groups.Manager) *Manager {
	return &Manager{kv: kv, engines: engines, groups: gm}
}

func (m *Manager) kvOf(account identity.PublicKey) *versioned.KV {
	return m.kv.Prefix(versioned.MakeAccountPrefix(account)).Prefix(welcomeStoragePrefix)
}

// load returns the welcomes of the account. Must be called with the lock held.
func (m *Manager) load(account identity.PublicKey) ([]Welcome, error) {
	var list []Welcome
	kv := m.kvOf(account)
	if err := kv.GetJSON(welcomeListKey, welcomeListVersion, &list); err != nil &&
		kv.Exists(err) {
		return nil, errs.StorageErr(err, "failed to load welcomes of %s", account)
	}
	return list, nil
}

// save writes the welcomes of the account. Must be called with the lock held.
func (m *Manager) save(account identity.PublicKey, list []Welcome) error {
	if err := m.kvOf(account).SetJSON(welcomeListKey, welcomeListVersion, list); err != nil {
		return errs.StorageErr(err, "failed to save welcomes of %s", account)
	}
	return nil
}

// Receive stores an inbound welcome event as Pending. Returns false if the
// welcome was already known.
func (m *Manager) Receive(account identity.PublicKey, ev *nostr.Event) (Welcome, bool, error) {
	if ev.Kind != protocol.KindWelcome {
		return Welcome{}, false, errs.New(errs.InvalidEncoding, notWelcomeErr, ev.ID, ev.Kind)
	}
	if err := identity.Verify(ev); err != nil {
		return Welcome{}, false, err
	}
	if to, found := protocol.FirstTagValue(ev.Tags, protocol.TagPubkey); found &&
		to != account.Hex() {
		return Welcome{}, false, errs.New(errs.InvalidKey, wrongRecipientErr, ev.ID, to)
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	list, err := m.load(account)
	if err != nil {
		return Welcome{}, false, err
	}
	for _, w := range list {
		if w.ID == ev.ID {
			return w.DeepCopy(), false, nil
		}
	}

	sealed, err := mls.DecodeWelcome(ev.Content)
	if err != nil {
		return Welcome{}, false, err
	}
	engine, err := m.engines.Engine(account)
	if err != nil {
		return Welcome{}, false, err
	}
	info, err := engine.PreviewWelcome(sealed)
	if err != nil {
		return Welcome{}, false, err
	}
	if info.Welcomer.Hex() != ev.PubKey {
		return Welcome{}, false, errs.New(errs.InvalidKey, wrongWelcomerErr,
			ev.ID, ev.PubKey, info.Welcomer)
	}

	data := info.State.Data
	w := Welcome{
		ID:               ev.ID,
		MlsGroupID:       info.State.GroupID,
		NostrGroupID:     data.NostrGroupID,
		GroupName:        data.Name,
		GroupDescription: data.Description,
		GroupAdmins:      data.Admins,
		GroupRelays:      data.Relays,
		Welcomer:         info.Welcomer,
		MemberCount:      len(info.State.Members),
		Epoch:            info.State.Epoch,
		State:            Pending,
		KeyPackageRef:    sealed.KeyPackageRef,
		CreatedAt:        ev.CreatedAt.Time(),
		ReceivedAt:       netTime.Now(),
		Content:          ev.Content,
	}
	if err = m.save(account, append(list, w)); err != nil {
		return Welcome{}, false, err
	}
	jww.INFO.Printf("[WEL] %s received welcome %s to group %s from %s",
		account, w.ID, w.MlsGroupID, w.Welcomer)
	return w.DeepCopy(), true, nil
}

// ListPending returns the pending welcomes of the account by receipt time.
func (m *Manager) ListPending(account identity.PublicKey) ([]Welcome, error) {
	all, err := m.List(account)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, w := range all {
		if w.State == Pending {
			pending = append(pending, w)
		}
	}
	return pending, nil
}

// List returns every welcome of the account by receipt time.
func (m *Manager) List(account identity.PublicKey) ([]Welcome, error) {
	m.mux.Lock()
	list, err := m.load(account)
	m.mux.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Welcome, len(list))
	for i, w := range list {
		out[i] = w.DeepCopy()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindWelcome returns one welcome of the account.
func (m *Manager) FindWelcome(account identity.PublicKey, id string) (Welcome, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	list, err := m.load(account)
	if err != nil {
		return Welcome{}, err
	}
	i := find(list, id)
	if i < 0 {
		return Welcome{}, errs.New(errs.WelcomeNotFound, welcomeNotFoundErr, id, account)
	}
	return list[i].DeepCopy(), nil
}

func find(list []Welcome, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// Accept joins the group of a pending welcome at the epoch it carries. A
// welcome that was already resolved fails with AlreadyResolved. The key
// package is deleted only after the group and the welcome state are stored,
// so a failed accept can be retried.
func (m *Manager) Accept(account identity.PublicKey, id string) (Welcome, groups.Group, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	list, i, err := m.pending(account, id)
	if err != nil {
		return Welcome{}, groups.Group{}, err
	}
	w := list[i]

	sealed, err := mls.DecodeWelcome(w.Content)
	if err != nil {
		return Welcome{}, groups.Group{}, err
	}
	engine, err := m.engines.Engine(account)
	if err != nil {
		return Welcome{}, groups.Group{}, err
	}
	// A previous attempt may have joined before failing
	resuming := engine.JoinedWith(w.MlsGroupID) == sealed.KeyPackageRef
	if !resuming {
		if err = m.groups.CanJoin(account, w.MlsGroupID); err != nil {
			return Welcome{}, groups.Group{}, err
		}
	}

	state, err := engine.JoinWelcome(sealed)
	if err != nil {
		return Welcome{}, groups.Group{}, err
	}
	g, err := m.groups.JoinFromWelcome(account, state)
	if err != nil {
		return Welcome{}, groups.Group{}, err
	}

	list[i].State = Accepted
	if err = m.save(account, list); err != nil {
		return Welcome{}, groups.Group{}, err
	}
	if _, err = engine.DeleteKeyPackage(sealed.KeyPackageRef); err != nil {
		return Welcome{}, groups.Group{}, errors.WithMessagef(err,
			"accepted welcome %s but failed to delete key package %s",
			id, sealed.KeyPackageRef)
	}
	jww.INFO.Printf("[WEL] %s accepted welcome %s and joined group %s at epoch %d",
		account, id, g.MlsGroupID, g.Epoch)
	return list[i].DeepCopy(), g, nil
}

// Decline marks a pending welcome as declined.
func (m *Manager) Decline(account identity.PublicKey, id string) (Welcome, error) {
	return m.resolve(account, id, Declined)
}

// Ignore marks a pending welcome as ignored.
func (m *Manager) Ignore(account identity.PublicKey, id string) (Welcome, error) {
	return m.resolve(account, id, Ignored)
}

func (m *Manager) resolve(account identity.PublicKey, id string, to WelcomeState) (Welcome, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	list, i, err := m.pending(account, id)
	if err != nil {
		return Welcome{}, err
	}
	list[i].State = to
	if err = m.save(account, list); err != nil {
		return Welcome{}, err
	}
	jww.INFO.Printf("[WEL] %s %s welcome %s", account, to, id)
	return list[i].DeepCopy(), nil
}

// pending loads the list and finds a welcome that is still pending. Must be
// called with the lock held.
func (m *Manager) pending(account identity.PublicKey, id string) ([]Welcome, int, error) {
	list, err := m.load(account)
	if err != nil {
		return nil, 0, err
	}
	i := find(list, id)
	if i < 0 {
		return nil, 0, errs.New(errs.WelcomeNotFound, welcomeNotFoundErr, id, account)
	}
	if list[i].State.IsTerminal() {
		return nil, 0, errs.New(errs.AlreadyResolved, alreadyResolvedErr, id, list[i].State)
	}
	return list, i, nil
}

// DeleteAccount drops every welcome of the account.
func (m *Manager) DeleteAccount(account identity.PublicKey) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if err := m.kvOf(account).Delete(welcomeListKey, welcomeListVersion); err != nil {
		return errs.StorageErr(err, "failed to delete welcomes of %s", account)
	}
	return nil
}
