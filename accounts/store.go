////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package accounts stores the locally held identities, their secret keys and
// follow lists.
package accounts

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

// Storage values.
const (
	accountStoragePrefix  = "AccountStore"
	accountListStorageKey = "AccountList"
	accountListVersion    = 0
	accountKeyPrefix      = "Account:"
	accountVersion        = 0
)

// Error messages.
const (
	accountNotFoundErr = "no account with public key %s"
	accountLoadErr     = "failed to load account %d/%d"
	accountSaveErr     = "failed to save account %s"
	accountListSaveErr = "failed to save account list"
)

// Account is a locally held identity.
type Account struct {
	PubKey       identity.PublicKey   `json:"pubkey"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
	LastSyncedAt time.Time            `json:"lastSyncedAt"`
	Follows      []identity.PublicKey `json:"follows"`
}

// DeepCopy returns a copy of the account that shares no memory.
func (a Account) DeepCopy() Account {
	a.Follows = append([]identity.PublicKey(nil), a.Follows...)
	return a
}

// Synced reports whether the account completed a sync.
func (a Account) Synced() bool {
	return !a.LastSyncedAt.IsZero()
}

// stored is the on-disk form of an account.
type stored struct {
	Account
	Secret string `json:"secret"`
}

// Store keeps every account in memory and in the KV.
type Store struct {
	list map[identity.PublicKey]stored
	kv   *versioned.KV
	mux  sync.RWMutex
}

// NewOrLoadStore loads the accounts from storage or starts an empty store.
func NewOrLoadStore(kv *versioned.KV) (*Store, error) {
	s := &Store{
		list: make(map[identity.PublicKey]stored),
		kv:   kv.Prefix(accountStoragePrefix),
	}

	vo, err := s.kv.Get(accountListStorageKey, accountListVersion)
	if err != nil && !s.kv.Exists(err) {
		return s, nil
	} else if err != nil {
		return nil, errs.StorageErr(err, "failed to load account list")
	}

	pks := deserializeAccountList(vo.Data)
	for i, pk := range pks {
		var a stored
		if err = s.kv.GetJSON(accountKeyPrefix+pk.Hex(), accountVersion, &a); err != nil {
			return nil, errs.StorageErr(err, accountLoadErr, i+1, len(pks))
		}
		s.list[pk] = a
	}
	jww.DEBUG.Printf("[ACC] Loaded %d accounts", len(s.list))
	return s, nil
}

// saveList writes the list of account keys. Must be called with the lock.
func (s *Store) saveList() error {
	err := s.kv.Set(accountListStorageKey,
		versioned.NewObject(accountListVersion, serializeAccountList(s.list)))
	if err != nil {
		return errs.StorageErr(err, accountListSaveErr)
	}
	return nil
}

// saveAccount writes one account. Must be called with the lock.
func (s *Store) saveAccount(a stored) error {
	err := s.kv.SetJSON(accountKeyPrefix+a.PubKey.Hex(), accountVersion, a)
	if err != nil {
		return errs.StorageErr(err, accountSaveErr, a.PubKey)
	}
	return nil
}

func serializeAccountList(list map[identity.PublicKey]stored) []byte {
	pks := make([]identity.PublicKey, 0, len(list))
	for pk := range list {
		pks = append(pks, pk)
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].Cmp(pks[j]) < 0 })

	buff := bytes.NewBuffer(nil)
	buff.Grow(identity.PublicKeyLen * len(pks))
	for _, pk := range pks {
		buff.Write(pk[:])
	}
	return buff.Bytes()
}

func deserializeAccountList(data []byte) []identity.PublicKey {
	pks := make([]identity.PublicKey, 0, len(data)/identity.PublicKeyLen)
	buff := bytes.NewBuffer(data)
	for n := buff.Next(identity.PublicKeyLen); len(n) == identity.PublicKeyLen; n = buff.Next(identity.PublicKeyLen) {
		var pk identity.PublicKey
		copy(pk[:], n)
		pks = append(pks, pk)
	}
	return pks
}

// Add stores the key pair as an account. Returns false and the existing
// account if it was already stored.
func (s *Store) Add(keys *identity.Keys) (Account, bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	pk := keys.PublicKey()
	if existing, exists := s.list[pk]; exists {
		return existing.DeepCopy(), false, nil
	}

	now := netTime.Now()
	a := stored{
		Account: Account{PubKey: pk, CreatedAt: now, UpdatedAt: now},
		Secret:  keys.SecretHex(),
	}
	if err := s.saveAccount(a); err != nil {
		return Account{}, false, err
	}
	s.list[pk] = a
	if err := s.saveList(); err != nil {
		delete(s.list, pk)
		return Account{}, false, err
	}
	jww.INFO.Printf("[ACC] Added account %s", pk)
	return a.Account.DeepCopy(), true, nil
}

// Get returns the account.
func (s *Store) Get(pk identity.PublicKey) (Account, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	a, exists := s.list[pk]
	if !exists {
		return Account{}, errs.New(errs.AccountNotFound, accountNotFoundErr, pk)
	}
	return a.Account.DeepCopy(), nil
}

// All returns every account ordered by creation time.
func (s *Store) All() []Account {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]Account, 0, len(s.list))
	for _, a := range s.list {
		out = append(out, a.Account.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PubKey.Cmp(out[j].PubKey) < 0
	})
	return out
}

// Keys returns the key pair of the account.
func (s *Store) Keys(pk identity.PublicKey) (*identity.Keys, error) {
	s.mux.RLock()
	a, exists := s.list[pk]
	s.mux.RUnlock()
	if !exists {
		return nil, errs.New(errs.AccountNotFound, accountNotFoundErr, pk)
	}
	keys, err := identity.KeysFromSecret(a.Secret)
	if err != nil {
		return nil, errors.WithMessagef(err, "stored key of %s is corrupt", pk)
	}
	return keys, nil
}

// Remove deletes the account and its key. Removing an unknown account returns
// AccountNotFound.
func (s *Store) Remove(pk identity.PublicKey) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	a, exists := s.list[pk]
	if !exists {
		return errs.New(errs.AccountNotFound, accountNotFoundErr, pk)
	}
	delete(s.list, pk)
	if err := s.saveList(); err != nil {
		s.list[pk] = a
		return err
	}
	if err := s.kv.Delete(accountKeyPrefix+pk.Hex(), accountVersion); err != nil {
		return errs.StorageErr(err, "failed to delete account %s", pk)
	}
	jww.INFO.Printf("[ACC] Removed account %s", pk)
	return nil
}

// update applies fn to the stored account and saves it.
func (s *Store) update(pk identity.PublicKey, fn func(a *stored) bool) (Account, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	a, exists := s.list[pk]
	if !exists {
		return Account{}, errs.New(errs.AccountNotFound, accountNotFoundErr, pk)
	}
	a.Account = a.Account.DeepCopy()
	if !fn(&a) {
		return a.Account.DeepCopy(), nil
	}
	a.UpdatedAt = netTime.Now()
	if err := s.saveAccount(a); err != nil {
		return Account{}, err
	}
	s.list[pk] = a
	return a.Account.DeepCopy(), nil
}

// SetLastSynced records a completed sync.
func (s *Store) SetLastSynced(pk identity.PublicKey, at time.Time) (Account, error) {
	return s.update(pk, func(a *stored) bool {
		a.LastSyncedAt = at
		return true
	})
}

// Follows returns the keys the account follows.
func (s *Store) Follows(pk identity.PublicKey) ([]identity.PublicKey, error) {
	a, err := s.Get(pk)
	if err != nil {
		return nil, err
	}
	return a.Follows, nil
}

// Follow adds target to the follow list. Following twice is a no-op.
func (s *Store) Follow(pk, target identity.PublicKey) (Account, error) {
	return s.update(pk, func(a *stored) bool {
		if identity.Contains(a.Follows, target) {
			return false
		}
		a.Follows = append(a.Follows, target)
		return true
	})
}

// Unfollow removes target from the follow list. Unfollowing an unknown key is
// a no-op.
func (s *Store) Unfollow(pk, target identity.PublicKey) (Account, error) {
	return s.update(pk, func(a *stored) bool {
		kept := a.Follows[:0]
		for _, f := range a.Follows {
			if f != target {
				kept = append(kept, f)
			}
		}
		changed := len(kept) != len(a.Follows)
		a.Follows = kept
		return changed
	})
}

// SetFollows replaces the follow list, used when a contact list is synced.
func (s *Store) SetFollows(pk identity.PublicKey, follows []identity.PublicKey) (Account, error) {
	return s.update(pk, func(a *stored) bool {
		a.Follows = identity.Dedupe(follows)
		return true
	})
}

