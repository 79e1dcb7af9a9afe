////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package accounts

import (
	"testing"

	"gitlab.com/elixxir/ekv"
	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

// Tests that accounts added to a Store are loaded by a new Store on the same
// KV, keys included.
func TestNewOrLoadStore_Reload(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	s, err := NewOrLoadStore(kv)
	if err != nil {
		t.Fatalf("NewOrLoadStore returned an error: %+v", err)
	}

	keys, err := identity.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys returned an error: %+v", err)
	}
	a, created, err := s.Add(keys)
	if err != nil || !created {
		t.Fatalf("Add failed (created %t): %+v", created, err)
	}

	loaded, err := NewOrLoadStore(kv)
	if err != nil {
		t.Fatalf("NewOrLoadStore returned an error: %+v", err)
	}
	got, err := loaded.Get(a.PubKey)
	if err != nil {
		t.Fatalf("Get returned an error: %+v", err)
	}
	if got.PubKey != a.PubKey || !got.CreatedAt.Equal(a.CreatedAt) {
		t.Errorf("Loaded account mismatch.\nexpected: %+v\nreceived: %+v", a, got)
	}

	loadedKeys, err := loaded.Keys(a.PubKey)
	if err != nil {
		t.Fatalf("Keys returned an error: %+v", err)
	}
	if loadedKeys.SecretHex() != keys.SecretHex() {
		t.Errorf("Loaded secret does not match.")
	}
}

// Tests that adding the same key twice returns the existing account.
func TestStore_Add_Idempotent(t *testing.T) {
	s, _ := NewOrLoadStore(versioned.NewKV(ekv.MakeMemstore()))
	keys, _ := identity.GenerateKeys()

	first, _, err := s.Add(keys)
	if err != nil {
		t.Fatalf("Add returned an error: %+v", err)
	}
	second, created, err := s.Add(keys)
	if err != nil {
		t.Fatalf("Add returned an error: %+v", err)
	}
	if created {
		t.Errorf("Second Add reported a new account.")
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("Second Add changed the account.")
	}
	if len(s.All()) != 1 {
		t.Errorf("Expected 1 account, found %d", len(s.All()))
	}
}

func TestStore_Remove(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	s, _ := NewOrLoadStore(kv)
	keys, _ := identity.GenerateKeys()
	a, _, _ := s.Add(keys)

	if err := s.Remove(a.PubKey); err != nil {
		t.Fatalf("Remove returned an error: %+v", err)
	}
	if _, err := s.Get(a.PubKey); !errs.Is(err, errs.AccountNotFound) {
		t.Errorf("Get after Remove did not return AccountNotFound: %+v", err)
	}
	if err := s.Remove(a.PubKey); !errs.Is(err, errs.AccountNotFound) {
		t.Errorf("Second Remove did not return AccountNotFound: %+v", err)
	}

	loaded, _ := NewOrLoadStore(kv)
	if len(loaded.All()) != 0 {
		t.Errorf("Removed account was reloaded.")
	}
}

func TestStore_Follows(t *testing.T) {
	s, _ := NewOrLoadStore(versioned.NewKV(ekv.MakeMemstore()))
	keys, _ := identity.GenerateKeys()
	a, _, _ := s.Add(keys)
	target := identity.PublicKey{5}

	for i := 0; i < 2; i++ {
		if _, err := s.Follow(a.PubKey, target); err != nil {
			t.Fatalf("Follow returned an error: %+v", err)
		}
	}
	follows, _ := s.Follows(a.PubKey)
	if len(follows) != 1 || follows[0] != target {
		t.Errorf("Unexpected follows: %v", follows)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.Unfollow(a.PubKey, target); err != nil {
			t.Fatalf("Unfollow returned an error: %+v", err)
		}
	}
	follows, _ = s.Follows(a.PubKey)
	if len(follows) != 0 {
		t.Errorf("Unexpected follows after unfollow: %v", follows)
	}

	now := netTime.Now()
	updated, err := s.SetLastSynced(a.PubKey, now)
	if err != nil || !updated.Synced() {
		t.Errorf("SetLastSynced failed: %+v", err)
	}
}
