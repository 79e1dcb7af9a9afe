////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groups

import (
	"testing"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
)

func TestGroupState_CanTransition(t *testing.T) {
	expected := map[GroupState]map[GroupState]bool{
		Pending:  {Pending: false, Active: true, Inactive: true},
		Active:   {Pending: false, Active: false, Inactive: true},
		Inactive: {Pending: false, Active: false, Inactive: false},
	}
	for from, row := range expected {
		for to, allowed := range row {
			if from.CanTransition(to) != allowed {
				t.Errorf("%s -> %s: expected %t", from, to, allowed)
			}
		}
	}
}

func TestGroupKind_String(t *testing.T) {
	for _, k := range []GroupKind{KindGroup, KindDirectMessage} {
		parsed, ok := ParseKind(k.String())
		if !ok || parsed != k {
			t.Errorf("Failed to parse %s", k)
		}
	}
	if _, ok := ParseKind("channel"); ok {
		t.Errorf("Parsed an unknown kind.")
	}
}

func TestField_Apply(t *testing.T) {
	var unset Field[string]
	if unset.Apply("x") != "x" || unset.Op() != Unchanged {
		t.Errorf("Zero field changed the value.")
	}
	if Keep[string]().Apply("x") != "x" {
		t.Errorf("Keep changed the value.")
	}
	if Cleared[string]().Apply("x") != "" {
		t.Errorf("Cleared did not empty the value.")
	}
	if v, ok := SetTo("y").Value(); !ok || v != "y" {
		t.Errorf("SetTo value: %q %t", v, ok)
	}
	if SetTo("").Apply("x") != "" {
		t.Errorf("Setting to empty did not empty the value.")
	}
}

func TestGroupDataUpdate_apply(t *testing.T) {
	a, b := identity.PublicKey{1}, identity.PublicKey{2}
	data := mls.GroupData{Name: "n", Description: "d", Admins: []identity.PublicKey{a},
		Relays: []string{"wss://one.example.com"}}

	if !(GroupDataUpdate{}).IsEmpty() {
		t.Errorf("Empty update reported changes.")
	}
	out := GroupDataUpdate{}.apply(data, []identity.PublicKey{a, b})
	if out.Name != "n" || len(out.Admins) != 1 || len(out.Relays) != 1 {
		t.Errorf("Empty update changed data: %+v", out)
	}

	// Non-member admins and malformed entries are dropped
	out = GroupDataUpdate{
		Admins: SetTo([]string{b.Hex(), identity.PublicKey{3}.Hex(), "bad", b.Hex()}),
		Relays: Cleared[[]string](),
		Image:  SetTo(&mls.Image{Hash: []byte{1}}),
	}.apply(data, []identity.PublicKey{a, b})
	if len(out.Admins) != 1 || out.Admins[0] != b {
		t.Errorf("Unexpected admins: %v", out.Admins)
	}
	if len(out.Relays) != 0 {
		t.Errorf("Relays not cleared: %v", out.Relays)
	}
	if out.Image == nil || out.Image.Hash[0] != 1 {
		t.Errorf("Image not set.")
	}
	if data.Admins[0] != a {
		t.Errorf("Update modified the original data.")
	}
}
