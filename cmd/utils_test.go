////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"bytes"
	"testing"

	"gitlab.com/elixxir/whitenoise/identity"
)

// Tests that every password form is decoded.
func Test_parsePassword(t *testing.T) {
	tests := []struct {
		in       string
		expected []byte
	}{
		{"hunter2", []byte("hunter2")},
		{"0x0102ff", []byte{1, 2, 0xff}},
		{"b64:AQL/", []byte{1, 2, 0xff}},
		{"", []byte{}},
	}
	for i, tt := range tests {
		received := parsePassword(tt.in)
		if !bytes.Equal(tt.expected, received) {
			t.Errorf("Unexpected password (%d).\nexpected: %v\nreceived: %v",
				i, tt.expected, received)
		}
	}
}

// Tests that hex and npub keys are accepted and blanks skipped.
func Test_parsePublicKeys(t *testing.T) {
	keys, err := identity.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys returned an error: %+v", err)
	}
	pk := keys.PublicKey()

	received := parsePublicKeys([]string{pk.Hex(), " ", " " + pk.Npub()})
	if len(received) != 2 || received[0] != pk || received[1] != pk {
		t.Errorf("Unexpected keys.\nexpected: [%s %s]\nreceived: %v", pk, pk, received)
	}
}
