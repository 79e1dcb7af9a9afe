////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package emoji

import "testing"

func TestValidateReaction(t *testing.T) {
	testReactions := []string{
		"😂", "🤣", "👍", "😭", "🙏", "😘", "🥰", "😊", "🎉", "🔥",
		"A", "AA", "🎉🎉", "🎉A", "👍👍👍", "👍😘A", "",
	}

	expected := []error{
		nil, nil, nil, nil, nil, nil, nil, nil, nil, nil,
		InvalidReaction, InvalidReaction, InvalidReaction, InvalidReaction,
		InvalidReaction, InvalidReaction, InvalidReaction,
	}

	for i, r := range testReactions {
		err := ValidateReaction(r)
		if err != expected[i] {
			t.Errorf("Got incorrect response for %q (%d): "+
				"`%v` vs `%v`", r, i, err, expected[i])
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		content  string
		expected string
		valid    bool
	}{
		{"+", ThumbsUp, true},
		{"-", ThumbsDown, true},
		{" 🔥 ", "🔥", true},
		{":party_parrot:", ":party_parrot:", true},
		{":not a code:", "", false},
		{"hello", "", false},
		{"👍👎", "", false},
	}

	for i, tt := range tests {
		got, err := Normalize(tt.content)
		if tt.valid && err != nil {
			t.Errorf("Normalize(%q) returned an error (%d): %+v", tt.content, i, err)
		} else if !tt.valid && err == nil {
			t.Errorf("Normalize(%q) should have failed (%d).", tt.content, i)
		}
		if got != tt.expected {
			t.Errorf("Normalize(%q) (%d).\nexpected: %q\nreceived: %q",
				tt.content, i, tt.expected, got)
		}
	}
}
