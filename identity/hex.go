////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package identity

import (
	"encoding/hex"

	"gitlab.com/elixxir/whitenoise/errs"
)

// EncodeHex renders a binary identifier as lowercase hexadecimal.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex parses a hexadecimal identifier. Odd-length or non-hex input
// returns an InvalidEncoding error.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errs.New(errs.InvalidEncoding,
			"hex string has odd length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidEncoding, err, "invalid hex string")
	}
	return b, nil
}
