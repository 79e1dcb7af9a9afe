////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package identity contains the public key and key pair types used to address
// accounts and users, and their hex and npub encodings.
package identity

import (
	"bytes"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/whitenoise/errs"
)

// PublicKeyLen is the length of an x-only secp256k1 public key.
const PublicKeyLen = 32

const npubPrefix = "npub"

// PublicKey identifies an account or user.
type PublicKey [PublicKeyLen]byte

// PublicKeyFromHex parses a 64 character hex public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKeyFromBytes(b)
}

// PublicKeyFromBytes copies a 32-byte slice into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeyLen {
		return pk, errs.New(errs.InvalidKey,
			"public key must be %d bytes, received %d", PublicKeyLen, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// PublicKeyFromNpub parses a bech32 "npub" public key.
func PublicKeyFromNpub(s string) (PublicKey, error) {
	prefix, value, err := nip19.Decode(s)
	if err != nil {
		return PublicKey{}, errs.Wrap(errs.InvalidEncoding, err,
			"failed to decode npub")
	}
	if prefix != npubPrefix {
		return PublicKey{}, errs.New(errs.InvalidKey,
			"expected %s entity, received %s", npubPrefix, prefix)
	}
	hexKey, ok := value.(string)
	if !ok {
		return PublicKey{}, errs.New(errs.InvalidKey,
			"unexpected npub payload %T", value)
	}
	return PublicKeyFromHex(hexKey)
}

// ParsePublicKey accepts either the hex or the npub form of a public key.
func ParsePublicKey(s string) (PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, npubPrefix+"1") {
		return PublicKeyFromNpub(s)
	}
	return PublicKeyFromHex(s)
}

// Hex returns the lowercase hex form of the key.
func (pk PublicKey) Hex() string {
	return EncodeHex(pk[:])
}

// String implements fmt.Stringer.
func (pk PublicKey) String() string {
	return pk.Hex()
}

// Npub returns the bech32 form of the key.
func (pk PublicKey) Npub() string {
	npub, err := nip19.EncodePublicKey(pk.Hex())
	if err != nil {
		// A 32-byte value always encodes.
		jww.FATAL.Panicf("failed to encode %s as npub: %+v", pk.Hex(), err)
	}
	return npub
}

// Bytes returns a copy of the key bytes.
func (pk PublicKey) Bytes() []byte {
	return append([]byte(nil), pk[:]...)
}

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// Cmp orders keys bytewise.
func (pk PublicKey) Cmp(other PublicKey) int {
	return bytes.Compare(pk[:], other[:])
}

// MarshalText stores the key as hex.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.Hex()), nil
}

// UnmarshalText loads a hex key.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := PublicKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// NpubFromHex converts a hex public key to its npub form.
func NpubFromHex(hexKey string) (string, error) {
	pk, err := PublicKeyFromHex(hexKey)
	if err != nil {
		return "", err
	}
	return pk.Npub(), nil
}

// HexFromNpub converts an npub to its hex form.
func HexFromNpub(npub string) (string, error) {
	pk, err := PublicKeyFromNpub(npub)
	if err != nil {
		return "", err
	}
	return pk.Hex(), nil
}

// Contains reports whether pk is in list.
func Contains(list []PublicKey, pk PublicKey) bool {
	for _, k := range list {
		if k == pk {
			return true
		}
	}
	return false
}

// Dedupe returns list without repeated keys, keeping first occurrences.
func Dedupe(list []PublicKey) []PublicKey {
	seen := make(map[PublicKey]struct{}, len(list))
	out := make([]PublicKey, 0, len(list))
	for _, k := range list {
		if _, exists := seen[k]; exists {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// HexList renders keys as hex strings.
func HexList(list []PublicKey) []string {
	out := make([]string, len(list))
	for i, k := range list {
		out[i] = k.Hex()
	}
	return out
}
