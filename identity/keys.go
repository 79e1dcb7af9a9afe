////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package identity

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/pkg/errors"
	"gitlab.com/elixxir/whitenoise/errs"
)

const nsecPrefix = "nsec"

// Signer is the key-pair capability consumed by the rest of the module. Only
// the account that owns the private key can produce one.
type Signer interface {
	// PublicKey returns the key identifying the signer.
	PublicKey() PublicKey

	// Sign fills in the pubkey, id and signature of the event.
	Sign(ev *nostr.Event) error
}

// Keys is a secp256k1 key pair.
type Keys struct {
	secret string
	public PublicKey
}

// GenerateKeys creates a fresh key pair.
func GenerateKeys() (*Keys, error) {
	return KeysFromSecret(nostr.GeneratePrivateKey())
}

// KeysFromSecret loads a key pair from an nsec or a hex secret key.
func KeysFromSecret(secret string) (*Keys, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, nsecPrefix+"1") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidEncoding, err,
				"failed to decode nsec")
		}
		hexKey, ok := value.(string)
		if prefix != nsecPrefix || !ok {
			return nil, errs.New(errs.InvalidKey,
				"expected %s entity, received %s", nsecPrefix, prefix)
		}
		secret = hexKey
	}

	b, err := DecodeHex(secret)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errs.New(errs.InvalidKey,
			"secret key must be 32 bytes, received %d", len(b))
	}

	pubHex, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, "failed to derive public key")
	}
	pk, err := PublicKeyFromHex(pubHex)
	if err != nil {
		return nil, err
	}

	return &Keys{secret: strings.ToLower(secret), public: pk}, nil
}

// PublicKey returns the public half of the pair.
func (k *Keys) PublicKey() PublicKey {
	return k.public
}

// SecretHex returns the secret key as hex.
func (k *Keys) SecretHex() string {
	return k.secret
}

// Nsec returns the secret key in bech32 form.
func (k *Keys) Nsec() (string, error) {
	nsec, err := nip19.EncodePrivateKey(k.secret)
	if err != nil {
		return "", errors.WithMessage(err, "failed to encode nsec")
	}
	return nsec, nil
}

// Sign fills in the pubkey, id and signature of the event.
func (k *Keys) Sign(ev *nostr.Event) error {
	ev.PubKey = k.public.Hex()
	if err := ev.Sign(k.secret); err != nil {
		return errors.WithMessagef(err, "failed to sign event kind %d", ev.Kind)
	}
	return nil
}

// Verify checks that the event id and signature are valid for its pubkey.
func Verify(ev *nostr.Event) error {
	if ev.ID != ev.GetID() {
		return errs.New(errs.InvalidKey, "event id %s does not match content", ev.ID)
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return errs.Wrap(errs.InvalidKey, err, "failed to check signature of %s", ev.ID)
	}
	if !ok {
		return errs.New(errs.InvalidKey, "bad signature on event %s", ev.ID)
	}
	return nil
}

// Author returns the parsed pubkey of an event.
func Author(ev *nostr.Event) (PublicKey, error) {
	return PublicKeyFromHex(ev.PubKey)
}
