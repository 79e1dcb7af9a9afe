////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package mls

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretLen is the length of epoch, commit and message secrets.
const SecretLen = 32

// HPKE info strings.
var (
	welcomeInfo = []byte("whitenoise welcome")
	commitInfo  = []byte("whitenoise commit")
)

// Key schedule labels.
const (
	epochLabel   = "whitenoise epoch"
	messageLabel = "whitenoise message"
)

var suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256,
	hpke.AEAD_ChaCha20Poly1305)

func kemScheme() kem.Scheme {
	return hpke.KEM_X25519_HKDF_SHA256.Scheme()
}

// newLeafKeyPair derives an HPKE key pair from fresh randomness and returns
// both halves serialised.
func newLeafKeyPair(rng io.Reader) (pub, priv []byte, err error) {
	scheme := kemScheme()
	seed := make([]byte, scheme.SeedSize())
	if _, err = io.ReadFull(rng, seed); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to read key seed")
	}
	pk, sk := scheme.DeriveKeyPair(seed)
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to marshal public key")
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to marshal private key")
	}
	return pub, priv, nil
}

// validatePublicKey checks that b is a usable HPKE public key.
func validatePublicKey(b []byte) error {
	_, err := kemScheme().UnmarshalBinaryPublicKey(b)
	return err
}

// hpkeSeal encrypts plaintext to the serialised public key.
func hpkeSeal(pub, info, aad, plaintext []byte, rng io.Reader) (enc, ct []byte, err error) {
	pk, err := kemScheme().UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "invalid recipient key")
	}
	sender, err := suite.NewSender(pk, info)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	enc, sealer, err := sender.Setup(rng)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to set up sender")
	}
	ct, err = sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to seal")
	}
	return enc, ct, nil
}

// hpkeOpen decrypts a ciphertext sealed to the serialised private key.
func hpkeOpen(priv, info, aad, enc, ct []byte) ([]byte, error) {
	sk, err := kemScheme().UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid private key")
	}
	receiver, err := suite.NewReceiver(sk, info)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to set up receiver")
	}
	pt, err := opener.Open(ct, aad)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open")
	}
	return pt, nil
}

// groupContext binds derived values to one group and epoch.
func groupContext(label string, groupID GroupID, epoch uint64) []byte {
	out := make([]byte, 0, len(label)+IDLen+8)
	out = append(out, label...)
	out = append(out, groupID[:]...)
	return binary.BigEndian.AppendUint64(out, epoch)
}

func expand(secret, salt, info []byte) []byte {
	out := make([]byte, SecretLen)
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails after 255 blocks
		panic(err)
	}
	return out
}

// nextEpochSecret mixes the commit secret into the previous epoch secret.
func nextEpochSecret(prev, commitSecret []byte, groupID GroupID, epoch uint64) []byte {
	return expand(commitSecret, prev, groupContext(epochLabel, groupID, epoch))
}

// messageKey is the AEAD key for envelopes of one epoch.
func messageKey(epochSecret []byte, groupID GroupID, epoch uint64) []byte {
	return expand(epochSecret, nil, groupContext(messageLabel, groupID, epoch))
}

func envelopeAAD(groupID GroupID, epoch uint64, t EnvelopeType) []byte {
	aad := make([]byte, 0, IDLen+9)
	aad = append(aad, groupID[:]...)
	aad = binary.BigEndian.AppendUint64(aad, epoch)
	return append(aad, byte(t))
}

func sealEnvelope(epochSecret []byte, groupID GroupID, epoch uint64,
	t EnvelopeType, plaintext []byte, rng io.Reader) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(messageKey(epochSecret, groupID, epoch))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rng, nonce); err != nil {
		return nil, errors.WithMessage(err, "failed to read nonce")
	}
	return &Envelope{
		Epoch:      epoch,
		Type:       t,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, envelopeAAD(groupID, epoch, t)),
	}, nil
}

func openEnvelope(epochSecret []byte, groupID GroupID, env *Envelope) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(messageKey(epochSecret, groupID, env.Epoch))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, errors.Errorf("bad nonce length %d", len(env.Nonce))
	}
	return aead.Open(nil, env.Nonce, env.Ciphertext,
		envelopeAAD(groupID, env.Epoch, env.Type))
}
