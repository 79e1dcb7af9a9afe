////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package media

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/mls"
)

// Error messages.
const (
	hashMismatchErr = "attachment hash %x does not match content hash %x"
	decryptErr      = "failed to decrypt attachment %x"
)

// EncryptAttachment seals the plaintext under a fresh key. The returned image
// reference carries the hash of the ciphertext and what is needed to open it.
func EncryptAttachment(plaintext []byte, rng io.Reader) ([]byte, mls.Image, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rng, key); err != nil {
		return nil, mls.Image{}, errors.Wrap(err, "failed to generate attachment key")
	}
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, mls.Image{}, errors.Wrap(err, "failed to generate attachment nonce")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, mls.Image{}, errors.WithStack(err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	hash := sha256.Sum256(ciphertext)
	return ciphertext, mls.Image{Hash: hash[:], Key: key, Nonce: nonce}, nil
}

// DecryptAttachment checks the content hash and opens the ciphertext.
func DecryptAttachment(ciphertext []byte, img mls.Image) ([]byte, error) {
	hash := sha256.Sum256(ciphertext)
	if !bytes.Equal(hash[:], img.Hash) {
		return nil, errs.New(errs.InvalidKey, hashMismatchErr, img.Hash, hash)
	}
	aead, err := chacha20poly1305.NewX(img.Key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, decryptErr, img.Hash)
	}
	if len(img.Nonce) != aead.NonceSize() {
		return nil, errs.New(errs.InvalidKey, decryptErr, img.Hash)
	}
	plaintext, err := aead.Open(nil, img.Nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, decryptErr, img.Hash)
	}
	return plaintext, nil
}
