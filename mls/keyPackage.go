////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package mls

import (
	"encoding/base64"
	"encoding/json"

	"golang.org/x/crypto/blake2b"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
)

// Ref returns the identifier welcomes use to name the key package.
func (kp KeyPackage) Ref() string {
	data, err := json.Marshal(kp)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return identity.EncodeHex(sum[:])
}

// Validate checks that the init key can receive welcomes.
func (kp KeyPackage) Validate() error {
	if kp.Owner.IsZero() {
		return errs.New(errs.InvalidKey, "key package has no owner")
	}
	if err := validatePublicKey(kp.InitKey); err != nil {
		return errs.Wrap(errs.InvalidKey, err,
			"key package of %s has a bad init key", kp.Owner)
	}
	return nil
}

// EncodeKeyPackage renders a key package as event content.
func EncodeKeyPackage(kp KeyPackage) string {
	return encodeContent(kp)
}

// DecodeKeyPackage parses and validates key package event content.
func DecodeKeyPackage(content string) (KeyPackage, error) {
	var kp KeyPackage
	if err := decodeContent(content, &kp); err != nil {
		return KeyPackage{}, err
	}
	return kp, kp.Validate()
}

// EncodeWelcome renders a welcome as event content.
func EncodeWelcome(w *Welcome) string {
	return encodeContent(w)
}

// DecodeWelcome parses welcome event content.
func DecodeWelcome(content string) (*Welcome, error) {
	w := &Welcome{}
	return w, decodeContent(content, w)
}

// EncodeEnvelope renders an envelope as event content.
func EncodeEnvelope(env *Envelope) string {
	return encodeContent(env)
}

// DecodeEnvelope parses envelope event content.
func DecodeEnvelope(content string) (*Envelope, error) {
	env := &Envelope{}
	return env, decodeContent(content, env)
}

func encodeContent(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func decodeContent(content string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return errs.Wrap(errs.InvalidEncoding, err, "content is not base64")
	}
	if err = json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.InvalidEncoding, err, "malformed content")
	}
	return nil
}
