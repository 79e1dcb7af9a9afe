////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package versioned wraps an ekv.KeyValue with key prefixes and versioned
// records. Every store in the module writes through a KV.
package versioned

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/elixxir/whitenoise/identity"
)

// PrefixSeparator joins nested prefixes.
const PrefixSeparator = "/"

// MakeAccountPrefix creates the prefix under which all state owned by an
// account lives.
func MakeAccountPrefix(pk identity.PublicKey) string {
	return fmt.Sprintf("Account:%s", pk.Hex())
}

type root struct {
	data ekv.KeyValue
}

// KV stores versioned data under a prefix.
type KV struct {
	r      *root
	prefix string
}

// NewKV creates a versioned key/value store backed by something implementing
// KeyValue.
func NewKV(data ekv.KeyValue) *KV {
	return &KV{r: &root{data: data}}
}

// Get returns the object stored at key and version. Check the error with
// Exists to distinguish a missing key from a failure.
func (v *KV) Get(key string, version uint64) (*Object, error) {
	key = v.makeKey(key, version)
	result := Object{}
	if err := v.r.data.Get(key, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Set upserts the object. The version of the object is part of the key.
func (v *KV) Set(key string, object *Object) error {
	key = v.makeKey(key, object.Version)
	jww.TRACE.Printf("set %p with key %v", v.r.data, key)
	return v.r.data.Set(key, object)
}

// Delete removes the key at the given version. Deleting a missing key is not
// an error.
func (v *KV) Delete(key string, version uint64) error {
	key = v.makeKey(key, version)
	jww.TRACE.Printf("delete %p with key %v", v.r.data, key)
	err := v.r.data.Delete(key)
	if err != nil && !ekv.Exists(err) {
		return nil
	}
	return err
}

// SetJSON marshals value to JSON and stores it at key.
func (v *KV) SetJSON(key string, version uint64, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", key)
	}
	return v.Set(key, NewObject(version, data))
}

// GetJSON loads the JSON stored at key into value. Returns the raw KV error
// when the key is missing so callers can check it with Exists.
func (v *KV) GetJSON(key string, version uint64, value interface{}) error {
	obj, err := v.Get(key, version)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(obj.Data, value); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s", key)
	}
	return nil
}

// GetPrefix returns the prefix of the KV.
func (v *KV) GetPrefix() string {
	return v.prefix
}

// Prefix returns a new KV with the prefix appended.
func (v *KV) Prefix(prefix string) *KV {
	return &KV{
		r:      v.r,
		prefix: v.prefix + prefix + PrefixSeparator,
	}
}

// IsMemStore reports whether the KV is backed by an in-memory store.
func (v *KV) IsMemStore() bool {
	_, success := v.r.data.(*ekv.Memstore)
	return success
}

// GetFullKey returns the key with all prefixes appended.
func (v *KV) GetFullKey(key string, version uint64) string {
	return v.makeKey(key, version)
}

func (v *KV) makeKey(key string, version uint64) string {
	return fmt.Sprintf("%s%s_%d", v.prefix, key, version)
}

// Exists returns false if the error indicates the element doesn't exist.
func (v *KV) Exists(err error) bool {
	return ekv.Exists(err)
}
