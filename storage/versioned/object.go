////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"encoding/json"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"
)

// Object wraps every value written to the KV with its schema version and the
// time it was written.
type Object struct {
	// Schema version of Data
	Version uint64

	// Set when this object is written
	Timestamp time.Time

	// Serialized record
	Data []byte
}

// NewObject wraps data at the given version, stamped with the current time.
func NewObject(version uint64, data []byte) *Object {
	return &Object{
		Version:   version,
		Timestamp: netTime.Now(),
		Data:      data,
	}
}

// Unmarshal deserializes an Object so it can be loaded from a KeyValue.
func (v *Object) Unmarshal(data []byte) error {
	return json.Unmarshal(data, v)
}

// Marshal serializes an Object so it can be stored in a KeyValue.
func (v *Object) Marshal() []byte {
	d, err := json.Marshal(v)
	if err != nil {
		jww.FATAL.Panicf("Could not marshal versioned object: %+v", err)
	}
	return d
}
