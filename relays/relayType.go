////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package relays

import (
	"strconv"

	"gitlab.com/elixxir/whitenoise/protocol"
)

// Type is the purpose a relay is listed for.
type Type uint8

const (
	// Nip65 relays are the general purpose read/write relays.
	Nip65 Type = iota
	// Inbox relays receive welcomes and other messages addressed to the user.
	Inbox
	// KeyPackage relays hold the user's published key packages.
	KeyPackage
)

// AllTypes lists every relay type.
var AllTypes = []Type{Nip65, Inbox, KeyPackage}

// String returns a human readable version of the type for logging.
func (t Type) String() string {
	switch t {
	case Nip65:
		return "Nip65"
	case Inbox:
		return "Inbox"
	case KeyPackage:
		return "KeyPackage"
	default:
		return "INVALID RELAY TYPE: " + strconv.Itoa(int(t))
	}
}

// Kind returns the replaceable event kind that publishes the list.
func (t Type) Kind() int {
	switch t {
	case Nip65:
		return protocol.KindRelayList
	case Inbox:
		return protocol.KindInboxRelays
	case KeyPackage:
		return protocol.KindKeyPackageRelays
	default:
		return -1
	}
}

// TypeFromKind returns the relay type published by an event kind.
func TypeFromKind(kind int) (Type, bool) {
	switch kind {
	case protocol.KindRelayList:
		return Nip65, true
	case protocol.KindInboxRelays:
		return Inbox, true
	case protocol.KindKeyPackageRelays:
		return KeyPackage, true
	default:
		return 0, false
	}
}

// TagName returns the tag relay lists of this type use for entries.
func (t Type) TagName() string {
	if t == Nip65 {
		return protocol.TagRelayRef
	}
	return protocol.TagRelay
}

// ParseType parses the String form of a type.
func ParseType(s string) (Type, bool) {
	for _, t := range AllTypes {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}
