////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groups

import (
	jww "github.com/spf13/jwalterweatherman"
)

// GroupState is the lifecycle state of a group.
type GroupState uint8

const (
	// Pending groups have a create commit that was not yet applied locally.
	Pending GroupState = iota
	// Active groups can send and receive.
	Active
	// Inactive groups were left or removed. Terminal.
	Inactive
)

// String returns a human readable version of the state for logging.
func (s GroupState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Active:
		return "Active"
	case Inactive:
		return "Inactive"
	default:
		return "INVALID GROUP STATE"
	}
}

// CanTransition reports whether a group in s may move to next.
func (s GroupState) CanTransition(next GroupState) bool {
	switch s {
	case Pending:
		return next == Active || next == Inactive
	case Active:
		return next == Inactive
	case Inactive:
		return false
	default:
		jww.FATAL.Panicf("[GRP] Unknown group state %d", s)
	}
	return false
}

// GroupKind distinguishes direct messages from regular groups.
type GroupKind uint8

const (
	KindGroup GroupKind = iota
	// Exactly two members for the lifetime of the group
	KindDirectMessage
)

// String returns a human readable version of the kind for logging.
func (k GroupKind) String() string {
	switch k {
	case KindGroup:
		return "Group"
	case KindDirectMessage:
		return "DirectMessage"
	default:
		return "INVALID GROUP KIND"
	}
}

// ParseKind parses the output of String.
func ParseKind(s string) (GroupKind, bool) {
	switch s {
	case "Group", "group":
		return KindGroup, true
	case "DirectMessage", "dm", "direct":
		return KindDirectMessage, true
	default:
		return 0, false
	}
}
