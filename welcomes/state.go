////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package welcomes

import (
	jww "github.com/spf13/jwalterweatherman"
)

// WelcomeState is the resolution of a welcome.
type WelcomeState uint8

const (
	Pending WelcomeState = iota
	Accepted
	Declined
	Ignored
)

// String returns a human readable version of the state for logging.
func (s WelcomeState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Accepted:
		return "Accepted"
	case Declined:
		return "Declined"
	case Ignored:
		return "Ignored"
	default:
		return "INVALID WELCOME STATE"
	}
}

// IsTerminal reports whether the state can no longer change.
func (s WelcomeState) IsTerminal() bool {
	switch s {
	case Pending:
		return false
	case Accepted, Declined, Ignored:
		return true
	default:
		jww.FATAL.Panicf("[WEL] Unknown welcome state %d", s)
	}
	return true
}
