////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package errs holds the error taxonomy shared by every whitenoise component.
// Each error carries a Code identifying the exact condition and a Kind
// grouping codes for programmatic handling, separate from the human-readable
// message used for display.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the coarse category an error belongs to.
type Kind uint8

const (
	Other Kind = iota
	Identity
	Relay
	Membership
	Welcome
	Storage
)

// String returns the display name of the Kind.
func (k Kind) String() string {
	switch k {
	case Other:
		return "Other"
	case Identity:
		return "IdentityError"
	case Relay:
		return "RelayError"
	case Membership:
		return "MembershipError"
	case Welcome:
		return "WelcomeError"
	case Storage:
		return "StorageError"
	default:
		return fmt.Sprintf("INVALID KIND: %d", k)
	}
}

// Code identifies the precise failure.
type Code uint16

const (
	Unknown Code = iota

	// Identity
	InvalidEncoding
	InvalidKey
	AccountNotFound

	// Relay
	InvalidRelayUrl
	RelayUnreachable
	PublishError

	// Membership
	MissingKeyPackage
	NotAdmin
	UnknownMember
	AlreadyMember
	InvalidKindTransition
	GroupInactive
	GroupNotFound
	StaleEpoch
	FutureEpoch
	NoAdmins

	// Welcome
	AlreadyResolved
	WelcomeNotFound

	// Storage
	StorageFailure
)

var codeInfo = map[Code]struct {
	name string
	kind Kind
}{
	Unknown:               {"Unknown", Other},
	InvalidEncoding:       {"InvalidEncoding", Identity},
	InvalidKey:            {"InvalidKey", Identity},
	AccountNotFound:       {"AccountNotFound", Identity},
	InvalidRelayUrl:       {"InvalidRelayUrl", Relay},
	RelayUnreachable:      {"RelayUnreachable", Relay},
	PublishError:          {"PublishError", Relay},
	MissingKeyPackage:     {"MissingKeyPackage", Membership},
	NotAdmin:              {"NotAdmin", Membership},
	UnknownMember:         {"UnknownMember", Membership},
	AlreadyMember:         {"AlreadyMember", Membership},
	InvalidKindTransition: {"InvalidKindTransition", Membership},
	GroupInactive:         {"GroupInactive", Membership},
	GroupNotFound:         {"GroupNotFound", Membership},
	StaleEpoch:            {"StaleEpoch", Membership},
	FutureEpoch:           {"FutureEpoch", Membership},
	NoAdmins:              {"NoAdmins", Membership},
	AlreadyResolved:       {"AlreadyResolved", Welcome},
	WelcomeNotFound:       {"WelcomeNotFound", Welcome},
	StorageFailure:        {"StorageFailure", Storage},
}

// String returns the name of the Code.
func (c Code) String() string {
	if info, exists := codeInfo[c]; exists {
		return info.name
	}
	return fmt.Sprintf("INVALID CODE: %d", c)
}

// Kind returns the Kind the Code belongs to.
func (c Code) Kind() Kind {
	if info, exists := codeInfo[c]; exists {
		return info.kind
	}
	return Other
}

// Error is a classified whitenoise error.
type Error struct {
	code  Code
	msg   string
	cause error
}

// Error formats the error as "<Code>: <message>[: <cause>]".
func (e *Error) Error() string {
	s := e.code.String()
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

// Unwrap exposes the underlying failure, if any.
func (e *Error) Unwrap() error { return e.cause }

// Code returns the precise failure code.
func (e *Error) Code() Code { return e.code }

// Kind returns the coarse category.
func (e *Error) Kind() Kind { return e.code.Kind() }

// Message returns the display message without the code prefix.
func (e *Error) Message() string {
	if e.cause != nil {
		if e.msg == "" {
			return e.cause.Error()
		}
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

// New returns a new classified error with a stack trace attached.
func New(code Code, format string, args ...interface{}) error {
	return errors.WithStack(&Error{code: code, msg: fmt.Sprintf(format, args...)})
}

// Wrap classifies err under code. A nil err returns nil.
func Wrap(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(
		&Error{code: code, msg: fmt.Sprintf(format, args...), cause: err})
}

// StorageErr classifies a persistence failure. Storage failures are never
// swallowed by callers.
func StorageErr(err error, format string, args ...interface{}) error {
	return Wrap(StorageFailure, err, format, args...)
}

// AsOther wraps an unanticipated failure under the Other kind, preserving its
// message. Errors that are already classified are returned unchanged.
func AsOther(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return errors.WithStack(&Error{code: Unknown, cause: err})
}

// CodeOf returns the Code of the first classified error in err's chain, or
// Unknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Unknown
}

// KindOf returns the Kind of the first classified error in err's chain, or
// Other.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// Is reports whether err is classified under code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
