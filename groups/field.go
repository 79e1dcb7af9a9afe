////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groups

import (
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/relays"
)

// FieldOp is what an update does to one field.
type FieldOp uint8

const (
	Unchanged FieldOp = iota
	Clear
	Set
)

// Field is one field of a partial update. The zero value leaves the field
// unchanged.
type Field[T any] struct {
	op    FieldOp
	value T
}

// Keep returns a field that leaves the value unchanged.
func Keep[T any]() Field[T] { return Field[T]{} }

// Cleared returns a field that resets the value to empty.
func Cleared[T any]() Field[T] { return Field[T]{op: Clear} }

// SetTo returns a field that replaces the value.
func SetTo[T any](v T) Field[T] { return Field[T]{op: Set, value: v} }

// Op returns the operation of the field.
func (f Field[T]) Op() FieldOp { return f.op }

// Value returns the new value and true for a Set field.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.op == Set
}

// Apply returns the value after the update.
func (f Field[T]) Apply(cur T) T {
	switch f.op {
	case Unchanged:
		return cur
	case Clear:
		var zero T
		return zero
	case Set:
		return f.value
	default:
		jww.FATAL.Panicf("[GRP] Unknown field operation %d", f.op)
	}
	return cur
}

// GroupDataUpdate is a partial update of the group data. Malformed relay URLs
// and admin keys are dropped from the new value.
type GroupDataUpdate struct {
	Name        Field[string]
	Description Field[string]
	Image       Field[*mls.Image]
	Relays      Field[[]string]
	Admins      Field[[]string]
}

// IsEmpty reports whether the update changes nothing.
func (u GroupDataUpdate) IsEmpty() bool {
	return u.Name.op == Unchanged && u.Description.op == Unchanged &&
		u.Image.op == Unchanged && u.Relays.op == Unchanged &&
		u.Admins.op == Unchanged
}

// apply returns data with the update applied. Admins that are not members
// after the update are dropped.
func (u GroupDataUpdate) apply(data mls.GroupData, members []identity.PublicKey) mls.GroupData {
	out := data.DeepCopy()
	out.Name = u.Name.Apply(out.Name)
	out.Description = u.Description.Apply(out.Description)
	out.Image = u.Image.Apply(out.Image)

	if u.Relays.op != Unchanged {
		out.Relays = relays.Strings(relays.ParseURLs(u.Relays.Apply(nil)))
	}

	if u.Admins.op != Unchanged {
		var admins []identity.PublicKey
		for _, raw := range u.Admins.Apply(nil) {
			pk, err := identity.ParsePublicKey(raw)
			if err != nil {
				jww.DEBUG.Printf("[GRP] Dropping malformed admin %q", raw)
				continue
			}
			if identity.Contains(members, pk) {
				admins = append(admins, pk)
			}
		}
		out.Admins = identity.Dedupe(admins)
	}
	return out
}
