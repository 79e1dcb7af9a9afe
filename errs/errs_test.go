////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package errs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Every code must be registered with a kind.
func TestCode_Kind_AllRegistered(t *testing.T) {
	for c := Unknown; c <= StorageFailure; c++ {
		if _, exists := codeInfo[c]; !exists {
			t.Errorf("Code %d has no registered kind.", c)
		}
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	err := New(NotAdmin, "account %s is not an admin", "abc")
	wrapped := errors.WithMessage(err, "failed to add members")

	require.Equal(t, NotAdmin, CodeOf(wrapped))
	require.Equal(t, Membership, KindOf(wrapped))
	require.True(t, Is(wrapped, NotAdmin))
	require.False(t, Is(wrapped, UnknownMember))
	require.Contains(t, wrapped.Error(), "NotAdmin: account abc is not an admin")
}

func TestAsOther(t *testing.T) {
	base := errors.New("disk on fire")
	err := AsOther(base)
	require.Equal(t, Other, KindOf(err))
	require.Contains(t, err.Error(), "disk on fire")

	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, "disk on fire", e.Message())

	classified := New(WelcomeNotFound, "missing")
	require.Equal(t, classified, AsOther(classified))
	require.Nil(t, AsOther(nil))
}

func TestStorageErr(t *testing.T) {
	err := StorageErr(errors.New("io"), "failed to save %s", "group")
	require.Equal(t, Storage, KindOf(err))
	require.Equal(t, "StorageError", KindOf(err).String())
	require.Nil(t, Wrap(StorageFailure, nil, "unused"))
}

func TestKindOf_Unclassified(t *testing.T) {
	require.Equal(t, Other, KindOf(errors.New("plain")))
	require.False(t, Is(nil, Unknown))
}
