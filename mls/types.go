////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package mls

import (
	"encoding/hex"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
)

// IDLen is the length of group identifiers.
const IDLen = 32

// GroupID is the local MLS group identifier.
type GroupID [IDLen]byte

// NostrGroupID is the identifier carried in the h tag of group events.
type NostrGroupID [IDLen]byte

// Hex returns the lowercase hex form of the id.
func (id GroupID) Hex() string { return hex.EncodeToString(id[:]) }

// String implements fmt.Stringer.
func (id GroupID) String() string { return id.Hex() }

// MarshalText stores the id as hex.
func (id GroupID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

// UnmarshalText loads a hex id.
func (id *GroupID) UnmarshalText(text []byte) error {
	return decodeID(string(text), id[:])
}

// GroupIDFromHex parses a hex group id.
func GroupIDFromHex(s string) (GroupID, error) {
	var id GroupID
	return id, decodeID(s, id[:])
}

// Hex returns the lowercase hex form of the id.
func (id NostrGroupID) Hex() string { return hex.EncodeToString(id[:]) }

// String implements fmt.Stringer.
func (id NostrGroupID) String() string { return id.Hex() }

// MarshalText stores the id as hex.
func (id NostrGroupID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

// UnmarshalText loads a hex id.
func (id *NostrGroupID) UnmarshalText(text []byte) error {
	return decodeID(string(text), id[:])
}

// NostrGroupIDFromHex parses a hex nostr group id.
func NostrGroupIDFromHex(s string) (NostrGroupID, error) {
	var id NostrGroupID
	return id, decodeID(s, id[:])
}

func decodeID(s string, dst []byte) error {
	b, err := identity.DecodeHex(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return errs.New(errs.InvalidEncoding,
			"group id must be %d bytes, received %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// Image references an encrypted image blob.
type Image struct {
	Hash  []byte `json:"hash"`
	Key   []byte `json:"key"`
	Nonce []byte `json:"nonce"`
}

// GroupData is the application data agreed on by the group at an epoch.
type GroupData struct {
	NostrGroupID  NostrGroupID         `json:"nostrGroupId"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Admins        []identity.PublicKey `json:"admins"`
	Relays        []string             `json:"relays"`
	Image         *Image               `json:"image,omitempty"`
	DirectMessage bool                 `json:"directMessage"`
}

// DeepCopy returns a copy that shares no memory.
func (d GroupData) DeepCopy() GroupData {
	d.Admins = append([]identity.PublicKey(nil), d.Admins...)
	d.Relays = append([]string(nil), d.Relays...)
	if d.Image != nil {
		img := Image{
			Hash:  append([]byte(nil), d.Image.Hash...),
			Key:   append([]byte(nil), d.Image.Key...),
			Nonce: append([]byte(nil), d.Image.Nonce...),
		}
		d.Image = &img
	}
	return d
}

// IsAdmin reports whether pk is an admin.
func (d GroupData) IsAdmin(pk identity.PublicKey) bool {
	return identity.Contains(d.Admins, pk)
}

// Member is a leaf of the group.
type Member struct {
	PubKey identity.PublicKey `json:"pubkey"`
	// HPKE public key commit secrets are sealed to
	LeafKey []byte `json:"leafKey"`
}

// GroupState is the group as of one epoch.
type GroupState struct {
	GroupID GroupID   `json:"groupId"`
	Epoch   uint64    `json:"epoch"`
	Members []Member  `json:"members"`
	Data    GroupData `json:"data"`

	// Set once the local member was removed. No further commits apply.
	Removed bool `json:"removed"`
}

// DeepCopy returns a copy that shares no memory.
func (s GroupState) DeepCopy() GroupState {
	members := make([]Member, len(s.Members))
	for i, m := range s.Members {
		members[i] = Member{PubKey: m.PubKey,
			LeafKey: append([]byte(nil), m.LeafKey...)}
	}
	s.Members = members
	s.Data = s.Data.DeepCopy()
	return s
}

// MemberKeys returns the public keys of the members in leaf order.
func (s GroupState) MemberKeys() []identity.PublicKey {
	out := make([]identity.PublicKey, len(s.Members))
	for i, m := range s.Members {
		out[i] = m.PubKey
	}
	return out
}

// IsMember reports whether pk is a member at this epoch.
func (s GroupState) IsMember(pk identity.PublicKey) bool {
	for _, m := range s.Members {
		if m.PubKey == pk {
			return true
		}
	}
	return false
}

// KeyPackage lets its owner be added to groups. The private half of the init
// key stays with the owner.
type KeyPackage struct {
	Owner       identity.PublicKey `json:"owner"`
	InitKey     []byte             `json:"initKey"`
	Ciphersuite string             `json:"ciphersuite"`
	CreatedAt   int64              `json:"createdAt"`
}

// Proposal is the set of changes a commit makes.
type Proposal struct {
	Add    []KeyPackage
	Remove []identity.PublicKey
	// Nil leaves the group data unchanged
	Data *GroupData
}

// SealedSecret is the commit secret sealed to one member's leaf key.
type SealedSecret struct {
	Member     identity.PublicKey `json:"member"`
	Enc        []byte             `json:"enc"`
	Ciphertext []byte             `json:"ciphertext"`
}

// Commit advances a group from Epoch to Epoch+1. When several commits are
// built for one epoch the one ordered first by Before wins.
type Commit struct {
	ID        string               `json:"id"`
	GroupID   GroupID              `json:"groupId"`
	Epoch     uint64               `json:"epoch"`
	CreatedAt int64                `json:"createdAt"`
	Committer identity.PublicKey   `json:"committer"`
	Add       []KeyPackage         `json:"add,omitempty"`
	Remove    []identity.PublicKey `json:"remove,omitempty"`
	Data      *GroupData           `json:"data,omitempty"`
	Secrets   []SealedSecret       `json:"secrets"`
}

// Before reports whether the commit wins over a rival for the same epoch
// created at the given time with the given id.
func (c *Commit) Before(createdAt int64, id string) bool {
	if c.CreatedAt != createdAt {
		return c.CreatedAt < createdAt
	}
	return c.ID < id
}

// Welcome carries the group state to a new member, sealed to the init key of
// the key package used to add them.
type Welcome struct {
	KeyPackageRef string `json:"keyPackageRef"`
	Enc           []byte `json:"enc"`
	Ciphertext    []byte `json:"ciphertext"`
}

// GroupInfo is the plaintext of a Welcome.
type GroupInfo struct {
	State       GroupState         `json:"state"`
	EpochSecret []byte             `json:"epochSecret"`
	Welcomer    identity.PublicKey `json:"welcomer"`
}

// EnvelopeType says what an envelope carries.
type EnvelopeType uint8

const (
	CommitMessage EnvelopeType = iota + 1
	ApplicationMessage
)

// String returns a human readable version of the type for logging.
func (t EnvelopeType) String() string {
	switch t {
	case CommitMessage:
		return "Commit"
	case ApplicationMessage:
		return "Application"
	default:
		return "INVALID ENVELOPE TYPE"
	}
}

// Envelope is a message encrypted under the key of one epoch.
type Envelope struct {
	Epoch      uint64       `json:"epoch"`
	Type       EnvelopeType `json:"type"`
	Nonce      []byte       `json:"nonce"`
	Ciphertext []byte       `json:"ciphertext"`
}
