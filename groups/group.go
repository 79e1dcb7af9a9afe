////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groups

import (
	"time"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
)

// Group is the application view of a group an account belongs to.
type Group struct {
	MlsGroupID    mls.GroupID          `json:"mlsGroupId"`
	NostrGroupID  mls.NostrGroupID     `json:"nostrGroupId"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Image         *mls.Image           `json:"image,omitempty"`
	Admins        []identity.PublicKey `json:"admins"`
	Relays        []string             `json:"relays"`
	Epoch         uint64               `json:"epoch"`
	State         GroupState           `json:"state"`
	Kind          GroupKind            `json:"kind"`
	LastMessageID string               `json:"lastMessageId,omitempty"`
	LastMessageAt time.Time            `json:"lastMessageAt"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// DeepCopy returns a copy that shares no memory.
func (g Group) DeepCopy() Group {
	g.Admins = append([]identity.PublicKey(nil), g.Admins...)
	g.Relays = append([]string(nil), g.Relays...)
	if g.Image != nil {
		img := *g.Image
		g.Image = &img
	}
	return g
}

// IsAdmin reports whether pk is an admin as of the local epoch.
func (g Group) IsAdmin(pk identity.PublicKey) bool {
	return identity.Contains(g.Admins, pk)
}

// sync copies the agreed state of the epoch into the group.
func (g *Group) sync(state mls.GroupState) {
	g.NostrGroupID = state.Data.NostrGroupID
	g.Name = state.Data.Name
	g.Description = state.Data.Description
	g.Image = state.Data.DeepCopy().Image
	g.Admins = append([]identity.PublicKey(nil), state.Data.Admins...)
	g.Relays = append([]string(nil), state.Data.Relays...)
	g.Epoch = state.Epoch
	if state.Data.DirectMessage {
		g.Kind = KindDirectMessage
	} else {
		g.Kind = KindGroup
	}
}

func newGroup(state mls.GroupState, status GroupState, now time.Time) Group {
	g := Group{MlsGroupID: state.GroupID, State: status, CreatedAt: now,
		UpdatedAt: now}
	g.sync(state)
	return g
}
