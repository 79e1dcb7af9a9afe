////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groups

import (
	"bytes"
	"sort"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

// Storage values.
const (
	groupStoragePrefix  = "GroupStore"
	groupListStorageKey = "GroupList"
	groupListVersion    = 0
	groupKeyPrefix      = "Group:"
	groupVersion        = 0
)

// Error messages.
const (
	groupLoadErr      = "failed to load group %d/%d"
	groupSaveErr      = "failed to save group %s"
	groupListSaveErr  = "failed to save group list"
	groupNotFoundErr  = "no group %s for %s"
	groupInactiveErr  = "group %s is %s and cannot become %s"
	saveListRemoveErr = "failed to save group list after removing group %s"
)

// store keeps the groups of one account in memory and in the KV.
type store struct {
	account identity.PublicKey
	list    map[mls.GroupID]Group
	kv      *versioned.KV
	mux     sync.RWMutex
}

// newOrLoadStore loads the groups of the account or starts an empty store.
func newOrLoadStore(kv *versioned.KV, account identity.PublicKey) (*store, error) {
	s := &store{
		account: account,
		list:    make(map[mls.GroupID]Group),
		kv:      kv.Prefix(groupStoragePrefix),
	}

	obj, err := s.kv.Get(groupListStorageKey, groupListVersion)
	if err != nil && !s.kv.Exists(err) {
		return s, nil
	} else if err != nil {
		return nil, errs.StorageErr(err, "failed to load group list of %s", account)
	}

	ids := deserializeGroupIdList(obj.Data)
	for i, id := range ids {
		var g Group
		if err = s.kv.GetJSON(groupKeyPrefix+id.Hex(), groupVersion, &g); err != nil {
			return nil, errs.StorageErr(err, groupLoadErr, i, len(ids))
		}
		s.list[id] = g
	}
	return s, nil
}

func (s *store) saveGroupList() error {
	obj := versioned.NewObject(groupListVersion, serializeGroupIdList(s.list))
	if err := s.kv.Set(groupListStorageKey, obj); err != nil {
		return errs.StorageErr(err, groupListSaveErr)
	}
	return nil
}

func (s *store) saveGroup(g Group) error {
	if err := s.kv.SetJSON(groupKeyPrefix+g.MlsGroupID.Hex(), groupVersion, g); err != nil {
		return errs.StorageErr(err, groupSaveErr, g.MlsGroupID)
	}
	return nil
}

// serializeGroupIdList concatenates the group ids in sorted order.
func serializeGroupIdList(list map[mls.GroupID]Group) []byte {
	ids := make([]mls.GroupID, 0, len(list))
	for id := range list {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	buff := bytes.NewBuffer(nil)
	buff.Grow(mls.IDLen * len(ids))
	for _, id := range ids {
		buff.Write(id[:])
	}
	return buff.Bytes()
}

// deserializeGroupIdList splits data into group ids.
func deserializeGroupIdList(data []byte) []mls.GroupID {
	ids := make([]mls.GroupID, 0, len(data)/mls.IDLen)
	buff := bytes.NewBuffer(data)
	for n := buff.Next(mls.IDLen); len(n) == mls.IDLen; n = buff.Next(mls.IDLen) {
		var id mls.GroupID
		copy(id[:], n)
		ids = append(ids, id)
	}
	return ids
}

// add stores a new group, replacing an earlier record with the same id.
func (s *store) add(g Group) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	_, existed := s.list[g.MlsGroupID]
	if err := s.saveGroup(g); err != nil {
		return err
	}
	s.list[g.MlsGroupID] = g.DeepCopy()
	if !existed {
		return s.saveGroupList()
	}
	return nil
}

// get returns a copy of the group.
func (s *store) get(id mls.GroupID) (Group, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	g, exists := s.list[id]
	if !exists {
		return Group{}, errs.New(errs.GroupNotFound, groupNotFoundErr, id, s.account)
	}
	return g.DeepCopy(), nil
}

// all returns every group, most recently active first.
func (s *store) all() []Group {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]Group, 0, len(s.list))
	for _, g := range s.list {
		out = append(out, g.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return bytes.Compare(a.MlsGroupID[:], b.MlsGroupID[:]) < 0
	})
	return out
}

// update runs fn on the stored group and saves the result.
func (s *store) update(id mls.GroupID, fn func(g *Group) error) (Group, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	g, exists := s.list[id]
	if !exists {
		return Group{}, errs.New(errs.GroupNotFound, groupNotFoundErr, id, s.account)
	}
	g = g.DeepCopy()
	if err := fn(&g); err != nil {
		return Group{}, err
	}
	g.UpdatedAt = netTime.Now()
	if err := s.saveGroup(g); err != nil {
		return Group{}, err
	}
	s.list[id] = g
	return g.DeepCopy(), nil
}

// remove deletes the group from memory and storage.
func (s *store) remove(id mls.GroupID) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, exists := s.list[id]; !exists {
		return nil
	}
	delete(s.list, id)
	if err := s.saveGroupList(); err != nil {
		return errs.StorageErr(err, saveListRemoveErr, id)
	}
	if err := s.kv.Delete(groupKeyPrefix+id.Hex(), groupVersion); err != nil {
		return errs.StorageErr(err, "failed to delete group %s", id)
	}
	return nil
}

// transition moves g to next, refusing moves out of a terminal state.
func transition(g *Group, next GroupState) error {
	if g.State == next {
		return nil
	}
	if !g.State.CanTransition(next) {
		return errs.New(errs.GroupInactive, groupInactiveErr, g.MlsGroupID, g.State, next)
	}
	jww.DEBUG.Printf("[GRP] Group %s moved from %s to %s", g.MlsGroupID, g.State, next)
	g.State = next
	return nil
}
