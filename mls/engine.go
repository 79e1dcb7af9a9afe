////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package mls is a compact group key agreement layer. Every commit carries a
// fresh commit secret sealed with HPKE to each remaining member's leaf key;
// new members receive the group state and epoch secret in a welcome sealed to
// the init key of one of their key packages. Application messages are
// encrypted under a key derived from the epoch secret.
package mls

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/crypto/fastRNG"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/protocol"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

// MaxRetainedEpochs is how many past epoch secrets are kept so late messages
// can still be opened.
const MaxRetainedEpochs = 5

// Storage values.
const (
	mlsStoragePrefix   = "mls"
	groupListKey       = "GroupList"
	groupListVersion   = 0
	groupKeyPrefix     = "Group:"
	groupVersion       = 0
	keyPackagesKey     = "KeyPackages"
	keyPackagesVersion = 0
	commitIDLen        = 16
)

// Error messages.
const (
	groupNotFoundErr   = "no group %s"
	groupRemovedErr    = "removed from group %s"
	notAdminErr        = "%s is not an admin of group %s"
	alreadyMemberErr   = "%s is already a member of group %s"
	unknownMemberErr   = "%s is not a member of group %s"
	staleEpochErr      = "commit for epoch %d is older than group %s epoch %d"
	futureEpochErr     = "commit for epoch %d is ahead of group %s epoch %d"
	missingSecretErr   = "commit %s carries no secret for %s"
	noKeyPackageErr    = "no local key package %s"
	epochNotKeptErr    = "secret for epoch %d of group %s is no longer kept"
	noAdminsErr        = "group %s would be left without admins"
	directMessageErr   = "direct message %s has %d members instead of 2"
	saveGroupErr       = "failed to save group %s"
	saveGroupListErr   = "failed to save group list"
	saveKeyPackagesErr = "failed to save key packages"
)

type groupRecord struct {
	State      GroupState        `json:"state"`
	LeafPriv   []byte            `json:"leafPriv"`
	Secrets    map[uint64][]byte `json:"secrets"`
	LastCommit string            `json:"lastCommit"`

	// Ordering of the last applied commit and the state before it, kept so a
	// rival commit for the same epoch that wins can replace it.
	LastCommitAt int64       `json:"lastCommitAt"`
	Previous     *GroupState `json:"previous,omitempty"`

	// Ref of the key package the group was joined with
	JoinedWith string `json:"joinedWith,omitempty"`
}

func (r *groupRecord) secret() []byte {
	return r.Secrets[r.State.Epoch]
}

// prune drops secrets older than the retention window.
func (r *groupRecord) prune() {
	for epoch := range r.Secrets {
		if epoch+MaxRetainedEpochs <= r.State.Epoch {
			delete(r.Secrets, epoch)
		}
	}
}

type keyPackageRecord struct {
	KeyPackage KeyPackage `json:"keyPackage"`
	InitPriv   []byte     `json:"initPriv"`
}

// Engine holds the group and key package state of one account.
type Engine struct {
	self        identity.PublicKey
	groups      map[GroupID]*groupRecord
	keyPackages map[string]keyPackageRecord
	kv          *versioned.KV
	rng         *fastRNG.StreamGenerator
	mux         sync.RWMutex
}

// NewOrLoadEngine loads the state of the account from the KV or starts empty.
func NewOrLoadEngine(kv *versioned.KV, self identity.PublicKey,
	rng *fastRNG.StreamGenerator) (*Engine, error) {
	e := &Engine{
		self:        self,
		groups:      make(map[GroupID]*groupRecord),
		keyPackages: make(map[string]keyPackageRecord),
		kv:          kv.Prefix(mlsStoragePrefix),
		rng:         rng,
	}

	obj, err := e.kv.Get(groupListKey, groupListVersion)
	if err != nil && e.kv.Exists(err) {
		return nil, errs.StorageErr(err, "failed to load group list")
	} else if err == nil {
		for _, id := range deserializeGroupList(obj.Data) {
			rec := &groupRecord{}
			err = e.kv.GetJSON(groupKeyPrefix+id.Hex(), groupVersion, rec)
			if err != nil {
				return nil, errs.StorageErr(err, "failed to load group %s", id)
			}
			e.groups[id] = rec
		}
	}

	err = e.kv.GetJSON(keyPackagesKey, keyPackagesVersion, &e.keyPackages)
	if err != nil && e.kv.Exists(err) {
		return nil, errs.StorageErr(err, "failed to load key packages")
	}

	jww.DEBUG.Printf("[GRP] Loaded %d groups and %d key packages for %s",
		len(e.groups), len(e.keyPackages), self)
	return e, nil
}

// Self returns the account the engine belongs to.
func (e *Engine) Self() identity.PublicKey { return e.self }

/////////////////////////////////////////////////////////////////////////////
// Key packages

// CreateKeyPackage makes a key package and stores its private init key.
func (e *Engine) CreateKeyPackage() (KeyPackage, error) {
	rng := e.rng.GetStream()
	defer rng.Close()

	pub, priv, err := newLeafKeyPair(rng)
	if err != nil {
		return KeyPackage{}, err
	}
	kp := KeyPackage{
		Owner:       e.self,
		InitKey:     pub,
		Ciphersuite: protocol.Ciphersuite,
		CreatedAt:   netTime.Now().Unix(),
	}

	e.mux.Lock()
	defer e.mux.Unlock()
	e.keyPackages[kp.Ref()] = keyPackageRecord{KeyPackage: kp, InitPriv: priv}
	if err = e.saveKeyPackages(); err != nil {
		delete(e.keyPackages, kp.Ref())
		return KeyPackage{}, err
	}
	return kp, nil
}

// HasKeyPackage reports whether the private half of ref is held locally.
func (e *Engine) HasKeyPackage(ref string) bool {
	e.mux.RLock()
	defer e.mux.RUnlock()
	_, exists := e.keyPackages[ref]
	return exists
}

// KeyPackageRefs lists the refs of the locally held key packages.
func (e *Engine) KeyPackageRefs() []string {
	e.mux.RLock()
	defer e.mux.RUnlock()
	refs := make([]string, 0, len(e.keyPackages))
	for ref := range e.keyPackages {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// DeleteKeyPackage forgets the private init key of ref. Returns false if it
// was not held.
func (e *Engine) DeleteKeyPackage(ref string) (bool, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if _, exists := e.keyPackages[ref]; !exists {
		return false, nil
	}
	delete(e.keyPackages, ref)
	return true, e.saveKeyPackages()
}

func (e *Engine) saveKeyPackages() error {
	if err := e.kv.SetJSON(keyPackagesKey, keyPackagesVersion, e.keyPackages); err != nil {
		return errs.StorageErr(err, saveKeyPackagesErr)
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
// Groups

// CreateGroup starts a group at epoch 0 with the local account as its only
// member and an admin. Members are added by a following commit.
func (e *Engine) CreateGroup(data GroupData) (GroupState, error) {
	rng := e.rng.GetStream()
	defer rng.Close()

	var id GroupID
	if _, err := rng.Read(id[:]); err != nil {
		return GroupState{}, errors.WithMessage(err, "failed to generate group id")
	}
	secret := make([]byte, SecretLen)
	if _, err := rng.Read(secret); err != nil {
		return GroupState{}, errors.WithMessage(err, "failed to generate epoch secret")
	}
	pub, priv, err := newLeafKeyPair(rng)
	if err != nil {
		return GroupState{}, err
	}

	data = data.DeepCopy()
	if !data.IsAdmin(e.self) {
		data.Admins = append([]identity.PublicKey{e.self}, data.Admins...)
	}
	rec := &groupRecord{
		State: GroupState{
			GroupID: id,
			Members: []Member{{PubKey: e.self, LeafKey: pub}},
			Data:    data,
		},
		LeafPriv: priv,
		Secrets:  map[uint64][]byte{0: secret},
	}

	e.mux.Lock()
	defer e.mux.Unlock()
	e.groups[id] = rec
	if err = e.saveGroup(rec, true); err != nil {
		delete(e.groups, id)
		return GroupState{}, err
	}
	jww.INFO.Printf("[GRP] Created group %s for %s", id, e.self)
	return rec.State.DeepCopy(), nil
}

// Group returns the local view of the group.
func (e *Engine) Group(id GroupID) (GroupState, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	rec, exists := e.groups[id]
	if !exists {
		return GroupState{}, false
	}
	return rec.State.DeepCopy(), true
}

// GroupByNostrID finds the group carrying the given h tag value.
func (e *Engine) GroupByNostrID(nid NostrGroupID) (GroupState, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	for _, rec := range e.groups {
		if rec.State.Data.NostrGroupID == nid {
			return rec.State.DeepCopy(), true
		}
	}
	return GroupState{}, false
}

// Groups returns every group sorted by id.
func (e *Engine) Groups() []GroupState {
	e.mux.RLock()
	defer e.mux.RUnlock()
	out := make([]GroupState, 0, len(e.groups))
	for _, rec := range e.groups {
		out = append(out, rec.State.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].GroupID[:], out[j].GroupID[:]) < 0
	})
	return out
}

// DeleteGroup forgets all state of the group.
func (e *Engine) DeleteGroup(id GroupID) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if _, exists := e.groups[id]; !exists {
		return nil
	}
	delete(e.groups, id)
	if err := e.kv.Delete(groupKeyPrefix+id.Hex(), groupVersion); err != nil {
		return errs.StorageErr(err, "failed to delete group %s", id)
	}
	return e.saveGroupList()
}

// active returns the record of a group the local account still belongs to.
func (e *Engine) active(id GroupID) (*groupRecord, error) {
	rec, exists := e.groups[id]
	if !exists {
		return nil, errs.New(errs.GroupNotFound, groupNotFoundErr, id)
	}
	if rec.State.Removed {
		return nil, errs.New(errs.GroupInactive, groupRemovedErr, id)
	}
	return rec, nil
}

// nextState applies the changes of a commit to the current state. The
// committer must be an admin, added members must be new and removed members
// must exist.
func nextState(cur GroupState, committer identity.PublicKey,
	add []KeyPackage, remove []identity.PublicKey, data *GroupData) (GroupState, error) {
	if !cur.Data.IsAdmin(committer) || !cur.IsMember(committer) {
		return GroupState{}, errs.New(errs.NotAdmin, notAdminErr, committer, cur.GroupID)
	}

	removing := make(map[identity.PublicKey]struct{}, len(remove))
	for _, pk := range remove {
		if !cur.IsMember(pk) {
			return GroupState{}, errs.New(errs.UnknownMember, unknownMemberErr,
				pk, cur.GroupID)
		}
		removing[pk] = struct{}{}
	}

	next := cur.DeepCopy()
	next.Epoch = cur.Epoch + 1
	next.Members = next.Members[:0]
	for _, m := range cur.DeepCopy().Members {
		if _, gone := removing[m.PubKey]; !gone {
			next.Members = append(next.Members, m)
		}
	}

	for _, kp := range add {
		if err := kp.Validate(); err != nil {
			return GroupState{}, err
		}
		if next.IsMember(kp.Owner) {
			return GroupState{}, errs.New(errs.AlreadyMember, alreadyMemberErr,
				kp.Owner, cur.GroupID)
		}
		next.Members = append(next.Members, Member{PubKey: kp.Owner,
			LeafKey: append([]byte(nil), kp.InitKey...)})
	}

	if data != nil {
		next.Data = data.DeepCopy()
	}
	admins := next.Data.Admins[:0]
	for _, pk := range next.Data.Admins {
		if _, gone := removing[pk]; !gone {
			admins = append(admins, pk)
		}
	}
	next.Data.Admins = admins
	if len(admins) == 0 {
		return GroupState{}, errs.New(errs.NoAdmins, noAdminsErr, cur.GroupID)
	}
	if err := checkDirectMessage(next); err != nil {
		return GroupState{}, err
	}
	return next, nil
}

// checkDirectMessage holds direct messages to exactly two members.
func checkDirectMessage(state GroupState) error {
	if state.Data.DirectMessage && len(state.Members) != 2 {
		return errs.New(errs.InvalidKindTransition, directMessageErr,
			state.GroupID, len(state.Members))
	}
	return nil
}

// BuildCommit creates a commit advancing the group by one epoch and the
// welcomes for any added members. Nothing changes locally until the commit
// is applied with ApplyCommit.
func (e *Engine) BuildCommit(id GroupID, p Proposal) (*Commit, []Welcome, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	rec, err := e.active(id)
	if err != nil {
		return nil, nil, err
	}
	next, err := nextState(rec.State, e.self, p.Add, p.Remove, p.Data)
	if err != nil {
		return nil, nil, err
	}

	rng := e.rng.GetStream()
	defer rng.Close()

	commitID := make([]byte, commitIDLen)
	commitSecret := make([]byte, SecretLen)
	if _, err = rng.Read(commitID); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to generate commit id")
	}
	if _, err = rng.Read(commitSecret); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to generate commit secret")
	}

	c := &Commit{
		ID:        identity.EncodeHex(commitID),
		GroupID:   id,
		Epoch:     rec.State.Epoch,
		CreatedAt: netTime.Now().Unix(),
		Committer: e.self,
		Add:       p.Add,
		Remove:    p.Remove,
		Data:      p.Data,
	}

	aad := groupContext(string(commitInfo), id, next.Epoch)
	for _, m := range next.Members {
		if !rec.State.IsMember(m.PubKey) {
			continue
		}
		enc, ct, err := hpkeSeal(m.LeafKey, commitInfo, aad, commitSecret, rng)
		if err != nil {
			return nil, nil, errors.WithMessagef(err,
				"failed to seal commit secret to %s", m.PubKey)
		}
		c.Secrets = append(c.Secrets,
			SealedSecret{Member: m.PubKey, Enc: enc, Ciphertext: ct})
	}

	epochSecret := nextEpochSecret(rec.secret(), commitSecret, id, next.Epoch)
	welcomes := make([]Welcome, 0, len(p.Add))
	for _, kp := range p.Add {
		info, err := json.Marshal(GroupInfo{State: next, EpochSecret: epochSecret,
			Welcomer: e.self})
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		enc, ct, err := hpkeSeal(kp.InitKey, welcomeInfo, nil, info, rng)
		if err != nil {
			return nil, nil, errors.WithMessagef(err,
				"failed to seal welcome to %s", kp.Owner)
		}
		welcomes = append(welcomes,
			Welcome{KeyPackageRef: kp.Ref(), Enc: enc, Ciphertext: ct})
	}

	return c, welcomes, nil
}

// ApplyCommit moves the group to the epoch the commit produces. Commits built
// against an older epoch fail with StaleEpoch and ones built against a newer
// epoch with FutureEpoch, except a commit for the epoch of the last applied
// one that orders before it: the last commit is rolled back and the rival
// applied in its place. Applying the last applied commit again is a no-op.
func (e *Engine) ApplyCommit(c *Commit) (GroupState, error) {
	e.mux.Lock()
	defer e.mux.Unlock()

	rec, exists := e.groups[c.GroupID]
	if !exists {
		return GroupState{}, errs.New(errs.GroupNotFound, groupNotFoundErr, c.GroupID)
	}
	if c.ID != "" && c.ID == rec.LastCommit {
		return rec.State.DeepCopy(), nil
	}
	if rec.State.Removed {
		return GroupState{}, errs.New(errs.GroupInactive, groupRemovedErr, c.GroupID)
	}

	base := rec
	switch {
	case c.Epoch+1 == rec.State.Epoch && rec.Previous != nil &&
		c.Before(rec.LastCommitAt, rec.LastCommit):
		base = rec.rolledBack()
		jww.INFO.Printf("[GRP] Commit %s of group %s orders before applied commit "+
			"%s, replacing it at epoch %d", c.ID, c.GroupID, rec.LastCommit, c.Epoch)
	case c.Epoch < rec.State.Epoch:
		return GroupState{}, errs.New(errs.StaleEpoch, staleEpochErr,
			c.Epoch, c.GroupID, rec.State.Epoch)
	case c.Epoch > rec.State.Epoch:
		return GroupState{}, errs.New(errs.FutureEpoch, futureEpochErr,
			c.Epoch, c.GroupID, rec.State.Epoch)
	}

	updated, err := e.advance(base, c)
	if err != nil {
		return GroupState{}, err
	}
	if err = e.saveGroup(updated, false); err != nil {
		return GroupState{}, err
	}
	e.groups[c.GroupID] = updated
	jww.DEBUG.Printf("[GRP] Group %s advanced to epoch %d by %s",
		c.GroupID, updated.State.Epoch, c.Committer)
	return updated.State.DeepCopy(), nil
}

// CheckCommit reports whether the commit could be applied to the current
// epoch of the group, without applying it.
func (e *Engine) CheckCommit(c *Commit) error {
	e.mux.RLock()
	defer e.mux.RUnlock()
	rec, err := e.active(c.GroupID)
	if err != nil {
		return err
	}
	if c.Epoch != rec.State.Epoch {
		return errs.New(errs.StaleEpoch, staleEpochErr, c.Epoch, c.GroupID, rec.State.Epoch)
	}
	_, err = nextState(rec.State, c.Committer, c.Add, c.Remove, c.Data)
	return err
}

// rolledBack returns the record as it was before the last commit.
func (r *groupRecord) rolledBack() *groupRecord {
	prev := &groupRecord{
		State:      r.Previous.DeepCopy(),
		LeafPriv:   r.LeafPriv,
		Secrets:    make(map[uint64][]byte, len(r.Secrets)),
		JoinedWith: r.JoinedWith,
	}
	for epoch, s := range r.Secrets {
		if epoch != r.State.Epoch {
			prev.Secrets[epoch] = s
		}
	}
	return prev
}

// advance computes the record after applying the commit to rec.
func (e *Engine) advance(rec *groupRecord, c *Commit) (*groupRecord, error) {
	next, err := nextState(rec.State, c.Committer, c.Add, c.Remove, c.Data)
	if err != nil {
		return nil, err
	}

	prev := rec.State.DeepCopy()
	updated := &groupRecord{
		State:        next,
		LeafPriv:     rec.LeafPriv,
		Secrets:      make(map[uint64][]byte, len(rec.Secrets)+1),
		LastCommit:   c.ID,
		LastCommitAt: c.CreatedAt,
		Previous:     &prev,
		JoinedWith:   rec.JoinedWith,
	}
	for epoch, s := range rec.Secrets {
		updated.Secrets[epoch] = s
	}

	if !next.IsMember(e.self) {
		// Old secrets stay so earlier messages still open.
		updated.State.Removed = true
		jww.INFO.Printf("[GRP] %s was removed from group %s at epoch %d",
			e.self, c.GroupID, next.Epoch)
		return updated, nil
	}

	var sealed *SealedSecret
	for i := range c.Secrets {
		if c.Secrets[i].Member == e.self {
			sealed = &c.Secrets[i]
			break
		}
	}
	if sealed == nil {
		return nil, errs.New(errs.InvalidKey, missingSecretErr, c.ID, e.self)
	}
	aad := groupContext(string(commitInfo), c.GroupID, next.Epoch)
	commitSecret, err := hpkeOpen(rec.LeafPriv, commitInfo, aad,
		sealed.Enc, sealed.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err,
			"failed to open commit secret of %s", c.ID)
	}
	updated.Secrets[next.Epoch] = nextEpochSecret(rec.secret(), commitSecret,
		c.GroupID, next.Epoch)
	updated.prune()
	return updated, nil
}

/////////////////////////////////////////////////////////////////////////////
// Welcomes

// PreviewWelcome opens a welcome without joining the group or consuming the
// key package.
func (e *Engine) PreviewWelcome(w *Welcome) (*GroupInfo, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	info, _, err := e.openWelcome(w)
	return info, err
}

// ProcessWelcome joins the group described by the welcome and deletes the
// consumed key package.
func (e *Engine) ProcessWelcome(w *Welcome) (GroupState, error) {
	state, err := e.JoinWelcome(w)
	if err != nil {
		return GroupState{}, err
	}
	if _, err = e.DeleteKeyPackage(w.KeyPackageRef); err != nil {
		return GroupState{}, err
	}
	return state, nil
}

// JoinWelcome joins the group described by the welcome and keeps the key
// package, so the caller can finish its own bookkeeping before deleting it.
// Joining again with the same welcome returns the joined state.
func (e *Engine) JoinWelcome(w *Welcome) (GroupState, error) {
	e.mux.Lock()
	defer e.mux.Unlock()

	info, kpr, err := e.openWelcome(w)
	if err != nil {
		return GroupState{}, err
	}
	id := info.State.GroupID
	if rec, exists := e.groups[id]; exists && !rec.State.Removed {
		if rec.JoinedWith == w.KeyPackageRef {
			return rec.State.DeepCopy(), nil
		}
		if rec.State.Epoch >= info.State.Epoch {
			return GroupState{}, errs.New(errs.AlreadyMember, alreadyMemberErr, e.self, id)
		}
	}

	rec := &groupRecord{
		State:      info.State,
		LeafPriv:   kpr.InitPriv,
		Secrets:    map[uint64][]byte{info.State.Epoch: info.EpochSecret},
		JoinedWith: w.KeyPackageRef,
	}
	_, existed := e.groups[id]
	if err = e.saveGroup(rec, !existed); err != nil {
		return GroupState{}, err
	}
	e.groups[id] = rec
	jww.INFO.Printf("[GRP] %s joined group %s at epoch %d welcomed by %s",
		e.self, id, info.State.Epoch, info.Welcomer)
	return rec.State.DeepCopy(), nil
}

// JoinedWith returns the ref of the key package the group was joined with.
func (e *Engine) JoinedWith(id GroupID) string {
	e.mux.RLock()
	defer e.mux.RUnlock()
	if rec, exists := e.groups[id]; exists {
		return rec.JoinedWith
	}
	return ""
}

func (e *Engine) openWelcome(w *Welcome) (*GroupInfo, keyPackageRecord, error) {
	kpr, exists := e.keyPackages[w.KeyPackageRef]
	if !exists {
		return nil, kpr, errs.New(errs.MissingKeyPackage, noKeyPackageErr,
			w.KeyPackageRef)
	}
	pt, err := hpkeOpen(kpr.InitPriv, welcomeInfo, nil, w.Enc, w.Ciphertext)
	if err != nil {
		return nil, kpr, errs.Wrap(errs.InvalidKey, err, "failed to open welcome")
	}
	info := &GroupInfo{}
	if err = json.Unmarshal(pt, info); err != nil {
		return nil, kpr, errs.Wrap(errs.InvalidEncoding, err, "malformed welcome")
	}
	if !info.State.IsMember(e.self) || len(info.EpochSecret) != SecretLen {
		return nil, kpr, errs.New(errs.InvalidKey,
			"welcome to group %s does not include %s", info.State.GroupID, e.self)
	}
	if err = checkDirectMessage(info.State); err != nil {
		return nil, kpr, err
	}
	return info, kpr, nil
}

/////////////////////////////////////////////////////////////////////////////
// Messages

// Seal encrypts plaintext under the current epoch of the group.
func (e *Engine) Seal(id GroupID, t EnvelopeType, plaintext []byte) (*Envelope, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	rec, err := e.active(id)
	if err != nil {
		return nil, err
	}
	rng := e.rng.GetStream()
	defer rng.Close()
	return sealEnvelope(rec.secret(), id, rec.State.Epoch, t, plaintext, rng)
}

// Open decrypts an envelope of the group. Envelopes from epochs newer than the
// local one fail with FutureEpoch; ones older than the retention window fail
// with StaleEpoch.
func (e *Engine) Open(id GroupID, env *Envelope) ([]byte, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	rec, exists := e.groups[id]
	if !exists {
		return nil, errs.New(errs.GroupNotFound, groupNotFoundErr, id)
	}
	if env.Epoch > rec.State.Epoch {
		return nil, errs.New(errs.FutureEpoch, futureEpochErr,
			env.Epoch, id, rec.State.Epoch)
	}
	secret, kept := rec.Secrets[env.Epoch]
	if !kept {
		return nil, errs.New(errs.StaleEpoch, epochNotKeptErr, env.Epoch, id)
	}
	pt, err := openEnvelope(secret, id, env)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err,
			"failed to open envelope of group %s epoch %d", id, env.Epoch)
	}
	return pt, nil
}

/////////////////////////////////////////////////////////////////////////////
// Storage

func (e *Engine) saveGroup(rec *groupRecord, listChanged bool) error {
	id := rec.State.GroupID
	if err := e.kv.SetJSON(groupKeyPrefix+id.Hex(), groupVersion, rec); err != nil {
		return errs.StorageErr(err, saveGroupErr, id)
	}
	if listChanged {
		return e.saveGroupList()
	}
	return nil
}

func (e *Engine) saveGroupList() error {
	obj := versioned.NewObject(groupListVersion, serializeGroupList(e.groups))
	if err := e.kv.Set(groupListKey, obj); err != nil {
		return errs.StorageErr(err, saveGroupListErr)
	}
	return nil
}

// serializeGroupList concatenates the ids of the groups in sorted order.
func serializeGroupList(groups map[GroupID]*groupRecord) []byte {
	ids := make([]GroupID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	buff := bytes.NewBuffer(make([]byte, 0, IDLen*len(ids)))
	for _, id := range ids {
		buff.Write(id[:])
	}
	return buff.Bytes()
}

func deserializeGroupList(data []byte) []GroupID {
	ids := make([]GroupID, 0, len(data)/IDLen)
	for n := 0; n+IDLen <= len(data); n += IDLen {
		var id GroupID
		copy(id[:], data[n:n+IDLen])
		ids = append(ids, id)
	}
	return ids
}
