////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package mls

import (
	"sync"

	"github.com/puzpuzpuz/xsync"
	"gitlab.com/elixxir/crypto/fastRNG"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
)

// Provider hands out the engine of each account, loading it on first use.
type Provider struct {
	kv      *versioned.KV
	rng     *fastRNG.StreamGenerator
	engines *xsync.MapOf[string, *Engine]
	loadMux sync.Mutex
}

// NewProvider creates a provider storing account state under kv.
func NewProvider(kv *versioned.KV, rng *fastRNG.StreamGenerator) *Provider {
	return &Provider{
		kv:      kv,
		rng:     rng,
		engines: xsync.NewMapOf[*Engine](),
	}
}

// Engine returns the engine of the account.
func (p *Provider) Engine(pk identity.PublicKey) (*Engine, error) {
	if e, exists := p.engines.Load(pk.Hex()); exists {
		return e, nil
	}

	p.loadMux.Lock()
	defer p.loadMux.Unlock()
	if e, exists := p.engines.Load(pk.Hex()); exists {
		return e, nil
	}
	e, err := NewOrLoadEngine(p.kv.Prefix(versioned.MakeAccountPrefix(pk)), pk, p.rng)
	if err != nil {
		return nil, err
	}
	p.engines.Store(pk.Hex(), e)
	return e, nil
}

// Remove deletes all state of the account.
func (p *Provider) Remove(pk identity.PublicKey) error {
	e, err := p.Engine(pk)
	if err != nil {
		return err
	}
	for _, g := range e.Groups() {
		if err = e.DeleteGroup(g.GroupID); err != nil {
			return err
		}
	}
	for _, ref := range e.KeyPackageRefs() {
		if _, err = e.DeleteKeyPackage(ref); err != nil {
			return err
		}
	}
	p.engines.Delete(pk.Hex())
	return nil
}
