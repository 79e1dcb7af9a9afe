////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package session ties the components together into one context object that
// is constructed at startup, passed to every operation and torn down
// explicitly.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/crypto/fastRNG"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/crypto/csprng"

	"gitlab.com/elixxir/whitenoise/accounts"
	"gitlab.com/elixxir/whitenoise/groups"
	"gitlab.com/elixxir/whitenoise/keyPackages"
	"gitlab.com/elixxir/whitenoise/media"
	"gitlab.com/elixxir/whitenoise/messages"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/monitor"
	"gitlab.com/elixxir/whitenoise/relays"
	"gitlab.com/elixxir/whitenoise/stoppable"
	"gitlab.com/elixxir/whitenoise/storage/eventArchive"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
	"gitlab.com/elixxir/whitenoise/transport"
	"gitlab.com/elixxir/whitenoise/users"
	"gitlab.com/elixxir/whitenoise/welcomes"
)

// Number of RNG streams shared by the components.
const (
	rngStreams    = 12
	rngStreamSize = 1024
)

// Session is the process wide state of every local account.
type Session struct {
	params  Params
	kv      *versioned.KV
	net     transport.Transport
	archive *eventArchive.Archive
	rng     *fastRNG.StreamGenerator

	accounts    *accounts.Store
	registry    *relays.Registry
	users       *users.Directory
	engines     *mls.Provider
	keyPackages *keyPackages.Directory
	groups      *groups.Manager
	welcomes    *welcomes.Manager
	messages    *messages.Manager
	media       *media.Manager
	monitor     *monitor.Monitor

	processes   stoppable.Stoppable
	settingsMux sync.Mutex
	mux         sync.Mutex
	closeOnce   sync.Once
}

// New builds a session over already opened storage. The session owns the
// archive and closes it on Close.
func New(kv *versioned.KV, archive *eventArchive.Archive, net transport.Transport,
	blobs media.BlobStore, params Params) (*Session, error) {
	if params.PublishRate > 0 {
		net = transport.NewRateLimited(net, params.PublishRate)
	}
	if blobs == nil {
		blobs = media.NewMemoryBlobStore()
	}

	accountStore, err := accounts.NewOrLoadStore(kv)
	if err != nil {
		return nil, err
	}

	s := &Session{
		params:   params,
		kv:       kv,
		net:      net,
		archive:  archive,
		rng:      fastRNG.NewStreamGenerator(rngStreams, rngStreamSize, csprng.NewSystemRNG),
		accounts: accountStore,
		registry: relays.NewRegistry(kv),
	}
	s.users = users.NewDirectory(kv, s.registry, net, params.DiscoveryRelays,
		params.LookupWindow)
	s.engines = mls.NewProvider(kv, s.rng)
	s.keyPackages = keyPackages.NewDirectory(kv, s.engines, s.registry, s.users,
		net, params.LookupWindow, params.KeyPackageLifetime)
	s.groups = groups.NewManager(kv, s.engines, s.registry, s.keyPackages, net,
		archive, s.rng, params.MaxCommitAttempts)
	s.welcomes = welcomes.NewManager(kv, s.engines, s.groups)
	s.messages, err = messages.NewManager(s.groups, archive)
	if err != nil {
		return nil, err
	}
	s.media = media.NewManager(kv, blobs, s.rng)
	s.monitor = monitor.New(net, s.registry, s.accountKeys, s.filters,
		s.onEvent, params.MaxSubscribeAttempts)

	jww.INFO.Printf("[SES] Session loaded with %d accounts", len(accountStore.All()))
	return s, nil
}

// Open builds a session backed by an encrypted file store and an event
// archive in the storage directory.
func Open(storageDir string, password []byte, net transport.Transport,
	blobs media.BlobStore, params Params) (*Session, error) {
	fs, err := ekv.NewFilestore(storageDir, string(password))
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to open encrypted storage at %s", storageDir)
	}
	archive, err := eventArchive.OpenDir(storageDir)
	if err != nil {
		return nil, err
	}
	s, err := New(versioned.NewKV(fs), archive, net, blobs, params)
	if err != nil {
		_ = archive.Close()
		return nil, err
	}
	return s, nil
}

// StartProcesses starts the background processes: the periodic
// subscription sweep of the relay monitor.
func (s *Session) StartProcesses() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.processes != nil {
		return errors.New("session processes are already running")
	}
	processes := stoppable.NewMulti("session")
	stop, err := s.monitor.StartProcesses(s.params.MonitorPeriod)
	if err != nil {
		return err
	}
	processes.Add(stop)
	s.processes = processes
	jww.INFO.Printf("[SES] Started %s", processes.Name())
	return nil
}

// Close stops the background processes, waits for background lookups and
// closes the archive.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mux.Lock()
		if s.processes != nil {
			if stopErr := s.processes.Close(); stopErr == nil {
				stopErr = stoppable.WaitForStopped(s.processes, 5*time.Second)
				if stopErr != nil {
					jww.WARN.Printf("[SES] %v", stopErr)
				}
			}
			s.processes = nil
		}
		s.mux.Unlock()

		s.monitor.Close()
		s.users.Wait()
		s.keyPackages.Wait()
		err = s.archive.Close()
		jww.INFO.Printf("[SES] Session closed")
	})
	return err
}

// Params returns the parameters the session was built with.
func (s *Session) Params() Params { return s.params }

// Accounts returns the account store.
func (s *Session) Accounts() *accounts.Store { return s.accounts }

// Users returns the user directory.
func (s *Session) Users() *users.Directory { return s.users }

// Relays returns the relay registry.
func (s *Session) Relays() *relays.Registry { return s.registry }

// KeyPackages returns the key package directory.
func (s *Session) KeyPackages() *keyPackages.Directory { return s.keyPackages }

// Groups returns the group manager.
func (s *Session) Groups() *groups.Manager { return s.groups }

// Welcomes returns the welcome manager.
func (s *Session) Welcomes() *welcomes.Manager { return s.welcomes }

// Messages returns the message manager.
func (s *Session) Messages() *messages.Manager { return s.messages }

// Media returns the media manager.
func (s *Session) Media() *media.Manager { return s.media }

// Monitor returns the relay monitor.
func (s *Session) Monitor() *monitor.Monitor { return s.monitor }
