////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const transitionErr = "stoppable %q cannot move to %s from %s, expected %s"

// Single stops one goroutine through its quit channel. The goroutine selects on
// Quit and calls ToStopped once it has returned from its loop.
type Single struct {
	name   string
	quit   chan struct{}
	status uint32
	once   sync.Once
}

// NewSingle returns a running Single.
func NewSingle(name string) *Single {
	return &Single{name: name, quit: make(chan struct{}), status: uint32(Running)}
}

func (s *Single) Name() string     { return s.name }
func (s *Single) GetStatus() Status { return Status(atomic.LoadUint32(&s.status)) }
func (s *Single) IsRunning() bool   { return s.GetStatus() == Running }
func (s *Single) IsStopping() bool  { return s.GetStatus() == Stopping }
func (s *Single) IsStopped() bool   { return s.GetStatus() == Stopped }

// Quit is closed when the Single is asked to stop.
func (s *Single) Quit() <-chan struct{} { return s.quit }

func (s *Single) transition(from, to Status) error {
	if !atomic.CompareAndSwapUint32(&s.status, uint32(from), uint32(to)) {
		return errors.Errorf(transitionErr, s.name, to, s.GetStatus(), from)
	}
	jww.DEBUG.Printf("Stoppable %q moved from %s to %s", s.name, from, to)
	return nil
}

// ToStopped marks the goroutine as returned. Panics unless Close was called.
func (s *Single) ToStopped() {
	if err := s.transition(Stopping, Stopped); err != nil {
		jww.FATAL.Panicf("%+v", err)
	}
}

// Close signals the goroutine. Only the first call has an effect and it fails
// if the Single is no longer running.
func (s *Single) Close() error {
	var err error
	s.once.Do(func() {
		if err = s.transition(Running, Stopping); err == nil {
			close(s.quit)
		}
	})
	if err != nil {
		jww.ERROR.Print(err.Error())
	}
	return err
}
