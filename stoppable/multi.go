////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Multi groups stoppables so they can be closed together.
type Multi struct {
	name     string
	children []Stoppable
	mux      sync.RWMutex
	once     sync.Once
	closed   bool
}

// NewMulti returns an empty Multi.
func NewMulti(name string) *Multi {
	return &Multi{name: name}
}

// Name returns the name of the Multi and its children.
func (m *Multi) Name() string {
	m.mux.RLock()
	defer m.mux.RUnlock()
	names := make([]string, len(m.children))
	for i, c := range m.children {
		names[i] = c.Name()
	}
	return m.name + "{" + strings.Join(names, ", ") + "}"
}

// Add adds a child. Children added after Close are closed immediately.
func (m *Multi) Add(s Stoppable) {
	m.mux.Lock()
	m.children = append(m.children, s)
	closed := m.closed
	m.mux.Unlock()
	if closed {
		_ = s.Close()
	}
}

// GetStatus returns the least advanced status of the children. A Multi without
// children reports Running until closed.
func (m *Multi) GetStatus() Status {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if len(m.children) == 0 {
		if m.closed {
			return Stopped
		}
		return Running
	}
	lowest := Stopped
	for _, c := range m.children {
		if s := c.GetStatus(); s < lowest {
			lowest = s
		}
	}
	return lowest
}

// IsRunning returns true if any child is running.
func (m *Multi) IsRunning() bool { return m.GetStatus() == Running }

// IsStopping returns true if no child is running and one is still stopping.
func (m *Multi) IsStopping() bool { return m.GetStatus() == Stopping }

// IsStopped returns true once every child stopped.
func (m *Multi) IsStopped() bool { return m.GetStatus() == Stopped }

// Close closes every child. Errors from children are joined.
func (m *Multi) Close() error {
	var err error
	m.once.Do(func() {
		m.mux.Lock()
		m.closed = true
		children := append([]Stoppable(nil), m.children...)
		m.mux.Unlock()

		var failed []string
		for _, c := range children {
			if cErr := c.Close(); cErr != nil {
				failed = append(failed, cErr.Error())
			}
		}
		if len(failed) > 0 {
			err = errors.Errorf("multi stoppable %q failed to close %d "+
				"children: %s", m.name, len(failed), strings.Join(failed, "; "))
			jww.ERROR.Print(err.Error())
		}
	})
	return err
}
