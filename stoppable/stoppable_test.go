////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"testing"
	"time"
)

// runLoop starts a goroutine that stops when the Single quits.
func runLoop(s *Single) {
	go func() {
		<-s.Quit()
		s.ToStopped()
	}()
}

// Unit test of Status.String.
func TestStatus_String(t *testing.T) {
	testValues := []struct {
		status   Status
		expected string
	}{
		{Running, "running"},
		{Stopping, "stopping"},
		{Stopped, "stopped"},
		{100, "INVALID STATUS: 100"},
	}

	for i, val := range testValues {
		if val.status.String() != val.expected {
			t.Errorf("String did not return the expected value (%d)."+
				"\nexpected: %s\nreceived: %s", i, val.expected, val.status.String())
		}
	}
}

// Tests that a Single moves through running, stopping and stopped.
func TestSingle_Lifecycle(t *testing.T) {
	s := NewSingle("loop")
	if !s.IsRunning() {
		t.Errorf("New Single is not running: %s", s.GetStatus())
	}

	runLoop(s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned an error: %+v", err)
	}
	if err := WaitForStopped(s, time.Second); err != nil {
		t.Fatalf("WaitForStopped returned an error: %+v", err)
	}
	if !s.IsStopped() {
		t.Errorf("Single not stopped: %s", s.GetStatus())
	}

	// A second close is a no-op.
	if err := s.Close(); err != nil {
		t.Errorf("Second Close returned an error: %+v", err)
	}
}

// Error path: tests that WaitForStopped times out when the goroutine never
// acknowledges the quit.
func TestWaitForStopped_Timeout(t *testing.T) {
	s := NewSingle("stuck")
	_ = s.Close()
	if !s.IsStopping() {
		t.Errorf("Single should be stopping: %s", s.GetStatus())
	}
	if err := WaitForStopped(s, 20*time.Millisecond); err == nil {
		t.Errorf("WaitForStopped did not time out.")
	}
}

func TestMulti_Close(t *testing.T) {
	m := NewMulti("group")
	a, b := NewSingle("a"), NewSingle("b")
	runLoop(a)
	runLoop(b)
	m.Add(a)
	m.Add(b)

	if !m.IsRunning() {
		t.Errorf("Multi should be running: %s", m.GetStatus())
	}
	if m.Name() != "group{a, b}" {
		t.Errorf("Unexpected name: %s", m.Name())
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close returned an error: %+v", err)
	}
	if err := WaitForStopped(m, time.Second); err != nil {
		t.Fatalf("WaitForStopped returned an error: %+v", err)
	}

	// Children added after close are closed right away.
	late := NewSingle("late")
	runLoop(late)
	m.Add(late)
	if err := WaitForStopped(late, time.Second); err != nil {
		t.Errorf("Late child was not stopped: %+v", err)
	}
}
