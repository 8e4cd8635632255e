// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package supervisor classifies child process exits.
// Unlike simple restart counters, it tracks HOW processes exit and
// only counts actual crashes (SIGKILL, SIGSEGV, unexpected exits) toward
// the crash-loop threshold.
package supervisor

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

const (
	// DefaultThreshold is the number of crashes within the window that
	// marks a process as crash-looping.
	DefaultThreshold = 3
	// DefaultWindow is the time window for counting crashes.
	DefaultWindow = 5 * time.Minute
)

// Config holds supervisor configuration.
type Config struct {
	Threshold int
	Window    time.Duration
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Window:    DefaultWindow,
	}
}

// ExitEvent records how a supervised process ended.
type ExitEvent struct {
	Name      string         `json:"name"`
	ExitCode  int            `json:"exit_code"`
	Signal    syscall.Signal `json:"signal"`
	Requested bool           `json:"requested"`
	Timestamp time.Time      `json:"timestamp"`
}

// FromProcessState builds an ExitEvent from a finished process.
// requested is true when the daemon asked the process to stop.
func FromProcessState(name string, st *os.ProcessState, requested bool) ExitEvent {
	e := ExitEvent{Name: name, Requested: requested, Timestamp: time.Now()}
	if st == nil {
		e.ExitCode = -1
		return e
	}
	e.ExitCode = st.ExitCode()
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		e.Signal = ws.Signal()
	}
	return e
}

// IsCrash returns true if this event represents an actual crash
// (as opposed to a clean exit or requested stop).
func (e ExitEvent) IsCrash() bool {
	if e.Requested {
		return false
	}

	switch e.Signal {
	case syscall.SIGKILL, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT:
		return true
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP:
		return false
	}

	if e.ExitCode == 0 {
		return false
	}

	// Non-zero exit without a signal
	return true
}

func (e ExitEvent) String() string {
	if e.Signal != 0 {
		return fmt.Sprintf("%s killed by %s", e.Name, e.Signal)
	}
	return fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
}

// Supervisor keeps a per-process crash history. It is not safe for
// concurrent use.
type Supervisor struct {
	config Config
	events map[string][]ExitEvent
	now    func() time.Time
}

// New creates a new Supervisor.
func New(config Config) *Supervisor {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	return &Supervisor{
		config: config,
		events: make(map[string][]ExitEvent),
		now:    time.Now,
	}
}

// RecordExit records an exit and reports whether the process is now
// crash-looping.
func (s *Supervisor) RecordExit(e ExitEvent) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.events[e.Name] = append(s.events[e.Name], e)
	s.prune(e.Name)
	return s.Crashes(e.Name) >= s.config.Threshold
}

// Crashes returns the number of crashes of name inside the window.
func (s *Supervisor) Crashes(name string) int {
	s.prune(name)
	n := 0
	for _, e := range s.events[name] {
		if e.IsCrash() {
			n++
		}
	}
	return n
}

// Reset clears the history of name.
func (s *Supervisor) Reset(name string) {
	delete(s.events, name)
}

func (s *Supervisor) prune(name string) {
	cutoff := s.now().Add(-s.config.Window)
	events := s.events[name]
	filtered := events[:0]
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(s.events, name)
		return
	}
	s.events[name] = filtered
}
