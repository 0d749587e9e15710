package calendar

import (
	"context"
	"fmt"
	"sync"
)

// Backend is the calendar capability consumed by the tool dispatcher.
// Two implementations exist: Sandbox (canned results, no network) and
// Client (HTTP against the calbridge server).
type Backend interface {
	AuthStatus(ctx context.Context) (AuthState, error)
	AuthURL(ctx context.Context) (string, error)
	FreeBusy(ctx context.Context, timeMin, timeMax string) (FreeBusy, error)
	Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error)
	ListEvents(ctx context.Context, timeMin, timeMax string) ([]Event, error)
	Logout(ctx context.Context) error
}

// Sandbox fabricates successful results without contacting any service, so
// the conversational flow can be exercised without live credentials.
type Sandbox struct {
	mu      sync.Mutex
	counter int
}

func NewSandbox() *Sandbox { return &Sandbox{} }

func (s *Sandbox) AuthStatus(context.Context) (AuthState, error) {
	return AuthState{Connected: true}, nil
}

func (s *Sandbox) AuthURL(context.Context) (string, error) {
	return "https://example.invalid/sandbox-auth", nil
}

func (s *Sandbox) FreeBusy(context.Context, string, string) (FreeBusy, error) {
	return FreeBusy{IsFree: true, Busy: []BusyInterval{}}, nil
}

func (s *Sandbox) Schedule(_ context.Context, req ScheduleRequest) (ScheduleResult, error) {
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()
	return ScheduleResult{
		OK:       true,
		EventID:  fmt.Sprintf("sandbox-event-%d", n),
		HTMLLink: "https://example.invalid/sandbox-event",
		MeetLink: "https://example.invalid/sandbox-meet",
	}, nil
}

func (s *Sandbox) ListEvents(context.Context, string, string) ([]Event, error) {
	return []Event{}, nil
}

func (s *Sandbox) Logout(context.Context) error { return nil }
