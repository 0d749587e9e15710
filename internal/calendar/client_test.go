package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientFreeBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/availability" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("timeMin") == "" || r.URL.Query().Get("timeMax") == "" {
			t.Fatalf("missing time bounds in query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(FreeBusy{IsFree: false, Busy: []BusyInterval{{Start: "2026-09-01T10:00:00Z", End: "2026-09-01T11:00:00Z"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	fb, err := c.FreeBusy(context.Background(), "2026-09-01T09:00:00Z", "2026-09-01T12:00:00Z")
	if err != nil {
		t.Fatalf("FreeBusy() error = %v", err)
	}
	if fb.IsFree || len(fb.Busy) != 1 {
		t.Fatalf("unexpected free/busy: %+v", fb)
	}
}

func TestClientScheduleConflictIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ScheduleResult{OK: false, Reason: "conflict", Busy: []BusyInterval{{Start: "a", End: "b"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.Schedule(context.Background(), ScheduleRequest{Title: "Sync"})
	if err != nil {
		t.Fatalf("Schedule() on conflict should not error, got %v", err)
	}
	if res.OK || res.Reason != "conflict" || len(res.Busy) != 1 {
		t.Fatalf("unexpected conflict result: %+v", res)
	}
}

func TestClientRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(AuthState{Connected: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	st, err := c.AuthStatus(context.Background())
	if err != nil {
		t.Fatalf("AuthStatus() error = %v", err)
	}
	if !st.Connected {
		t.Fatalf("expected connected status after retry")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestWaitForAuthTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AuthState{Connected: false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.WaitForAuth(context.Background(), 10*time.Millisecond, 50*time.Millisecond)
	if !errors.Is(err, ErrAuthTimeout) {
		t.Fatalf("error = %v, want ErrAuthTimeout", err)
	}
}

func TestWaitForAuthSucceedsOnceConnected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AuthState{Connected: calls.Add(1) >= 3})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.WaitForAuth(context.Background(), 5*time.Millisecond, time.Second); err != nil {
		t.Fatalf("WaitForAuth() error = %v", err)
	}
}

func TestSandboxNeverNeedsNetwork(t *testing.T) {
	s := NewSandbox()
	ctx := context.Background()

	st, err := s.AuthStatus(ctx)
	if err != nil || !st.Connected {
		t.Fatalf("sandbox auth status = %+v, %v", st, err)
	}
	fb, err := s.FreeBusy(ctx, "x", "y")
	if err != nil || !fb.IsFree {
		t.Fatalf("sandbox free/busy = %+v, %v", fb, err)
	}
	res, err := s.Schedule(ctx, ScheduleRequest{Title: "Sync"})
	if err != nil || !res.OK || res.EventID == "" {
		t.Fatalf("sandbox schedule = %+v, %v", res, err)
	}
	res2, _ := s.Schedule(ctx, ScheduleRequest{Title: "Sync 2"})
	if res2.EventID == res.EventID {
		t.Fatalf("sandbox event ids should be unique: %s", res.EventID)
	}
}
