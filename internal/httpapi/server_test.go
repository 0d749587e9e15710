package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/calvoice/calvoice/internal/calendar"
	"github.com/calvoice/calvoice/internal/config"
	"github.com/calvoice/calvoice/internal/gauth"
	"github.com/calvoice/calvoice/internal/gcal"
	"github.com/calvoice/calvoice/internal/observability"
	"github.com/calvoice/calvoice/internal/tokenstore"
)

// Prometheus collectors register globally, so the package shares one set.
var testMetrics = observability.NewMetrics("calbridge_test")

type fakeCal struct {
	busy        []calendar.BusyInterval
	events      []calendar.Event
	err         error
	insertCalls int
}

func (f *fakeCal) FreeBusy(context.Context, string, string) ([]calendar.BusyInterval, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.busy, nil
}

func (f *fakeCal) InsertEvent(_ context.Context, req calendar.ScheduleRequest) (calendar.Event, error) {
	f.insertCalls++
	if f.err != nil {
		return calendar.Event{}, f.err
	}
	return calendar.Event{
		ID:       "ev-1",
		Title:    req.Title,
		Start:    req.StartISO,
		End:      req.EndISO,
		HTMLLink: "https://calendar.google.com/event?eid=ev-1",
		MeetLink: "https://meet.google.com/abc-defg-hij",
	}, nil
}

func (f *fakeCal) ListEvents(context.Context, string, string) ([]calendar.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func newTestServer(t *testing.T, cal *fakeCal) (*Server, *tokenstore.MemoryStore, *httptest.Server) {
	t.Helper()
	store := tokenstore.NewMemoryStore()
	cfg := config.BridgeConfig{DefaultTimezone: "UTC"}
	flow := gauth.NewFlow("client-id", "secret", "http://localhost:8085/oauth2callback")
	srv := New(cfg, flow, store, cal, testMetrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, store, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAuthStatusLifecycle(t *testing.T) {
	_, store, ts := newTestServer(t, &fakeCal{})

	var st struct {
		Connected bool `json:"connected"`
	}
	if code := getJSON(t, ts.URL+"/api/auth/status", &st); code != http.StatusOK || st.Connected {
		t.Fatalf("fresh status = %d connected=%v, want 200 disconnected", code, st.Connected)
	}

	store.Save(context.Background(), gauth.Token{
		AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour),
	})
	if getJSON(t, ts.URL+"/api/auth/status", &st); !st.Connected {
		t.Fatalf("status after save should be connected")
	}

	if code := postJSON(t, ts.URL+"/api/auth/logout", "", nil); code != http.StatusOK {
		t.Fatalf("logout = %d", code)
	}
	if getJSON(t, ts.URL+"/api/auth/status", &st); st.Connected {
		t.Fatalf("status after logout should be disconnected")
	}
}

func TestAuthURLAndCallback(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("code") != "auth-code" || r.PostForm.Get("code_verifier") == "" {
			t.Errorf("exchange form = %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1", "refresh_token": "rt-1", "expires_in": 3600,
		})
	}))
	defer tokenSrv.Close()

	srv, store, ts := newTestServer(t, &fakeCal{})
	srv.flow.WithEndpoints("", tokenSrv.URL)

	var authResp struct {
		URL string `json:"url"`
	}
	if code := getJSON(t, ts.URL+"/api/auth/url", &authResp); code != http.StatusOK {
		t.Fatalf("auth url = %d", code)
	}
	u, err := url.Parse(authResp.URL)
	if err != nil {
		t.Fatalf("parse consent url: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" || u.Query().Get("code_challenge") == "" {
		t.Fatalf("consent url missing state or challenge: %s", authResp.URL)
	}

	resp, err := http.Get(ts.URL + "/oauth2callback?state=" + state + "&code=auth-code")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback = %d", resp.StatusCode)
	}

	tok, ok, _ := store.Load(context.Background())
	if !ok || tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Fatalf("stored token = %+v ok=%v", tok, ok)
	}

	// State is single use.
	resp, _ = http.Get(ts.URL + "/oauth2callback?state=" + state + "&code=auth-code")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed state = %d, want 400", resp.StatusCode)
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	_, _, ts := newTestServer(t, &fakeCal{})
	resp, err := http.Get(ts.URL + "/oauth2callback?state=bogus&code=x")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown state = %d, want 400", resp.StatusCode)
	}
}

func TestAvailability(t *testing.T) {
	cal := &fakeCal{busy: []calendar.BusyInterval{{Start: "2026-03-02T10:00:00Z", End: "2026-03-02T11:00:00Z"}}}
	_, _, ts := newTestServer(t, cal)

	var fb calendar.FreeBusy
	code := getJSON(t, ts.URL+"/api/availability?timeMin=2026-03-02T09:00:00Z&timeMax=2026-03-02T17:00:00Z", &fb)
	if code != http.StatusOK {
		t.Fatalf("availability = %d", code)
	}
	if fb.IsFree || len(fb.Busy) != 1 {
		t.Fatalf("freebusy = %+v", fb)
	}

	if code := getJSON(t, ts.URL+"/api/availability", nil); code != http.StatusBadRequest {
		t.Fatalf("availability without range = %d, want 400", code)
	}
}

func TestScheduleConflictNeverInserts(t *testing.T) {
	cal := &fakeCal{busy: []calendar.BusyInterval{{Start: "2026-03-02T14:00:00Z", End: "2026-03-02T15:00:00Z"}}}
	_, _, ts := newTestServer(t, cal)

	body := `{"title":"Sync","attendeeEmail":"sam@example.com","startIso":"2026-03-02T14:00:00Z","endIso":"2026-03-02T14:30:00Z"}`
	var res calendar.ScheduleResult
	code := postJSON(t, ts.URL+"/api/schedule", body, &res)
	if code != http.StatusConflict {
		t.Fatalf("conflicting schedule = %d, want 409", code)
	}
	if res.OK || res.Reason != "conflict" || len(res.Busy) != 1 {
		t.Fatalf("conflict result = %+v", res)
	}
	if cal.insertCalls != 0 {
		t.Fatalf("insert reached upstream %d times on conflict", cal.insertCalls)
	}
}

func TestScheduleSuccess(t *testing.T) {
	cal := &fakeCal{}
	_, _, ts := newTestServer(t, cal)

	body := `{"title":"Sync","attendeeEmail":"sam@example.com","startIso":"2026-03-02T14:00:00Z","endIso":"2026-03-02T14:30:00Z"}`
	var res calendar.ScheduleResult
	code := postJSON(t, ts.URL+"/api/schedule", body, &res)
	if code != http.StatusOK {
		t.Fatalf("schedule = %d", code)
	}
	if !res.OK || res.EventID != "ev-1" || res.MeetLink == "" {
		t.Fatalf("schedule result = %+v", res)
	}
	if cal.insertCalls != 1 {
		t.Fatalf("insert calls = %d, want 1", cal.insertCalls)
	}
}

func TestScheduleValidation(t *testing.T) {
	_, _, ts := newTestServer(t, &fakeCal{})

	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	code := postJSON(t, ts.URL+"/api/schedule", `{"title":"Sync"}`, &errResp)
	if code != http.StatusBadRequest || errResp.Code != "missing_fields" {
		t.Fatalf("missing fields = %d %+v", code, errResp)
	}
	for _, f := range []string{"attendeeEmail", "startIso", "endIso"} {
		if !strings.Contains(errResp.Error, f) {
			t.Fatalf("error %q does not name %s", errResp.Error, f)
		}
	}

	code = postJSON(t, ts.URL+"/api/schedule",
		`{"title":"Sync","attendeeEmail":"a@b.co","startIso":"tomorrow","endIso":"2026-03-02T14:30:00Z"}`, &errResp)
	if code != http.StatusBadRequest || errResp.Code != "invalid_time" {
		t.Fatalf("bad timestamp = %d %+v", code, errResp)
	}
}

func TestEventsList(t *testing.T) {
	cal := &fakeCal{events: []calendar.Event{{ID: "ev-2", Title: "Standup"}}}
	_, _, ts := newTestServer(t, cal)

	var events []calendar.Event
	code := getJSON(t, ts.URL+"/api/events?timeMin=2026-03-02T00:00:00Z&timeMax=2026-03-03T00:00:00Z", &events)
	if code != http.StatusOK || len(events) != 1 || events[0].ID != "ev-2" {
		t.Fatalf("events = %d %+v", code, events)
	}
}

func TestUnauthorizedUpstream(t *testing.T) {
	cal := &fakeCal{err: gcal.ErrNotAuthorized}
	_, _, ts := newTestServer(t, cal)

	code := getJSON(t, ts.URL+"/api/events?timeMin=2026-03-02T00:00:00Z&timeMax=2026-03-03T00:00:00Z", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthorized upstream = %d, want 401", code)
	}
}

func TestUpstreamFailureIsBadGateway(t *testing.T) {
	cal := &fakeCal{err: errors.New("upstream exploded")}
	_, _, ts := newTestServer(t, cal)

	code := getJSON(t, ts.URL+"/api/availability?timeMin=2026-03-02T00:00:00Z&timeMax=2026-03-03T00:00:00Z", nil)
	if code != http.StatusBadGateway {
		t.Fatalf("upstream error = %d, want 502", code)
	}
}
