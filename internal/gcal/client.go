// Package gcal is a thin client for the Google Calendar v3 REST API. Only
// the three calls the bridge needs are implemented; no SDK dependency.
package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calvoice/calvoice/internal/calendar"
)

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// TokenSource supplies a valid access token for each request. Implementations
// refresh behind the scenes when the stored token has expired.
type TokenSource func(ctx context.Context) (string, error)

type Client struct {
	baseURL    string
	calendarID string
	tokens     TokenSource
	httpc      *http.Client
}

// NewClient targets the primary calendar of the authorized account.
func NewClient(tokens TokenSource) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		calendarID: "primary",
		tokens:     tokens,
		httpc:      &http.Client{Timeout: 15 * time.Second},
	}
}

// WithCalendar targets a specific calendar instead of the primary one.
func (c *Client) WithCalendar(id string) *Client {
	if id != "" {
		c.calendarID = id
	}
	return c
}

// apiError carries the upstream HTTP status so callers can distinguish
// auth failures from transient ones.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("calendar api returned %d: %s", e.Status, e.Body)
}

// StatusCode returns the upstream status for an API error, or 0.
func StatusCode(err error) int {
	if e, ok := err.(*apiError); ok {
		return e.Status
	}
	return 0
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	tok, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("token source: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read calendar response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode calendar response: %w", err)
		}
	}
	return nil
}

// FreeBusy returns the busy intervals overlapping [timeMin, timeMax].
func (c *Client) FreeBusy(ctx context.Context, timeMin, timeMax string) ([]calendar.BusyInterval, error) {
	reqBody := map[string]any{
		"timeMin": timeMin,
		"timeMax": timeMax,
		"items":   []map[string]string{{"id": c.calendarID}},
	}
	var out struct {
		Calendars map[string]struct {
			Busy []struct {
				Start string `json:"start"`
				End   string `json:"end"`
			} `json:"busy"`
		} `json:"calendars"`
	}
	if err := c.do(ctx, http.MethodPost, "/freeBusy", nil, reqBody, &out); err != nil {
		return nil, err
	}

	busy := []calendar.BusyInterval{}
	for _, iv := range out.Calendars[c.calendarID].Busy {
		busy = append(busy, calendar.BusyInterval{Start: iv.Start, End: iv.End})
	}
	return busy, nil
}

// InsertEvent creates the event with a Google Meet conference attached and
// returns the stored copy.
func (c *Client) InsertEvent(ctx context.Context, req calendar.ScheduleRequest) (calendar.Event, error) {
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	attendee := map[string]any{"email": req.AttendeeEmail}
	if req.AttendeeName != "" {
		attendee["displayName"] = req.AttendeeName
	}

	body := map[string]any{
		"summary":     req.Title,
		"description": req.Description,
		"start":       map[string]string{"dateTime": req.StartISO, "timeZone": tz},
		"end":         map[string]string{"dateTime": req.EndISO, "timeZone": tz},
		"attendees":   []map[string]any{attendee},
		"conferenceData": map[string]any{
			"createRequest": map[string]any{
				"requestId":             fmt.Sprintf("calvoice-%d", time.Now().UnixNano()),
				"conferenceSolutionKey": map[string]string{"type": "hangoutsMeet"},
			},
		},
	}

	q := url.Values{}
	q.Set("conferenceDataVersion", "1")
	q.Set("sendUpdates", "all")

	var out eventResource
	path := "/calendars/" + url.PathEscape(c.calendarID) + "/events"
	if err := c.do(ctx, http.MethodPost, path, q, body, &out); err != nil {
		return calendar.Event{}, err
	}
	return out.toEvent(), nil
}

// ListEvents returns single events in [timeMin, timeMax] ordered by start.
func (c *Client) ListEvents(ctx context.Context, timeMin, timeMax string) ([]calendar.Event, error) {
	q := url.Values{}
	q.Set("timeMin", timeMin)
	q.Set("timeMax", timeMax)
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", "50")

	var out struct {
		Items []eventResource `json:"items"`
	}
	path := "/calendars/" + url.PathEscape(c.calendarID) + "/events"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}

	events := []calendar.Event{}
	for _, item := range out.Items {
		events = append(events, item.toEvent())
	}
	return events, nil
}

type eventResource struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Start   struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"end"`
	HTMLLink    string `json:"htmlLink"`
	HangoutLink string `json:"hangoutLink"`
	Attendees   []struct {
		Email string `json:"email"`
	} `json:"attendees"`
}

func (r eventResource) toEvent() calendar.Event {
	start := r.Start.DateTime
	if start == "" {
		start = r.Start.Date
	}
	end := r.End.DateTime
	if end == "" {
		end = r.End.Date
	}
	ev := calendar.Event{
		ID:       r.ID,
		Title:    r.Summary,
		Start:    start,
		End:      end,
		HTMLLink: r.HTMLLink,
		MeetLink: r.HangoutLink,
	}
	for _, a := range r.Attendees {
		ev.Attendees = append(ev.Attendees, a.Email)
	}
	return ev
}
