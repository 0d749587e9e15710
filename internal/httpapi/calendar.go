package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/calvoice/calvoice/internal/calendar"
	"github.com/calvoice/calvoice/internal/gcal"
)

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	timeMin, timeMax, ok := timeRange(w, r)
	if !ok {
		return
	}

	busy, err := s.cal.FreeBusy(r.Context(), timeMin, timeMax)
	if err != nil {
		s.metrics.CalendarRequests.WithLabelValues("freebusy", "error").Inc()
		respondUpstreamError(w, "availability", err)
		return
	}
	s.metrics.CalendarRequests.WithLabelValues("freebusy", "ok").Inc()

	respondJSON(w, http.StatusOK, calendar.FreeBusy{IsFree: len(busy) == 0, Busy: busy})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req calendar.ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if missing := missingScheduleFields(req); len(missing) > 0 {
		respondError(w, http.StatusBadRequest, "missing_fields",
			"Missing required fields: "+strings.Join(missing, ", "))
		return
	}
	if !validISO(req.StartISO) || !validISO(req.EndISO) {
		respondError(w, http.StatusBadRequest, "invalid_time",
			"startIso and endIso must be RFC 3339 timestamps")
		return
	}
	if req.Timezone == "" {
		req.Timezone = s.cfg.DefaultTimezone
	}

	// The window is checked before any insert. An occupied slot never
	// reaches the calendar write path.
	busy, err := s.cal.FreeBusy(r.Context(), req.StartISO, req.EndISO)
	if err != nil {
		s.metrics.CalendarRequests.WithLabelValues("freebusy", "error").Inc()
		respondUpstreamError(w, "schedule", err)
		return
	}
	if len(busy) > 0 {
		s.metrics.CalendarRequests.WithLabelValues("schedule", "conflict").Inc()
		respondJSON(w, http.StatusConflict, calendar.ScheduleResult{
			OK:     false,
			Reason: "conflict",
			Busy:   busy,
		})
		return
	}

	ev, err := s.cal.InsertEvent(r.Context(), req)
	if err != nil {
		s.metrics.CalendarRequests.WithLabelValues("schedule", "error").Inc()
		respondUpstreamError(w, "schedule", err)
		return
	}
	s.metrics.CalendarRequests.WithLabelValues("schedule", "ok").Inc()

	respondJSON(w, http.StatusOK, calendar.ScheduleResult{
		OK:       true,
		EventID:  ev.ID,
		HTMLLink: ev.HTMLLink,
		MeetLink: ev.MeetLink,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	timeMin, timeMax, ok := timeRange(w, r)
	if !ok {
		return
	}

	events, err := s.cal.ListEvents(r.Context(), timeMin, timeMax)
	if err != nil {
		s.metrics.CalendarRequests.WithLabelValues("list", "error").Inc()
		respondUpstreamError(w, "events", err)
		return
	}
	s.metrics.CalendarRequests.WithLabelValues("list", "ok").Inc()

	if events == nil {
		events = []calendar.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

func timeRange(w http.ResponseWriter, r *http.Request) (timeMin, timeMax string, ok bool) {
	q := r.URL.Query()
	timeMin = q.Get("timeMin")
	timeMax = q.Get("timeMax")
	if timeMin == "" || timeMax == "" {
		respondError(w, http.StatusBadRequest, "missing_range",
			"query parameters timeMin and timeMax are required")
		return "", "", false
	}
	if !validISO(timeMin) || !validISO(timeMax) {
		respondError(w, http.StatusBadRequest, "invalid_time",
			"timeMin and timeMax must be RFC 3339 timestamps")
		return "", "", false
	}
	return timeMin, timeMax, true
}

func missingScheduleFields(req calendar.ScheduleRequest) []string {
	var missing []string
	if strings.TrimSpace(req.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(req.AttendeeEmail) == "" {
		missing = append(missing, "attendeeEmail")
	}
	if strings.TrimSpace(req.StartISO) == "" {
		missing = append(missing, "startIso")
	}
	if strings.TrimSpace(req.EndISO) == "" {
		missing = append(missing, "endIso")
	}
	return missing
}

func validISO(v string) bool {
	_, err := time.Parse(time.RFC3339, v)
	return err == nil
}

func respondUpstreamError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, gcal.ErrNotAuthorized) {
		respondError(w, http.StatusUnauthorized, "not_authorized",
			"calendar account is not connected")
		return
	}
	if gcal.StatusCode(err) == http.StatusUnauthorized {
		respondError(w, http.StatusUnauthorized, "not_authorized", err.Error())
		return
	}
	respondError(w, http.StatusBadGateway, op+"_failed", err.Error())
}
