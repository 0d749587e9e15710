package calendar

import "errors"

// ErrConflict marks a scheduling attempt that overlaps existing busy time.
// Callers react by proposing another slot instead of treating it as a failure.
var ErrConflict = errors.New("requested window conflicts with existing events")

// Event is a read-only copy of a calendar entry, as of the last fetch.
type Event struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	MeetLink  string   `json:"meetLink,omitempty"`
	HTMLLink  string   `json:"htmlLink,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
}

// BusyInterval is one occupied window from a free/busy query.
type BusyInterval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// FreeBusy is the result of an availability query.
type FreeBusy struct {
	IsFree bool           `json:"isFree"`
	Busy   []BusyInterval `json:"busy"`
}

// ScheduleRequest describes one meeting to insert. Title, AttendeeEmail,
// StartISO, and EndISO are required; timestamps are ISO-8601 with an explicit
// UTC offset.
type ScheduleRequest struct {
	Title         string `json:"title"`
	AttendeeEmail string `json:"attendeeEmail"`
	AttendeeName  string `json:"attendeeName,omitempty"`
	StartISO      string `json:"startIso"`
	EndISO        string `json:"endIso"`
	Timezone      string `json:"timezone,omitempty"`
	Description   string `json:"description,omitempty"`
}

// ScheduleResult reports the outcome of a schedule attempt. A conflict is a
// distinct non-error outcome: OK is false and Reason is "conflict".
type ScheduleResult struct {
	OK       bool           `json:"ok"`
	Reason   string         `json:"reason,omitempty"`
	EventID  string         `json:"eventId,omitempty"`
	HTMLLink string         `json:"htmlLink,omitempty"`
	MeetLink string         `json:"meetLink,omitempty"`
	Busy     []BusyInterval `json:"busy,omitempty"`
}

// AuthState reports whether the bridge holds valid calendar credentials.
type AuthState struct {
	Connected bool `json:"connected"`
}
