// Package tools resolves model-issued function calls against a calendar
// backend. Every invocation produces exactly one result, on every code path;
// an unresolved invocation stalls the conversation.
package tools

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/calvoice/calvoice/internal/calendar"
	"github.com/calvoice/calvoice/internal/protocol"
)

const (
	ToolCheckAvailability = "check_availability"
	ToolScheduleMeeting   = "schedule_meeting"
	ToolListEvents        = "list_events"
	ToolCreateEvent       = "create_event"
)

// requiredFields fixes the argument contract per tool. Order matters: missing
// field names are reported in declaration order.
var requiredFields = map[string][]string{
	ToolCheckAvailability: {"startIso", "endIso"},
	ToolScheduleMeeting:   {"title", "attendeeEmail", "startIso", "endIso"},
	ToolListEvents:        {"timeMin", "timeMax"},
	ToolCreateEvent:       {"title", "startIso", "endIso"},
}

const emailRetryHint = "That email address didn't come through clearly. Please repeat it slowly, for example: name at example dot com."

// Dispatcher validates, normalizes, and executes tool invocations. The
// backend strategy (sandbox or live) is fixed at construction time.
type Dispatcher struct {
	backend calendar.Backend
}

func NewDispatcher(backend calendar.Backend) *Dispatcher {
	return &Dispatcher{backend: backend}
}

// HandleCalls resolves every invocation in a toolCall frame independently and
// sends exactly one response per invocation through send. Backend failures
// become structured error results; nothing propagates to the transport.
func (d *Dispatcher) HandleCalls(ctx context.Context, calls []protocol.FunctionCall, send func(protocol.FunctionResponse) error) {
	for _, call := range calls {
		response := d.resolve(ctx, call)
		if err := send(protocol.FunctionResponse{ID: call.ID, Name: call.Name, Response: response}); err != nil {
			log.Printf("tool result %s (%s) not delivered: %v", call.Name, call.ID, err)
		}
	}
}

// resolve executes one invocation and returns its response payload.
func (d *Dispatcher) resolve(ctx context.Context, call protocol.FunctionCall) map[string]any {
	required, ok := requiredFields[call.Name]
	if !ok {
		return errorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	if missing := missingFields(call.Args, required); len(missing) > 0 {
		return errorResult("Missing required fields: " + strings.Join(missing, ", "))
	}

	switch call.Name {
	case ToolCheckAvailability:
		return d.checkAvailability(ctx, stringArg(call.Args, "startIso"), stringArg(call.Args, "endIso"))
	case ToolListEvents:
		return d.listEvents(ctx, stringArg(call.Args, "timeMin"), stringArg(call.Args, "timeMax"))
	case ToolScheduleMeeting, ToolCreateEvent:
		return d.schedule(ctx, call)
	default:
		return errorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
	}
}

func (d *Dispatcher) checkAvailability(ctx context.Context, timeMin, timeMax string) map[string]any {
	fb, err := d.backend.FreeBusy(ctx, timeMin, timeMax)
	if err != nil {
		return errorResult(err.Error())
	}
	return map[string]any{"ok": true, "isFree": fb.IsFree, "busy": fb.Busy}
}

func (d *Dispatcher) listEvents(ctx context.Context, timeMin, timeMax string) map[string]any {
	events, err := d.backend.ListEvents(ctx, timeMin, timeMax)
	if err != nil {
		return errorResult(err.Error())
	}
	return map[string]any{"ok": true, "events": events}
}

func (d *Dispatcher) schedule(ctx context.Context, call protocol.FunctionCall) map[string]any {
	req := calendar.ScheduleRequest{
		Title:         stringArg(call.Args, "title"),
		AttendeeEmail: stringArg(call.Args, "attendeeEmail"),
		AttendeeName:  stringArg(call.Args, "attendeeName"),
		StartISO:      stringArg(call.Args, "startIso"),
		EndISO:        stringArg(call.Args, "endIso"),
		Timezone:      stringArg(call.Args, "timezone"),
		Description:   stringArg(call.Args, "description"),
	}

	if req.AttendeeEmail != "" {
		req.AttendeeEmail = NormalizeSpokenEmail(req.AttendeeEmail)
		if !ValidEmail(req.AttendeeEmail) {
			return errorResult(emailRetryHint)
		}
	}

	res, err := d.backend.Schedule(ctx, req)
	if err != nil {
		return errorResult(err.Error())
	}
	if !res.OK {
		out := map[string]any{"ok": false, "reason": res.Reason}
		if res.Reason == "conflict" {
			out["busy"] = res.Busy
		}
		return out
	}
	return map[string]any{
		"ok":       true,
		"eventId":  res.EventID,
		"htmlLink": res.HTMLLink,
		"meetLink": res.MeetLink,
	}
}

func missingFields(args map[string]any, required []string) []string {
	var missing []string
	for _, field := range required {
		if stringArg(args, field) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(s)
}

func errorResult(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}
