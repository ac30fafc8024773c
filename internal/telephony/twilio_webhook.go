package telephony

import (
	"net/http"
	"strings"
	"time"

	"callcenter-platform/internal/calls"
)

// TwilioForm captures the voice webhook fields the routing core uses.
// Twilio posts application/x-www-form-urlencoded.
type TwilioForm struct {
	CallSid       string
	ParentCallSid string
	AccountSid    string
	From          string
	To            string
	Direction     string
	CallStatus    string
	Digits        string
	SpeechResult  string
	ForwardedFrom string
}

func ParseTwilioForm(r *http.Request) (TwilioForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioForm{}, err
	}
	return TwilioForm{
		CallSid:       r.PostFormValue("CallSid"),
		ParentCallSid: r.PostFormValue("ParentCallSid"),
		AccountSid:    r.PostFormValue("AccountSid"),
		From:          normalizePhone(r.PostFormValue("From")),
		To:            normalizePhone(r.PostFormValue("To")),
		Direction:     r.PostFormValue("Direction"),
		CallStatus:    strings.ToLower(r.PostFormValue("CallStatus")),
		Digits:        strings.TrimSpace(r.PostFormValue("Digits")),
		SpeechResult:  strings.TrimSpace(r.PostFormValue("SpeechResult")),
		ForwardedFrom: normalizePhone(r.PostFormValue("ForwardedFrom")),
	}, nil
}

func normalizePhone(s string) string {
	// "anonymous" and empty are kept as-is.
	return strings.TrimSpace(s)
}

func (f TwilioForm) event(t calls.EventType, now time.Time) calls.Event {
	return calls.Event{Type: t, CallID: f.CallSid, From: f.From, To: f.To, OccurredAt: now}
}

func (f TwilioForm) ArrivedEvent(now time.Time) calls.Event {
	return f.event(calls.EventCallArrived, now)
}

// GatherEvent carries the caller's input; both fields are empty on a timeout.
func (f TwilioForm) GatherEvent(now time.Time) calls.Event {
	ev := f.event(calls.EventDigitReceived, now)
	ev.Digits = f.Digits
	ev.Speech = f.SpeechResult
	return ev
}

// StatusEvent maps a status callback. Intermediate statuses report ok=false.
func (f TwilioForm) StatusEvent(now time.Time) (calls.Event, bool) {
	switch f.CallStatus {
	case "in-progress", "answered":
		return f.event(calls.EventCallAnswered, now), true
	case "completed", "busy", "failed", "no-answer", "canceled":
		return f.event(calls.EventCallEnded, now), true
	default:
		return calls.Event{}, false
	}
}
