package calls

import (
	"context"
	"time"
)

// Prompt is played to a caller. When Gather is set the carrier collects input
// and reports it as a DigitReceived event.
type Prompt struct {
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`

	Gather    bool          `json:"gather,omitempty"`
	NumDigits int           `json:"num_digits,omitempty"`
	Speech    bool          `json:"speech,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`

	// Hold loops URL (or pauses after Text) until another command replaces it.
	Hold bool `json:"hold,omitempty"`
}

// DialRequest places a new outbound leg.
type DialRequest struct {
	WorkspaceID string
	To          string
	From        string

	// ConferenceID, when set, drops the answered leg straight into that conference.
	ConferenceID string
	Timeout      time.Duration
}

// Commander issues outward commands to the carrier layer.
// A nil error means the carrier acknowledged the command.
type Commander interface {
	PlayPrompt(ctx context.Context, callID string, p Prompt) error
	Transfer(ctx context.Context, callID, destination string) error
	Hangup(ctx context.Context, callID string) error
	Voicemail(ctx context.Context, callID, mailbox string) error

	JoinConference(ctx context.Context, callID, conferenceID string, muted bool) error
	MuteParticipant(ctx context.Context, conferenceID, callID string, muted bool) error
	EndConference(ctx context.Context, conferenceID string) error

	// Dial rings a destination and returns the new leg's call id.
	// The answer is reported later as a CallAnswered event for that id.
	Dial(ctx context.Context, req DialRequest) (string, error)
	// Bridge connects callID with an answered leg.
	Bridge(ctx context.Context, callID, legID string) error
}
