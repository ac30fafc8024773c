package calls

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Command is one recorded outward command.
type Command struct {
	Name        string
	CallID      string
	Destination string
	Prompt      Prompt
	Muted       bool
}

// Recorder is a Commander that acknowledges every command and keeps them in memory.
// Used by tests and by local runs without carrier credentials.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	legs     atomic.Int64

	// Fail, when set, is consulted before acknowledging a command.
	Fail func(name, callID string) error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) record(c Command) error {
	if r.Fail != nil {
		if err := r.Fail(c.Name, c.CallID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	return nil
}

func (r *Recorder) PlayPrompt(ctx context.Context, callID string, p Prompt) error {
	return r.record(Command{Name: "play", CallID: callID, Prompt: p})
}

func (r *Recorder) Transfer(ctx context.Context, callID, destination string) error {
	return r.record(Command{Name: "transfer", CallID: callID, Destination: destination})
}

func (r *Recorder) Hangup(ctx context.Context, callID string) error {
	return r.record(Command{Name: "hangup", CallID: callID})
}

func (r *Recorder) Voicemail(ctx context.Context, callID, mailbox string) error {
	return r.record(Command{Name: "voicemail", CallID: callID, Destination: mailbox})
}

func (r *Recorder) JoinConference(ctx context.Context, callID, conferenceID string, muted bool) error {
	return r.record(Command{Name: "join_conference", CallID: callID, Destination: conferenceID, Muted: muted})
}

func (r *Recorder) MuteParticipant(ctx context.Context, conferenceID, callID string, muted bool) error {
	return r.record(Command{Name: "mute", CallID: callID, Destination: conferenceID, Muted: muted})
}

func (r *Recorder) EndConference(ctx context.Context, conferenceID string) error {
	return r.record(Command{Name: "end_conference", Destination: conferenceID})
}

func (r *Recorder) Dial(ctx context.Context, req DialRequest) (string, error) {
	leg := fmt.Sprintf("leg-%d", r.legs.Add(1))
	if err := r.record(Command{Name: "dial", CallID: leg, Destination: req.To}); err != nil {
		return "", err
	}
	return leg, nil
}

func (r *Recorder) Bridge(ctx context.Context, callID, legID string) error {
	return r.record(Command{Name: "bridge", CallID: callID, Destination: legID})
}

// Commands returns a copy of everything recorded so far.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Named returns recorded commands with the given name.
func (r *Recorder) Named(name string) []Command {
	var out []Command
	for _, c := range r.Commands() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
