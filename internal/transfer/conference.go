package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"callcenter-platform/internal/analytics"
	"callcenter-platform/internal/calls"
)

const defaultMaxParticipants = 10

type ConferenceRequest struct {
	WorkspaceID     string `json:"workspace_id"`
	Name            string `json:"name"`
	HostUserID      string `json:"host_user_id"`
	PIN             string `json:"pin,omitempty"`
	MaxParticipants int    `json:"max_participants"`
	IsRecording     bool   `json:"is_recording"`
}

// JoinRequest adds one participant. An existing CallID is moved into the
// conference; otherwise PhoneNumber is dialled. AgentID, when set, is claimed
// for as long as the participant stays.
type JoinRequest struct {
	ConferenceID string `json:"-"`
	WorkspaceID  string `json:"workspace_id"`
	CallID       string `json:"call_id,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	PIN          string `json:"pin,omitempty"`
	Muted        bool   `json:"muted"`
}

func (c *Coordinator) lockConference(id string) func() {
	v, _ := c.confLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) CreateConference(ctx context.Context, req ConferenceRequest) (Conference, error) {
	if req.WorkspaceID == "" || req.Name == "" {
		return Conference{}, fmt.Errorf("%w: workspace_id and name are required", ErrInvalidTransfer)
	}
	if req.MaxParticipants < 0 {
		return Conference{}, fmt.Errorf("%w: max_participants must be positive", ErrInvalidTransfer)
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}
	conf := Conference{
		ID:              uuid.NewString(),
		WorkspaceID:     req.WorkspaceID,
		Name:            req.Name,
		HostUserID:      req.HostUserID,
		PIN:             req.PIN,
		MaxParticipants: req.MaxParticipants,
		IsRecording:     req.IsRecording,
		Status:          ConferenceScheduled,
		CreatedAt:       c.now().UTC(),
	}
	if err := c.repo.SaveConference(ctx, conf); err != nil {
		return Conference{}, err
	}
	c.publishConference(ctx, conf, "")
	return conf, nil
}

func (c *Coordinator) Conference(ctx context.Context, workspaceID, id string) (Conference, error) {
	conf, err := c.repo.GetConference(ctx, id)
	if err != nil {
		return Conference{}, err
	}
	if conf.WorkspaceID != workspaceID {
		return Conference{}, ErrConferenceNotFound
	}
	return conf, nil
}

// Join adds a participant. The first join moves a scheduled conference to active.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (Participant, error) {
	if req.CallID == "" && req.PhoneNumber == "" {
		return Participant{}, fmt.Errorf("%w: call_id or phone_number is required", ErrInvalidTransfer)
	}
	unlock := c.lockConference(req.ConferenceID)
	defer unlock()

	conf, err := c.Conference(ctx, req.WorkspaceID, req.ConferenceID)
	if err != nil {
		return Participant{}, err
	}
	if conf.Status == ConferenceEnded {
		return Participant{}, ErrConferenceEnded
	}
	if conf.PIN != "" && conf.PIN != req.PIN {
		return Participant{}, ErrInvalidPIN
	}
	if conf.ActiveCount() >= conf.MaxParticipants {
		return Participant{}, ErrConferenceFull
	}

	p := Participant{
		ID:           uuid.NewString(),
		ConferenceID: conf.ID,
		CallID:       req.CallID,
		PhoneNumber:  req.PhoneNumber,
		UserID:       req.UserID,
		AgentID:      req.AgentID,
		IsMuted:      req.Muted,
	}
	if p.AgentID != "" {
		ok, err := c.agents.Claim(ctx, p.AgentID)
		if err != nil {
			return Participant{}, err
		}
		if !ok {
			return Participant{}, ErrAgentUnavailable
		}
		p.HoldsClaim = true
	}

	if err := c.connect(ctx, &conf, &p); err != nil {
		if p.HoldsClaim {
			c.release(ctx, p.AgentID)
		}
		return Participant{}, err
	}

	p.JoinedAt = c.now().UTC()
	p.IsHost = !hasHost(conf) && (conf.HostUserID == "" || p.UserID == conf.HostUserID)
	conf.Participants = append(conf.Participants, p)
	c.activate(ctx, &conf)
	if err := c.repo.SaveConference(ctx, conf); err != nil {
		return Participant{}, err
	}
	return p, nil
}

// connect issues the carrier command that puts p on the conference bridge.
func (c *Coordinator) connect(ctx context.Context, conf *Conference, p *Participant) error {
	if p.CallID != "" {
		return c.commander.JoinConference(ctx, p.CallID, conf.ID, p.IsMuted)
	}
	leg, err := c.commander.Dial(ctx, calls.DialRequest{
		WorkspaceID:  conf.WorkspaceID,
		To:           p.PhoneNumber,
		ConferenceID: conf.ID,
	})
	if err != nil {
		return err
	}
	p.CallID = leg
	return nil
}

func hasHost(conf Conference) bool {
	for _, p := range conf.Participants {
		if p.Present() && p.IsHost {
			return true
		}
	}
	return false
}

func (c *Coordinator) activate(ctx context.Context, conf *Conference) {
	if conf.Status != ConferenceScheduled {
		return
	}
	now := c.now().UTC()
	conf.Status = ConferenceActive
	conf.StartedAt = &now
	c.metrics.ConferencesActive.Inc()
	c.publishConference(ctx, *conf, "")
}

// Leave removes a participant and releases any capacity they held. When the
// host leaves, the longest-present participant takes over; when nobody is
// left, the conference ends.
func (c *Coordinator) Leave(ctx context.Context, workspaceID, conferenceID, participantID string) error {
	unlock := c.lockConference(conferenceID)
	defer unlock()

	conf, err := c.Conference(ctx, workspaceID, conferenceID)
	if err != nil {
		return err
	}
	p, ok := conf.participant(participantID)
	if !ok {
		return ErrParticipantNotFound
	}
	if !p.Present() {
		return nil
	}
	c.depart(ctx, &conf, p)
	return c.repo.SaveConference(ctx, conf)
}

func (c *Coordinator) depart(ctx context.Context, conf *Conference, p *Participant) {
	now := c.now().UTC()
	p.LeftAt = &now
	wasHost := p.IsHost
	p.IsHost = false
	if p.HoldsClaim {
		p.HoldsClaim = false
		c.release(ctx, p.AgentID)
		if c.router != nil {
			c.router.AgentReleased(ctx, p.AgentID)
		}
	}
	if conf.Status == ConferenceEnded {
		return
	}
	if conf.ActiveCount() == 0 {
		c.end(ctx, conf, "empty")
		return
	}
	if wasHost {
		conf.promoteHost()
		c.publishConference(ctx, *conf, "host_changed")
	}
}

func (c *Coordinator) end(ctx context.Context, conf *Conference, reason string) {
	now := c.now().UTC()
	if conf.Status == ConferenceActive {
		c.metrics.ConferencesActive.Dec()
	}
	conf.Status = ConferenceEnded
	conf.EndedAt = &now
	c.publishConference(ctx, *conf, reason)
}

// Mute toggles a participant's audio on the bridge.
func (c *Coordinator) Mute(ctx context.Context, workspaceID, conferenceID, participantID string, muted bool) error {
	unlock := c.lockConference(conferenceID)
	defer unlock()

	conf, err := c.Conference(ctx, workspaceID, conferenceID)
	if err != nil {
		return err
	}
	if conf.Status == ConferenceEnded {
		return ErrConferenceEnded
	}
	p, ok := conf.participant(participantID)
	if !ok || !p.Present() {
		return ErrParticipantNotFound
	}
	if err := c.commander.MuteParticipant(ctx, conf.ID, p.CallID, muted); err != nil {
		return err
	}
	p.IsMuted = muted
	return c.repo.SaveConference(ctx, conf)
}

// Close ends the conference for everyone. Closing an ended conference is a no-op.
func (c *Coordinator) Close(ctx context.Context, workspaceID, conferenceID string) error {
	unlock := c.lockConference(conferenceID)
	defer unlock()

	conf, err := c.Conference(ctx, workspaceID, conferenceID)
	if err != nil {
		return err
	}
	if conf.Status == ConferenceEnded {
		return nil
	}
	c.closeLocked(ctx, &conf, "closed")
	return c.repo.SaveConference(ctx, conf)
}

func (c *Coordinator) closeLocked(ctx context.Context, conf *Conference, reason string) {
	if conf.Status == ConferenceActive {
		if err := c.commander.EndConference(ctx, conf.ID); err != nil {
			c.log.Warn("end conference", "conference_id", conf.ID, "error", err)
		}
	}
	c.end(ctx, conf, reason)
	for i := range conf.Participants {
		if conf.Participants[i].Present() {
			c.depart(ctx, conf, &conf.Participants[i])
		}
	}
}

// ConferenceTransfer creates an active conference holding the caller, the
// current agent as host and the target agent. The call itself moves to the
// target; the original agent keeps one unit of capacity until they leave.
func (c *Coordinator) ConferenceTransfer(ctx context.Context, req Request) (Transfer, error) {
	req.Type = TypeConference
	a, target, t, err := c.prepare(ctx, req)
	if err != nil {
		return t, err
	}
	from, err := c.agents.Get(ctx, a.AgentID)
	if err != nil {
		c.release(ctx, target.ID)
		t = c.fail(ctx, t, "agent_lookup")
		return t, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	now := c.now().UTC()
	conf := Conference{
		ID:              uuid.NewString(),
		WorkspaceID:     req.WorkspaceID,
		Name:            "transfer " + req.CallID,
		HostUserID:      from.UserID,
		MaxParticipants: defaultMaxParticipants,
		Status:          ConferenceScheduled,
		CallID:          req.CallID,
		CreatedAt:       now,
	}
	unlock := c.lockConference(conf.ID)
	defer unlock()

	parts := []Participant{
		{CallID: req.CallID, PhoneNumber: a.Caller},
		{PhoneNumber: destination(from), UserID: from.UserID, AgentID: from.ID, IsHost: true},
		{PhoneNumber: destination(target), UserID: target.UserID, AgentID: target.ID},
	}
	for i := range parts {
		p := &parts[i]
		p.ID = uuid.NewString()
		p.ConferenceID = conf.ID
		if err := c.connect(ctx, &conf, p); err != nil {
			c.release(ctx, target.ID)
			if i > 0 {
				if endErr := c.commander.EndConference(ctx, conf.ID); endErr != nil {
					c.log.Warn("end conference", "conference_id", conf.ID, "error", endErr)
				}
			}
			t = c.fail(ctx, t, "carrier_rejected")
			return t, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		p.JoinedAt = now
	}

	// The caller's attribution moves to the target, whose claim now backs it.
	// The original agent's unit stays with their participant record.
	if _, err := c.tracker.Reassign(req.CallID, target.ID, now); err != nil {
		c.release(ctx, target.ID)
		if endErr := c.commander.EndConference(ctx, conf.ID); endErr != nil {
			c.log.Warn("end conference", "conference_id", conf.ID, "error", endErr)
		}
		t = c.fail(ctx, t, "call_ended")
		return t, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	parts[1].HoldsClaim = true

	conf.Participants = parts
	c.activate(ctx, &conf)
	if err := c.repo.SaveConference(ctx, conf); err != nil {
		c.log.Error("save conference", "conference_id", conf.ID, "error", err)
	}

	t.ConferenceID = conf.ID
	return c.complete(ctx, t), nil
}

// leaveByCall runs when a call hangs up. The call leaves every active
// conference it is in; a conference built around that call ends.
func (c *Coordinator) leaveByCall(ctx context.Context, callID string) {
	ids, err := c.repo.ActiveConferencesForCall(ctx, callID)
	if err != nil {
		c.log.Warn("conferences for call", "call_id", callID, "error", err)
		return
	}
	for _, id := range ids {
		c.dropCall(ctx, id, callID)
	}
}

func (c *Coordinator) dropCall(ctx context.Context, conferenceID, callID string) {
	unlock := c.lockConference(conferenceID)
	defer unlock()

	conf, err := c.repo.GetConference(ctx, conferenceID)
	if errors.Is(err, ErrConferenceNotFound) {
		return
	}
	if err != nil {
		c.log.Warn("load conference", "conference_id", conferenceID, "error", err)
		return
	}
	if conf.Status == ConferenceEnded {
		return
	}
	if conf.CallID == callID {
		c.closeLocked(ctx, &conf, "call_ended")
	} else if p, ok := conf.participantByCall(callID); ok {
		c.depart(ctx, &conf, p)
	}
	if err := c.repo.SaveConference(ctx, conf); err != nil {
		c.log.Error("save conference", "conference_id", conferenceID, "error", err)
	}
}

func (c *Coordinator) publishConference(ctx context.Context, conf Conference, reason string) {
	if reason == "" {
		reason = string(conf.Status)
	}
	c.events.Publish(ctx, analytics.Event{
		WorkspaceID:  conf.WorkspaceID,
		Type:         analytics.EventConference,
		CallID:       conf.CallID,
		ConferenceID: conf.ID,
		Reason:       reason,
	})
}
