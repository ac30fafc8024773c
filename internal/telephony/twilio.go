package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"callcenter-platform/internal/calls"
)

var ErrCarrierRejected = errors.New("telephony: carrier rejected command")

type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	APIBaseURL string
	// PublicBaseURL is where Twilio reaches this service's webhooks.
	PublicBaseURL string
	// CallerID is the From number for outbound legs.
	CallerID string
	Timeout  time.Duration
}

// TwilioCommander implements calls.Commander. Commands for a call whose
// webhook is being answered are buffered and returned as that response's
// TwiML; all other commands go over the REST API.
type TwilioCommander struct {
	client     *resty.Client
	accountSID string
	publicURL  string
	callerID   string

	mu       sync.Mutex
	inflight map[string]*capture
}

type capture struct {
	resp   Response
	closed bool
}

func NewTwilioCommander(opts TwilioOptions) *TwilioCommander {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = "https://api.twilio.com"
	}
	client := resty.New().
		SetBaseURL(opts.APIBaseURL).
		SetBasicAuth(opts.AccountSID, opts.AuthToken).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	return &TwilioCommander{
		client:     client,
		accountSID: opts.AccountSID,
		publicURL:  opts.PublicBaseURL,
		callerID:   opts.CallerID,
		inflight:   make(map[string]*capture),
	}
}

// Capture runs fn with commands for callID buffered, then renders them.
// fn's error is returned alongside whatever TwiML was produced.
func (c *TwilioCommander) Capture(callID string, fn func() error) (string, error) {
	cp := &capture{}
	c.mu.Lock()
	c.inflight[callID] = cp
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	if c.inflight[callID] == cp {
		delete(c.inflight, callID)
	}
	cp.closed = true
	resp := cp.resp
	c.mu.Unlock()

	twiml, rerr := resp.Render()
	return twiml, errors.Join(err, rerr)
}

// buffer applies fn to the open response for callID. It reports false when
// the call has no webhook in flight.
func (c *TwilioCommander) buffer(callID string, fn func(r *Response) error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.inflight[callID]
	if !ok || cp.closed {
		return false, nil
	}
	return true, fn(&cp.resp)
}

// command buffers fn for an in-flight call, or pushes it as live TwiML.
func (c *TwilioCommander) command(ctx context.Context, callID string, fn func(r *Response) error) error {
	if ok, err := c.buffer(callID, fn); ok {
		return err
	}
	var r Response
	if err := fn(&r); err != nil {
		return err
	}
	twiml, err := r.Render()
	if err != nil {
		return err
	}
	return c.updateCall(ctx, callID, url.Values{"Twiml": {twiml}})
}

func (c *TwilioCommander) PlayPrompt(ctx context.Context, callID string, p calls.Prompt) error {
	return c.command(ctx, callID, func(r *Response) error {
		r.Prompt(p, c.webhook("gather", nil))
		return nil
	})
}

func (c *TwilioCommander) Transfer(ctx context.Context, callID, destination string) error {
	return c.command(ctx, callID, func(r *Response) error { return r.Dial(destination, 0) })
}

func (c *TwilioCommander) Hangup(ctx context.Context, callID string) error {
	if ok, err := c.buffer(callID, func(r *Response) error { r.Hangup(); return nil }); ok {
		return err
	}
	return c.updateCall(ctx, callID, url.Values{"Status": {"completed"}})
}

func (c *TwilioCommander) Voicemail(ctx context.Context, callID, mailbox string) error {
	return c.command(ctx, callID, func(r *Response) error {
		r.Voicemail(c.webhook("recording", url.Values{"mailbox": {mailbox}}))
		return nil
	})
}

func (c *TwilioCommander) JoinConference(ctx context.Context, callID, conferenceID string, muted bool) error {
	return c.command(ctx, callID, func(r *Response) error {
		r.Conference(conferenceID, muted)
		return nil
	})
}

func (c *TwilioCommander) MuteParticipant(ctx context.Context, conferenceID, callID string, muted bool) error {
	sid, ok, err := c.conferenceSid(ctx, conferenceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: conference %s is not in progress", ErrCarrierRejected, conferenceID)
	}
	return c.post(ctx, c.accountPath("Conferences", sid, "Participants", callID), url.Values{
		"Muted": {strconv.FormatBool(muted)},
	}, nil)
}

// EndConference is a no-op for a conference Twilio no longer has in progress.
func (c *TwilioCommander) EndConference(ctx context.Context, conferenceID string) error {
	sid, ok, err := c.conferenceSid(ctx, conferenceID)
	if err != nil || !ok {
		return err
	}
	return c.post(ctx, c.accountPath("Conferences", sid), url.Values{"Status": {"completed"}}, nil)
}

type twilioCall struct {
	Sid string `json:"sid"`
}

// Dial places an outbound leg. Its answer and hang-up come back through the
// status webhook.
func (c *TwilioCommander) Dial(ctx context.Context, req calls.DialRequest) (string, error) {
	from := req.From
	if from == "" {
		from = c.callerID
	}
	var leg url.Values
	if req.ConferenceID != "" {
		leg = url.Values{"conference": {req.ConferenceID}}
	}
	form := url.Values{
		"To":                  {req.To},
		"From":                {from},
		"Url":                 {c.webhook("leg", leg)},
		"StatusCallback":      {c.webhook("status", nil)},
		"StatusCallbackEvent": {"answered", "completed"},
	}
	if s := seconds(req.Timeout); s > 0 {
		form.Set("Timeout", strconv.Itoa(s))
	}
	var out twilioCall
	if err := c.post(ctx, c.accountPath("Calls"), form, &out); err != nil {
		return "", err
	}
	if out.Sid == "" {
		return "", fmt.Errorf("%w: dial returned no call sid", ErrCarrierRejected)
	}
	return out.Sid, nil
}

// Bridge puts the caller and the answered leg into a private conference.
func (c *TwilioCommander) Bridge(ctx context.Context, callID, legID string) error {
	room := "bridge-" + legID
	if err := c.JoinConference(ctx, legID, room, false); err != nil {
		return err
	}
	return c.JoinConference(ctx, callID, room, false)
}

type conferenceList struct {
	Conferences []twilioCall `json:"conferences"`
}

func (c *TwilioCommander) conferenceSid(ctx context.Context, name string) (string, bool, error) {
	var out conferenceList
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"FriendlyName": name, "Status": "in-progress"}).
		SetResult(&out).
		Get(c.accountPath("Conferences"))
	if err != nil {
		return "", false, err
	}
	if resp.IsError() {
		return "", false, fmt.Errorf("%w: list conferences: status %s", ErrCarrierRejected, resp.Status())
	}
	if len(out.Conferences) == 0 {
		return "", false, nil
	}
	return out.Conferences[0].Sid, true, nil
}

func (c *TwilioCommander) updateCall(ctx context.Context, callID string, form url.Values) error {
	return c.post(ctx, c.accountPath("Calls", callID), form, nil)
}

func (c *TwilioCommander) post(ctx context.Context, path string, form url.Values, result any) error {
	req := c.client.R().
		SetContext(ctx).
		SetFormDataFromValues(form)
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: status %s: %s", ErrCarrierRejected, path, resp.Status(), resp.String())
	}
	return nil
}

func (c *TwilioCommander) accountPath(parts ...string) string {
	p := "/2010-04-01/Accounts/" + url.PathEscape(c.accountSID)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p + ".json"
}

func (c *TwilioCommander) webhook(name string, q url.Values) string {
	u := c.publicURL + "/webhooks/twilio/" + name
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
