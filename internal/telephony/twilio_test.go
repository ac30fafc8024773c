package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callcenter-platform/internal/calls"
)

type twilioStub struct {
	mu    sync.Mutex
	posts map[string]url.Values
	srv   *httptest.Server
}

func newTwilioStub(t *testing.T) *twilioStub {
	t.Helper()
	s := &twilioStub{posts: map[string]url.Values{}}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "AC1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/Conferences.json") {
			if r.URL.Query().Get("FriendlyName") == "cf-1" {
				_, _ = w.Write([]byte(`{"conferences":[{"sid":"CF99"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"conferences":[]}`))
			return
		}
		_ = r.ParseForm()
		s.mu.Lock()
		s.posts[r.URL.Path] = r.PostForm
		s.mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/Calls.json") {
			_, _ = w.Write([]byte(`{"sid":"CA-leg"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *twilioStub) post(path string) (url.Values, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.posts[path]
	return v, ok
}

func newCommander(s *twilioStub) *TwilioCommander {
	return NewTwilioCommander(TwilioOptions{
		AccountSID:    "AC1",
		AuthToken:     "secret",
		APIBaseURL:    s.srv.URL,
		PublicBaseURL: "https://cc.test",
		CallerID:      "+15550000000",
	})
}

func TestTwilioCommander_DialPostsLeg(t *testing.T) {
	s := newTwilioStub(t)
	c := newCommander(s)

	leg, err := c.Dial(context.Background(), calls.DialRequest{To: "sip:a2@pbx.test", ConferenceID: "cf-1", Timeout: 20 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if leg != "CA-leg" {
		t.Fatalf("expected leg sid, got %q", leg)
	}
	form, ok := s.post("/2010-04-01/Accounts/AC1/Calls.json")
	if !ok {
		t.Fatalf("expected calls post")
	}
	if form.Get("From") != "+15550000000" || form.Get("Timeout") != "20" {
		t.Fatalf("unexpected form: %v", form)
	}
	if form.Get("Url") != "https://cc.test/webhooks/twilio/leg?conference=cf-1" {
		t.Fatalf("unexpected leg url: %q", form.Get("Url"))
	}
	if got := form["StatusCallbackEvent"]; len(got) != 2 {
		t.Fatalf("expected two status events, got %v", got)
	}
}

func TestTwilioCommander_CaptureBuffersInFlightCall(t *testing.T) {
	s := newTwilioStub(t)
	c := newCommander(s)
	ctx := context.Background()

	twiml, err := c.Capture("CA1", func() error {
		if err := c.PlayPrompt(ctx, "CA1", calls.Prompt{Text: "Hello"}); err != nil {
			return err
		}
		// Other calls still go over REST.
		return c.Hangup(ctx, "CA2")
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !strings.Contains(twiml, "<Say>Hello</Say>") {
		t.Fatalf("expected buffered prompt: %s", twiml)
	}
	if _, ok := s.post("/2010-04-01/Accounts/AC1/Calls/CA1.json"); ok {
		t.Fatalf("in-flight call must not be updated over REST")
	}
	form, ok := s.post("/2010-04-01/Accounts/AC1/Calls/CA2.json")
	if !ok || form.Get("Status") != "completed" {
		t.Fatalf("expected REST hangup for CA2, got %v", form)
	}

	// After capture the same call is live-updated.
	if err := c.Transfer(ctx, "CA1", "+15550100"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	form, ok = s.post("/2010-04-01/Accounts/AC1/Calls/CA1.json")
	if !ok || !strings.Contains(form.Get("Twiml"), "<Number>+15550100</Number>") {
		t.Fatalf("expected live twiml update, got %v", form)
	}
}

func TestTwilioCommander_ConferenceControl(t *testing.T) {
	s := newTwilioStub(t)
	c := newCommander(s)
	ctx := context.Background()

	if err := c.MuteParticipant(ctx, "cf-1", "CA7", true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	form, ok := s.post("/2010-04-01/Accounts/AC1/Conferences/CF99/Participants/CA7.json")
	if !ok || form.Get("Muted") != "true" {
		t.Fatalf("unexpected mute post: %v", form)
	}
	if err := c.MuteParticipant(ctx, "gone", "CA7", true); !errors.Is(err, ErrCarrierRejected) {
		t.Fatalf("expected ErrCarrierRejected, got %v", err)
	}
	if err := c.EndConference(ctx, "gone"); err != nil {
		t.Fatalf("ending a finished conference should be a no-op, got %v", err)
	}
}

type eventFunc func(ctx context.Context, ev calls.Event) error

func (f eventFunc) HandleEvent(ctx context.Context, ev calls.Event) error { return f(ctx, ev) }

func TestWebhookHandler_VoiceReturnsCapturedTwiML(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTwilioStub(t)
	c := newCommander(s)

	var got calls.Event
	h := TwilioWebhookHandler{
		Commander: c,
		Events: eventFunc(func(ctx context.Context, ev calls.Event) error {
			got = ev
			return c.PlayPrompt(ctx, ev.CallID, calls.Prompt{Text: "Press 1", Gather: true, NumDigits: 1})
		}),
	}
	r := gin.New()
	h.Register(r.Group("/webhooks/twilio"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, formRequest("CallSid=CA1&From=%2B15551234567&To=%2B15557654321"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got.Type != calls.EventCallArrived || got.To != "+15557654321" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if !strings.Contains(w.Body.String(), `action="https://cc.test/webhooks/twilio/gather"`) {
		t.Fatalf("expected gather callback in twiml: %s", w.Body.String())
	}
}

func TestWebhookHandler_StatusIgnoresRinging(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var n int
	h := TwilioWebhookHandler{Events: eventFunc(func(ctx context.Context, ev calls.Event) error { n++; return nil })}
	r := gin.New()
	h.Register(r.Group("/webhooks/twilio"))

	for _, status := range []string{"ringing", "completed"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader("CallSid=CA1&CallStatus="+status))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	}
	if n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func TestValidateTwilioSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/voice", ValidateTwilioSignature("secret", "https://cc.test"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	form := url.Values{"CallSid": {"CA1"}, "To": {"+15557654321"}}
	sig := TwilioSignature("secret", "https://cc.test/webhooks/twilio/voice", form)

	for _, tc := range []struct {
		sig  string
		want int
	}{
		{sig, http.StatusNoContent},
		{"bogus", http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/voice", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", tc.sig)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("signature %q: expected %d, got %d", tc.sig, tc.want, w.Code)
		}
	}
}
