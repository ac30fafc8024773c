package telephony

import (
	"strings"
	"testing"
	"time"

	"callcenter-platform/internal/calls"
)

func TestResponse_GatherPrompt(t *testing.T) {
	var r Response
	r.Prompt(calls.Prompt{Text: "Press 1", Gather: true, NumDigits: 1, Timeout: 7 * time.Second}, "https://cc.test/webhooks/twilio/gather")
	out, err := r.Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`<Gather input="dtmf" numDigits="1" timeout="7" action="https://cc.test/webhooks/twilio/gather" actionOnEmptyResult="true">`,
		"<Say>Press 1</Say>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in xml: %s", want, out)
		}
	}
}

func TestResponse_HoldLoopsMusic(t *testing.T) {
	var r Response
	r.Prompt(calls.Prompt{Text: "Please hold", URL: "https://cdn.test/hold.mp3", Hold: true}, "")
	out, _ := r.Render()
	if !strings.Contains(out, `<Play loop="0">https://cdn.test/hold.mp3</Play>`) {
		t.Fatalf("expected looping play: %s", out)
	}
	if strings.Contains(out, "<Gather") {
		t.Fatalf("hold prompt must not gather: %s", out)
	}
}

func TestResponse_DialTargets(t *testing.T) {
	cases := map[string]string{
		"sip:a1@pbx.test": "<Sip>sip:a1@pbx.test</Sip>",
		"client:a1":       "<Client>a1</Client>",
		"+15550100":       "<Number>+15550100</Number>",
	}
	for dest, want := range cases {
		var r Response
		if err := r.Dial(dest, 0); err != nil {
			t.Fatalf("%s: %v", dest, err)
		}
		out, _ := r.Render()
		if !strings.Contains(out, want) {
			t.Fatalf("%s: expected %q in %s", dest, want, out)
		}
	}

	var r Response
	if err := r.Dial("  ", 0); err == nil {
		t.Fatalf("expected error for empty destination")
	}
}

func TestResponse_Conference(t *testing.T) {
	var r Response
	r.Conference("cf-1", true)
	out, _ := r.Render()
	if !strings.Contains(out, `<Conference muted="true" startConferenceOnEnter="true" endConferenceOnExit="false">cf-1</Conference>`) {
		t.Fatalf("unexpected conference xml: %s", out)
	}
}
