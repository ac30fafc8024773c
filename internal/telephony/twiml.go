package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
	"time"

	"callcenter-platform/internal/calls"
)

// TwiML is rendered with encoding/xml; there is no Twilio SDK dependency.

var errEmptyDestination = errors.New("telephony: destination required")

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	Loop    string   `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	NumDigits     int      `xml:"numDigits,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	ActionOnEmpty bool     `xml:"actionOnEmptyResult,attr"`
	Verbs         []any    `xml:",any"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlRecord struct {
	XMLName        xml.Name `xml:"Record"`
	MaxLength      int      `xml:"maxLength,attr"`
	PlayBeep       bool     `xml:"playBeep,attr"`
	StatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
}

type twimlDial struct {
	XMLName    xml.Name         `xml:"Dial"`
	Timeout    int              `xml:"timeout,attr,omitempty"`
	Number     string           `xml:"Number,omitempty"`
	Sip        *twimlSip        `xml:"Sip,omitempty"`
	Client     string           `xml:"Client,omitempty"`
	Conference *twimlConference `xml:"Conference,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

type twimlConference struct {
	Muted                  bool   `xml:"muted,attr"`
	StartConferenceOnEnter bool   `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit    bool   `xml:"endConferenceOnExit,attr"`
	Name                   string `xml:",chardata"`
}

// Response accumulates verbs for one TwiML document.
type Response struct {
	verbs []any
}

func (r *Response) Len() int { return len(r.verbs) }

func (r *Response) add(v ...any) { r.verbs = append(r.verbs, v...) }

// Prompt adds a prompt. A gathering prompt posts its result to gatherURL,
// including an empty result when the caller says nothing.
func (r *Response) Prompt(p calls.Prompt, gatherURL string) {
	media := promptVerbs(p)
	if p.Gather {
		g := twimlGather{
			Input:         "dtmf",
			NumDigits:     p.NumDigits,
			Timeout:       seconds(p.Timeout),
			Action:        gatherURL,
			ActionOnEmpty: true,
			Verbs:         media,
		}
		if p.Speech {
			g.Input = "dtmf speech"
		}
		r.add(g)
		return
	}
	r.add(media...)
	if p.Hold && p.URL == "" {
		r.add(twimlPause{Length: 600})
	}
}

func promptVerbs(p calls.Prompt) []any {
	var out []any
	if strings.TrimSpace(p.Text) != "" {
		out = append(out, twimlSay{Text: p.Text})
	}
	if p.URL != "" {
		play := twimlPlay{URL: p.URL}
		if p.Hold {
			play.Loop = "0"
		}
		out = append(out, play)
	}
	return out
}

// Dial connects the call to a number, SIP URI or "client:<id>".
func (r *Response) Dial(destination string, timeout time.Duration) error {
	d := twimlDial{Timeout: seconds(timeout)}
	dest := strings.TrimSpace(destination)
	lower := strings.ToLower(dest)
	switch {
	case dest == "":
		return errEmptyDestination
	case strings.HasPrefix(lower, "sip:"):
		d.Sip = &twimlSip{URI: dest}
	case strings.HasPrefix(lower, "client:"):
		d.Client = dest[len("client:"):]
	default:
		d.Number = dest
	}
	r.add(d)
	return nil
}

func (r *Response) Conference(name string, muted bool) {
	r.add(twimlDial{Conference: &twimlConference{
		Name:                   name,
		Muted:                  muted,
		StartConferenceOnEnter: true,
	}})
}

func (r *Response) Voicemail(statusCallback string) {
	r.add(
		twimlSay{Text: "Please leave a message after the tone."},
		twimlRecord{MaxLength: 120, PlayBeep: true, StatusCallback: statusCallback},
		twimlHangup{},
	)
}

func (r *Response) Hangup() { r.add(twimlHangup{}) }

func (r *Response) Pause(d time.Duration) { r.add(twimlPause{Length: seconds(d)}) }

func (r *Response) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(twimlResponse{Verbs: r.verbs}); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if s == 0 {
		s = 1
	}
	return s
}
