// Package actions holds the routing actions an IVR option or script step can
// hand back to call flow. The set is closed: only this package implements Action.
package actions

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownAction = errors.New("actions: unknown action")

type Kind string

const (
	KindTransfer  Kind = "transfer"
	KindQueue     Kind = "queue"
	KindSubmenu   Kind = "submenu"
	KindHangup    Kind = "hangup"
	KindVoicemail Kind = "voicemail"
	KindWebhook   Kind = "webhook"
)

type Action interface {
	Kind() Kind
	// Value is the destination id, number, mailbox or URL; empty for Hangup.
	Value() string
	isAction()
}

type Transfer struct{ Destination string }
type Queue struct{ QueueID string }
type Submenu struct{ MenuID string }
type Hangup struct{}
type Voicemail struct{ Mailbox string }
type Webhook struct{ URL string }

func (Transfer) Kind() Kind  { return KindTransfer }
func (Queue) Kind() Kind     { return KindQueue }
func (Submenu) Kind() Kind   { return KindSubmenu }
func (Hangup) Kind() Kind    { return KindHangup }
func (Voicemail) Kind() Kind { return KindVoicemail }
func (Webhook) Kind() Kind   { return KindWebhook }

func (a Transfer) Value() string  { return a.Destination }
func (a Queue) Value() string     { return a.QueueID }
func (a Submenu) Value() string   { return a.MenuID }
func (Hangup) Value() string      { return "" }
func (a Voicemail) Value() string { return a.Mailbox }
func (a Webhook) Value() string   { return a.URL }

func (Transfer) isAction()  {}
func (Queue) isAction()     {}
func (Submenu) isAction()   {}
func (Hangup) isAction()    {}
func (Voicemail) isAction() {}
func (Webhook) isAction()   {}

// Parse builds an action from its stored (kind, value) pair.
func Parse(kind, value string) (Action, error) {
	value = strings.TrimSpace(value)
	need := func(a Action) (Action, error) {
		if value == "" {
			return nil, fmt.Errorf("%w: %s needs a value", ErrUnknownAction, kind)
		}
		return a, nil
	}
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case KindTransfer:
		return need(Transfer{Destination: value})
	case KindQueue:
		return need(Queue{QueueID: value})
	case KindSubmenu:
		return need(Submenu{MenuID: value})
	case KindHangup:
		return Hangup{}, nil
	case KindVoicemail:
		// a voicemail with no mailbox goes to the workspace default
		return Voicemail{Mailbox: value}, nil
	case KindWebhook:
		return need(Webhook{URL: value})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
}

// Terminal reports whether the action ends the engine that produced it.
// Submenu and Webhook are resolved inside the IVR engine.
func Terminal(a Action) bool {
	switch a.(type) {
	case Submenu, Webhook:
		return false
	default:
		return true
	}
}
