package ivr

import (
	"context"
	"fmt"
	"time"

	"callcenter-platform/internal/actions"

	"github.com/go-resty/resty/v2"
)

// WebhookRequest is the call context posted to a webhook option.
type WebhookRequest struct {
	CallID      string `json:"call_id"`
	WorkspaceID string `json:"workspace_id"`
	MenuID      string `json:"menu_id"`
	Digits      string `json:"digits"`
}

type webhookResponse struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

// Resolver turns a webhook option into the next action.
type Resolver interface {
	Resolve(ctx context.Context, hook actions.Webhook, req WebhookRequest) (actions.Action, error)
}

// WebhookResolver posts call context as JSON and expects {"action": ..., "value": ...}.
type WebhookResolver struct {
	client *resty.Client
}

func NewWebhookResolver(timeout time.Duration) *WebhookResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &WebhookResolver{client: client}
}

// Resolve fails with ErrInvalidInput on timeout, non-2xx or a malformed body.
func (r *WebhookResolver) Resolve(ctx context.Context, hook actions.Webhook, req WebhookRequest) (actions.Action, error) {
	var out webhookResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(hook.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook %s: %v", ErrInvalidInput, hook.URL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: webhook %s: status %s", ErrInvalidInput, hook.URL, resp.Status())
	}
	a, err := actions.Parse(out.Action, out.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook %s: %v", ErrInvalidInput, hook.URL, err)
	}
	if _, chained := a.(actions.Webhook); chained {
		return nil, fmt.Errorf("%w: webhook %s returned another webhook", ErrInvalidInput, hook.URL)
	}
	return a, nil
}
