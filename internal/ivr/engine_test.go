package ivr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callcenter-platform/internal/actions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mainMenu() Menu {
	return Menu{
		ID:             "main",
		WorkspaceID:    "ws1",
		Name:           "Main",
		WelcomeMessage: "Press 1 for sales, 2 for support.",
		InvalidMessage: "Sorry, that is not an option.",
		TimeoutMessage: "We did not hear anything.",
		MaxRetries:     2,
		Options: map[string]actions.Action{
			"1": actions.Transfer{Destination: "agent-a"},
			"2": actions.Queue{QueueID: "queue-b"},
		},
	}
}

func newEngine(t *testing.T, menus ...Menu) (*Engine, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	for _, m := range menus {
		require.NoError(t, repo.Save(context.Background(), m))
	}
	return NewEngine(Deps{Menus: repo}), repo
}

func TestEngine_RetriesThenFallback(t *testing.T) {
	e, _ := newEngine(t, mainMenu())
	ctx := context.Background()

	start, err := e.Start(ctx, "c1", "ws1", "main")
	require.NoError(t, err)
	assert.True(t, start.Prompt.Gather)
	assert.Equal(t, "Press 1 for sales, 2 for support.", start.Prompt.Text)

	var prompts int
	var last Result
	for i := 0; i < 3; i++ {
		last, err = e.Input(ctx, "c1", "9")
		require.NoError(t, err)
		assert.ErrorIs(t, last.Failure, ErrInvalidInput)
		if !last.Done() {
			prompts++
			assert.Equal(t, "Sorry, that is not an option.", last.Prompt.Text)
		}
	}
	assert.Equal(t, 2, prompts)
	require.True(t, last.Done())
	assert.Equal(t, actions.Hangup{}, last.Action)
	assert.False(t, e.Active("c1"))

	_, err = e.Input(ctx, "c1", "1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEngine_ConfiguredFallback(t *testing.T) {
	m := mainMenu()
	m.MaxRetries = 0
	m.Fallback = actions.Queue{QueueID: "overflow"}
	e, _ := newEngine(t, m)

	_, err := e.Start(context.Background(), "c1", "ws1", "main")
	require.NoError(t, err)
	res, err := e.Timeout(context.Background(), "c1")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Failure, ErrInputTimeout)
	assert.Equal(t, actions.Queue{QueueID: "overflow"}, res.Action)
}

func TestEngine_TerminalOption(t *testing.T) {
	e, _ := newEngine(t, mainMenu())
	ctx := context.Background()
	_, err := e.Start(ctx, "c1", "ws1", "main")
	require.NoError(t, err)

	res, err := e.Input(ctx, "c1", "2")
	require.NoError(t, err)
	assert.Equal(t, actions.Queue{QueueID: "queue-b"}, res.Action)
	assert.Nil(t, res.Failure)
}

func TestEngine_SubmenuResetsRetries(t *testing.T) {
	root := mainMenu()
	root.Options["3"] = actions.Submenu{MenuID: "billing"}
	billing := Menu{
		ID:             "billing",
		WorkspaceID:    "ws1",
		ParentID:       "main",
		WelcomeMessage: "Billing. Press 1 for an agent.",
		MaxRetries:     1,
		Options:        map[string]actions.Action{"1": actions.Queue{QueueID: "billing"}},
	}
	e, _ := newEngine(t, root, billing)
	ctx := context.Background()

	_, err := e.Start(ctx, "c1", "ws1", "main")
	require.NoError(t, err)
	_, err = e.Input(ctx, "c1", "7")
	require.NoError(t, err)

	res, err := e.Input(ctx, "c1", "3")
	require.NoError(t, err)
	assert.False(t, res.Done())
	assert.Equal(t, "billing", res.MenuID)
	assert.Equal(t, []string{"main", "billing"}, e.Path("c1"))

	res, err = e.Input(ctx, "c1", "5")
	require.NoError(t, err)
	assert.False(t, res.Done(), "one retry allowed in the submenu")
	// no invalid message configured: the welcome prompt is replayed
	assert.Equal(t, "Billing. Press 1 for an agent.", res.Prompt.Text)

	res, err = e.Input(ctx, "c1", "1")
	require.NoError(t, err)
	assert.Equal(t, actions.Queue{QueueID: "billing"}, res.Action)
}

func TestEngine_WebhookOption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req WebhookRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Digits == "4" {
			_, _ = w.Write([]byte(`{"action":"queue","value":"vip"}`))
			return
		}
		_, _ = w.Write([]byte(`{"action":"teleport"}`))
	}))
	defer srv.Close()

	m := mainMenu()
	m.Options["4"] = actions.Webhook{URL: srv.URL}
	m.Options["5"] = actions.Webhook{URL: srv.URL}
	repo := NewMemoryRepo()
	require.NoError(t, repo.Save(context.Background(), m))
	e := NewEngine(Deps{Menus: repo, Resolver: NewWebhookResolver(time.Second)})
	ctx := context.Background()

	_, err := e.Start(ctx, "c1", "ws1", "main")
	require.NoError(t, err)
	res, err := e.Input(ctx, "c1", "5")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Failure, ErrInvalidInput, "malformed webhook answer counts as a retry")

	res, err = e.Input(ctx, "c1", "4")
	require.NoError(t, err)
	assert.Equal(t, actions.Queue{QueueID: "vip"}, res.Action)
}

func TestEngine_TimerFiresTimeout(t *testing.T) {
	m := mainMenu()
	m.Timeout = 20 * time.Millisecond
	repo := NewMemoryRepo()
	require.NoError(t, repo.Save(context.Background(), m))

	got := make(chan Result, 4)
	e := NewEngine(Deps{
		Menus:           repo,
		PromptAllowance: 10 * time.Millisecond,
		OnTimeout:       func(ctx context.Context, res Result) { got <- res },
	})
	_, err := e.Start(context.Background(), "c1", "ws1", "main")
	require.NoError(t, err)

	select {
	case res := <-got:
		assert.ErrorIs(t, res.Failure, ErrInputTimeout)
		assert.Equal(t, "We did not hear anything.", res.Prompt.Text)
	case <-time.After(time.Second):
		t.Fatal("timeout callback not called")
	}

	e.End("c1")
	e.End("c1")
	assert.False(t, e.Active("c1"))
}

func TestEngine_StartRejectsOtherWorkspace(t *testing.T) {
	e, _ := newEngine(t, mainMenu())
	_, err := e.Start(context.Background(), "c1", "ws2", "main")
	assert.ErrorIs(t, err, ErrMenuNotFound)
}

func TestValidate(t *testing.T) {
	m := mainMenu()
	require.NoError(t, Validate(m))

	m.Options["10"] = actions.Hangup{}
	assert.ErrorIs(t, Validate(m), ErrInvalidMenu)

	m = mainMenu()
	m.Options["1"] = actions.Submenu{MenuID: "main"}
	assert.ErrorIs(t, Validate(m), ErrInvalidMenu)
}
