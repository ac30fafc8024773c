package script

import (
	"context"
	"testing"

	"callcenter-platform/internal/actions"
	"callcenter-platform/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesScript() Script {
	return Script{
		ID:          "sales",
		WorkspaceID: "ws1",
		Name:        "Renewal",
		Kind:        KindSales,
		IsActive:    true,
		Steps: []Step{
			{Number: 1, Type: StepMessage, Content: "Hi {{name}}, thanks for calling."},
			{Number: 2, Type: StepQuestion, Content: "Would you like to renew today?", ExpectedResponse: "yes_no",
				Variable: "renew", NextStep: 3, Condition: &Condition{Operator: OpEquals, Value: "yes", Target: 5}},
			{Number: 3, Type: StepMessage, Content: "No problem, we will follow up.", NextStep: 6},
			{Number: 5, Type: StepAction, Content: "Connecting you to billing.", Action: actions.Queue{QueueID: "billing"}},
			{Number: 6, Type: StepMessage, Content: "Goodbye."},
		},
	}
}

func newEngine(t *testing.T, scripts ...Script) (*Engine, *metrics.Metrics) {
	t.Helper()
	repo := NewMemoryRepo()
	for _, s := range scripts {
		require.NoError(t, repo.Save(context.Background(), s))
	}
	m := metrics.New(nil)
	return NewEngine(Deps{Scripts: repo, Metrics: m}), m
}

func TestEngine_StartRendersAndSuspends(t *testing.T) {
	e, _ := newEngine(t, salesScript())
	res, err := e.Start(context.Background(), "c1", "ws1", "sales", map[string]string{"name": "Ana"})
	require.NoError(t, err)

	require.Len(t, res.Prompts, 2)
	assert.Equal(t, "Hi Ana, thanks for calling.", res.Prompts[0].Text)
	assert.True(t, res.Prompts[1].Gather)
	assert.True(t, res.Await)
	assert.Equal(t, 2, res.Step)
}

func TestEngine_SynonymRoutesToCondition(t *testing.T) {
	e, _ := newEngine(t, salesScript())
	ctx := context.Background()

	_, err := e.Start(ctx, "c1", "ws1", "sales", nil)
	require.NoError(t, err)
	res, err := e.Input(ctx, "c1", "y")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Step)
	assert.True(t, res.Done)
	assert.Equal(t, actions.Queue{QueueID: "billing"}, res.Action)
	assert.Equal(t, "y", res.Vars["renew"])

	_, err = e.Start(ctx, "c2", "ws1", "sales", nil)
	require.NoError(t, err)
	res, err = e.Input(ctx, "c2", "maybe")
	require.NoError(t, err)
	require.NotEmpty(t, res.Prompts)
	assert.Equal(t, "No problem, we will follow up.", res.Prompts[0].Text)
	assert.True(t, res.Done)
	assert.Equal(t, "completed", res.Reason)
	assert.Equal(t, 6, res.Step)
}

func TestEngine_DanglingBranchEndsAmbiguous(t *testing.T) {
	s := Script{
		ID: "broken", WorkspaceID: "ws1", IsActive: true,
		Steps: []Step{
			{Number: 1, Type: StepQuestion, Content: "Ready?", Condition: &Condition{Operator: OpEquals, Value: "yes", Target: 9}},
		},
	}
	e, m := newEngine(t, s)
	ctx := context.Background()

	_, err := e.Start(ctx, "c1", "ws1", "broken", nil)
	require.NoError(t, err)
	res, err := e.Input(ctx, "c1", "yes")
	require.NoError(t, err)
	assert.True(t, IsAmbiguous(res))
	assert.False(t, e.Active("c1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScriptTerminations.WithLabelValues("ambiguous")))

	_, err = e.Input(ctx, "c1", "yes")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEngine_MessageCycleIsCut(t *testing.T) {
	s := Script{
		ID: "loop", WorkspaceID: "ws1", IsActive: true,
		Steps: []Step{
			{Number: 1, Type: StepMessage, Content: "a", NextStep: 2},
			{Number: 2, Type: StepMessage, Content: "b", NextStep: 1},
		},
	}
	e, _ := newEngine(t, s)
	res, err := e.Start(context.Background(), "c1", "ws1", "loop", nil)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "loop", res.Reason)
}

func TestEngine_InactiveOrForeign(t *testing.T) {
	s := salesScript()
	s.IsActive = false
	e, _ := newEngine(t, s)
	_, err := e.Start(context.Background(), "c1", "ws1", "sales", nil)
	assert.ErrorIs(t, err, ErrScriptNotFound)

	_, err = e.Input(context.Background(), "c1", "yes")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		c    Condition
		in   string
		want bool
	}{
		{Condition{Operator: OpEquals, Value: "yes"}, "Yeah!", true},
		{Condition{Operator: OpEquals, Value: "no"}, "nope", true},
		{Condition{Operator: OpNotEquals, Value: "yes"}, "maybe", true},
		{Condition{Operator: OpContains, Value: "refund"}, "I want a Refund please", true},
		{Condition{Operator: OpGreaterThan, Value: "100"}, "250", true},
		{Condition{Operator: OpLessThan, Value: "100"}, "abc", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Evaluate(tc.c, tc.in), "%s %q", tc.c.Operator, tc.in)
	}
}

func TestRender(t *testing.T) {
	got := Render("Hello {{ name }}, order {{order_id}} {{missing}}ok", map[string]string{"name": "Bo", "order_id": "42"})
	assert.Equal(t, "Hello Bo, order 42 ok", got)
}
