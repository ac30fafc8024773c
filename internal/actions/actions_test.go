package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		kind, value string
		want        Action
	}{
		{"transfer", "+15550100", Transfer{Destination: "+15550100"}},
		{"QUEUE", "support", Queue{QueueID: "support"}},
		{"submenu", "billing", Submenu{MenuID: "billing"}},
		{"hangup", "", Hangup{}},
		{"voicemail", "", Voicemail{}},
		{"webhook", "https://example.test/next", Webhook{URL: "https://example.test/next"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.kind, tc.value)
		require.NoError(t, err, tc.kind)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.value, got.Value())
	}
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse("sms", "x")
	assert.ErrorIs(t, err, ErrUnknownAction)
	_, err = Parse("queue", " ")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(Queue{QueueID: "q"}))
	assert.True(t, Terminal(Hangup{}))
	assert.False(t, Terminal(Submenu{MenuID: "m"}))
	assert.False(t, Terminal(Webhook{URL: "u"}))
}
