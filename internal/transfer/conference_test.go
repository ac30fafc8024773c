package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConference_Lifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.c.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	conf, err := f.c.CreateConference(ctx, ConferenceRequest{
		WorkspaceID: "ws1", Name: "standup", HostUserID: "u-a1", PIN: "4321", MaxParticipants: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, ConferenceScheduled, conf.Status)

	_, err = f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", PhoneNumber: "+15550001", PIN: "0000"})
	require.ErrorIs(t, err, ErrInvalidPIN)

	host, err := f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", CallID: "c-host", UserID: "u-a1", AgentID: "a1", PIN: "4321"})
	require.NoError(t, err)
	assert.True(t, host.IsHost)
	assert.Equal(t, 1, f.current(t, "a1"))

	guest, err := f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", PhoneNumber: "+15550002", PIN: "4321"})
	require.NoError(t, err)
	assert.False(t, guest.IsHost)
	assert.Equal(t, "leg-1", guest.CallID)

	_, err = f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", PhoneNumber: "+15550003", PIN: "4321"})
	require.ErrorIs(t, err, ErrConferenceFull)

	got, err := f.c.Conference(ctx, "ws1", conf.ID)
	require.NoError(t, err)
	assert.Equal(t, ConferenceActive, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConferencesActive))

	require.NoError(t, f.c.Mute(ctx, "ws1", conf.ID, guest.ID, true))
	mutes := f.cmd.Named("mute")
	require.Len(t, mutes, 1)
	assert.Equal(t, "leg-1", mutes[0].CallID)

	// Host leaves: the guest is the longest-present participant left.
	require.NoError(t, f.c.Leave(ctx, "ws1", conf.ID, host.ID))
	assert.Equal(t, 0, f.current(t, "a1"))
	got, err = f.c.Conference(ctx, "ws1", conf.ID)
	require.NoError(t, err)
	p, _ := got.participant(guest.ID)
	assert.True(t, p.IsHost)
	assert.True(t, p.IsMuted)
	assert.Equal(t, ConferenceActive, got.Status)

	require.NoError(t, f.c.Leave(ctx, "ws1", conf.ID, guest.ID))
	got, err = f.c.Conference(ctx, "ws1", conf.ID)
	require.NoError(t, err)
	assert.Equal(t, ConferenceEnded, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ConferencesActive))

	_, err = f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", PhoneNumber: "+15550004", PIN: "4321"})
	require.ErrorIs(t, err, ErrConferenceEnded)
	assert.Equal(t, 1, f.agents.released("a1"))
}

func TestConference_HostSuccessionPrefersEarliestJoin(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.c.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	conf, err := f.c.CreateConference(ctx, ConferenceRequest{WorkspaceID: "ws1", Name: "war room", HostUserID: "boss"})
	require.NoError(t, err)

	ids := map[string]string{}
	for _, u := range []string{"boss", "early", "late"} {
		p, err := f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", CallID: "call-" + u, UserID: u})
		require.NoError(t, err)
		ids[u] = p.ID
	}
	require.NoError(t, f.c.Leave(ctx, "ws1", conf.ID, ids["boss"]))

	got, err := f.c.Conference(ctx, "ws1", conf.ID)
	require.NoError(t, err)
	early, _ := got.participant(ids["early"])
	late, _ := got.participant(ids["late"])
	assert.True(t, early.IsHost)
	assert.False(t, late.IsHost)
}

func TestConference_CloseReleasesEveryone(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	conf, err := f.c.CreateConference(ctx, ConferenceRequest{WorkspaceID: "ws1", Name: "review"})
	require.NoError(t, err)
	for _, id := range []string{"a1", "a2"} {
		_, err := f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", CallID: "call-" + id, AgentID: id})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.current(t, "a2"))

	require.NoError(t, f.c.Close(ctx, "ws1", conf.ID))
	require.NoError(t, f.c.Close(ctx, "ws1", conf.ID))

	assert.Equal(t, 0, f.current(t, "a1"))
	assert.Equal(t, 0, f.current(t, "a2"))
	assert.Equal(t, 1, f.agents.released("a1"))
	assert.Equal(t, 1, f.agents.released("a2"))
	assert.Len(t, f.cmd.Named("end_conference"), 1)

	_, err = f.c.Conference(ctx, "ws2", conf.ID)
	require.ErrorIs(t, err, ErrConferenceNotFound)
}

func TestConference_BusyAgentCannotJoin(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.assigned(t, "c1", "a1")

	conf, err := f.c.CreateConference(ctx, ConferenceRequest{WorkspaceID: "ws1", Name: "x"})
	require.NoError(t, err)
	_, err = f.c.Join(ctx, JoinRequest{ConferenceID: conf.ID, WorkspaceID: "ws1", CallID: "c9", AgentID: "a1"})
	require.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Empty(t, f.cmd.Named("join_conference"))
}

func TestConferenceTransfer_EndsWithCall(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.assigned(t, "c1", "a1")

	tr, err := f.c.Transfer(ctx, Request{WorkspaceID: "ws1", CallID: "c1", ToAgentID: "a2", Type: TypeConference})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
	require.NotEmpty(t, tr.ConferenceID)

	conf, err := f.c.Conference(ctx, "ws1", tr.ConferenceID)
	require.NoError(t, err)
	assert.Equal(t, ConferenceActive, conf.Status)
	require.Len(t, conf.Participants, 3)
	assert.Equal(t, "c1", conf.Participants[0].CallID)
	assert.True(t, conf.Participants[1].IsHost)
	assert.Equal(t, "a1", conf.Participants[1].AgentID)

	cur, _ := f.tracker.Get("c1")
	assert.Equal(t, "a2", cur.AgentID)
	assert.Equal(t, 1, f.current(t, "a1"))
	assert.Equal(t, 1, f.current(t, "a2"))
	assert.Len(t, f.cmd.Named("join_conference"), 1)
	assert.Len(t, f.cmd.Named("dial"), 2)

	f.c.CallEnded(ctx, "c1")
	conf, err = f.c.Conference(ctx, "ws1", tr.ConferenceID)
	require.NoError(t, err)
	assert.Equal(t, ConferenceEnded, conf.Status)
	assert.Equal(t, 0, f.current(t, "a1"))
	// The target's unit belongs to the call and is freed by call teardown.
	assert.Equal(t, 1, f.current(t, "a2"))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ConferencesActive))
}
