package internal_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-checkers-matchmaking/internal"
	"github.com/koopa0/system-design/14-checkers-matchmaking/internal/testutils"
)

// TestNATS_Delivery 測試跨實例投遞（需要 Docker）
func TestNATS_Delivery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	natsURL := testutils.SetupNATS(t)
	ctx := context.Background()
	log := testutils.TestLogger()

	local := testutils.NewRecordingDeliverer()
	bridge := internal.NewNATSBridge(testutils.ConnectNATS(t, natsURL), "test", local, time.Second, log)
	t.Cleanup(bridge.Close)
	remote := internal.NewNATSDeliverer(testutils.ConnectNATS(t, natsURL), "test", 2*time.Second, log)

	t.Run("attached connection receives the message", func(t *testing.T) {
		require.NoError(t, bridge.Attach("c1"))

		require.NoError(t, remote.Deliver(ctx, "c1", []byte(`{"type":"start"}`)))
		assert.Equal(t, [][]byte{[]byte(`{"type":"start"}`)}, local.Messages("c1"))
	})

	t.Run("attach is idempotent", func(t *testing.T) {
		require.NoError(t, bridge.Attach("c1"))
		require.NoError(t, bridge.Attach("c1"))

		before := len(local.Messages("c1"))
		require.NoError(t, remote.Deliver(ctx, "c1", []byte("again")))
		assert.Len(t, local.Messages("c1"), before+1)
	})

	t.Run("no instance owns the connection", func(t *testing.T) {
		err := remote.Deliver(ctx, "nobody", []byte("hello"))
		assert.ErrorIs(t, err, internal.ErrGone)
	})

	t.Run("owner reports gone", func(t *testing.T) {
		local.MarkGone("c2")
		require.NoError(t, bridge.Attach("c2"))

		err := remote.Deliver(ctx, "c2", []byte("hello"))
		assert.ErrorIs(t, err, internal.ErrGone)
	})

	t.Run("owner fails for another reason", func(t *testing.T) {
		local.FailWith("c3", errors.New("buffer closed"))
		require.NoError(t, bridge.Attach("c3"))

		err := remote.Deliver(ctx, "c3", []byte("hello"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, internal.ErrGone)
		assert.Contains(t, err.Error(), "buffer closed")
	})

	t.Run("detached connection is gone", func(t *testing.T) {
		require.NoError(t, bridge.Attach("c4"))
		bridge.Detach("c4")

		err := remote.Deliver(ctx, "c4", []byte("hello"))
		assert.ErrorIs(t, err, internal.ErrGone)
	})
}

// instance 一個服務實例：自己的本機連線、共用的 Registry 與 NATS
type instance struct {
	local      *testutils.RecordingDeliverer
	matchmaker *internal.Matchmaker
}

func newInstance(t *testing.T, reg internal.Registry, natsURL string, owned []string, foreign []string) *instance {
	t.Helper()
	log := testutils.TestLogger()

	local := testutils.NewRecordingDeliverer()
	local.MarkGone(foreign...)

	bridge := internal.NewNATSBridge(testutils.ConnectNATS(t, natsURL), "multi", local, time.Second, log)
	t.Cleanup(bridge.Close)
	for _, conn := range owned {
		require.NoError(t, bridge.Attach(conn))
	}

	remote := internal.NewNATSDeliverer(testutils.ConnectNATS(t, natsURL), "multi", 2*time.Second, log)
	router := internal.NewRouter(local, remote, log)
	presence := internal.NewPresence(reg, router, 4, 3, log)
	mm := internal.NewMatchmaker(reg, router, presence, internal.MatchmakerConfig{
		ConflictRetries: 3,
		EventTimeout:    5 * time.Second,
	}, log)
	return &instance{local: local, matchmaker: mm}
}

// TestNATS_CrossInstanceMatchmaking 兩個實例共用 Registry，玩家分別連在不同實例上
func TestNATS_CrossInstanceMatchmaking(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	natsURL := testutils.SetupNATS(t)
	ctx := context.Background()
	reg := internal.NewMemoryRegistry(testutils.TestLogger())

	a := newInstance(t, reg, natsURL, []string{"x"}, []string{"y"})
	b := newInstance(t, reg, natsURL, []string{"y"}, []string{"x"})

	require.True(t, a.matchmaker.OnConnect(ctx, "x", url.Values{"username": {"xavier"}}).OK())
	require.True(t, b.matchmaker.OnConnect(ctx, "y", url.Values{"username": {"yuki"}}).OK())

	// B 的廣播經由 NATS 送到 A 上的 X
	assert.Len(t, decodePlayers(t, a.local.Last("x", internal.TypeUpdatePlayers)), 2)

	body, err := internal.EncodeMessage(internal.TypeLobbyInvite, internal.GameData{
		GameID:    "g",
		GuestData: &internal.PlayerData{HostConnection: "y"},
	})
	require.NoError(t, err)
	out := a.matchmaker.OnMessage(ctx, "x", body)
	require.True(t, out.OK(), "%+v", out)
	assert.NotNil(t, b.local.Last("y", internal.TypeLobbyInvite))

	body, err = internal.EncodeMessage(internal.TypeLobbyInviteAccepted, internal.GameData{GameID: "g"})
	require.NoError(t, err)
	out = b.matchmaker.OnMessage(ctx, "y", body)
	require.True(t, out.OK(), "%+v", out)
	assert.NotNil(t, a.local.Last("x", internal.TypeStart))

	move := []byte(`{"type":"move","data":{"gameId":"g"}}`)
	require.True(t, a.matchmaker.OnMessage(ctx, "x", move).OK())
	msgs := b.local.Messages("y")
	assert.Equal(t, move, msgs[len(msgs)-1])
}
