package internal_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-checkers-matchmaking/internal"
	"github.com/koopa0/system-design/14-checkers-matchmaking/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// registryFactory 每次呼叫回傳一個空的 Registry
type registryFactory func(t *testing.T) internal.Registry

// TestMemoryRegistry 記憶體後端
func TestMemoryRegistry(t *testing.T) {
	testRegistryContract(t, func(t *testing.T) internal.Registry {
		return internal.NewMemoryRegistry(testutils.TestLogger())
	})
}

// TestRedisRegistry Redis 後端（需要 Docker）
func TestRedisRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	client := testutils.SetupRedis(t)
	testRegistryContract(t, func(t *testing.T) internal.Registry {
		// 每個子測試使用獨立前綴，互不干擾
		return internal.NewRedisRegistry(client, "test:"+uuid.NewString()+":", testutils.TestLogger())
	})
}

// TestPostgresRegistry PostgreSQL 後端（需要 Docker）
func TestPostgresRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	pool := testutils.SetupPostgres(t)
	testRegistryContract(t, func(t *testing.T) internal.Registry {
		_, err := pool.Exec(context.Background(), "TRUNCATE records")
		require.NoError(t, err)
		return internal.NewPostgresRegistry(pool, testutils.TestLogger())
	})
}

func testRegistryContract(t *testing.T, newRegistry registryFactory) {
	ctx := context.Background()

	lobby := func(t *testing.T, conn string) *internal.Record {
		return mustLobby(t, conn, "user-"+conn)
	}

	t.Run("get missing record", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.Get(ctx, "lobby#nobody")
		assert.True(t, apperrors.IsNotFound(err), "got %v", err)
	})

	t.Run("put overwrites whole record and bumps version", func(t *testing.T) {
		reg := newRegistry(t)

		game := &internal.Record{
			ID: "game#g", Kind: internal.KindGame, Status: internal.GameActive,
			HostConnection: "h", GuestConnection: "g", HostName: "alice", GuestName: "bob",
		}
		require.NoError(t, reg.Put(ctx, game))

		got, err := reg.Get(ctx, "game#g")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "g", got.GuestConnection)

		// 整筆覆寫：客人欄位被清空
		waiting := &internal.Record{
			ID: "game#g", Kind: internal.KindGame, Status: internal.GameWaiting,
			HostConnection: "h", HostName: "alice",
		}
		require.NoError(t, reg.Put(ctx, waiting))

		got, err = reg.Get(ctx, "game#g")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Empty(t, got.GuestConnection)
		assert.Empty(t, got.GuestName)
		assert.Equal(t, internal.GameWaiting, got.Status)

		_, err = reg.FindByGuestConnection(ctx, "g")
		assert.True(t, apperrors.IsNotFound(err), "guest index must be cleared, got %v", err)
	})

	t.Run("put rejects a connection owned by another record", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Put(ctx, lobby(t, "a")))

		dup := &internal.Record{ID: "game#g", Kind: internal.KindGame, Status: internal.GameWaiting, HostConnection: "a"}
		err := reg.Put(ctx, dup)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionBusy), "got %v", err)
	})

	t.Run("put rejects invalid record", func(t *testing.T) {
		reg := newRegistry(t)
		err := reg.Put(ctx, &internal.Record{ID: "lobby#a", Kind: internal.KindLobby})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput), "got %v", err)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Put(ctx, lobby(t, "a")))

		require.NoError(t, reg.Delete(ctx, "lobby#a"))
		require.NoError(t, reg.Delete(ctx, "lobby#a"))

		_, err := reg.Get(ctx, "lobby#a")
		assert.True(t, apperrors.IsNotFound(err))
		_, err = reg.FindByHostConnection(ctx, "a")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("secondary lookups", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Put(ctx, lobby(t, "a")))
		require.NoError(t, reg.Put(ctx, &internal.Record{
			ID: "game#g", Kind: internal.KindGame, Status: internal.GameActive,
			HostConnection: "h", GuestConnection: "g",
		}))

		byHost, err := reg.FindByHostConnection(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, "game#g", byHost.ID)

		byGuest, err := reg.FindByGuestConnection(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, "game#g", byGuest.ID)

		_, err = reg.FindByGuestConnection(ctx, "h")
		assert.True(t, apperrors.IsNotFound(err))

		lobbies, err := reg.ListByKind(ctx, internal.KindLobby)
		require.NoError(t, err)
		require.Len(t, lobbies, 1)
		assert.Equal(t, "lobby#a", lobbies[0].ID)

		games, err := reg.ListByKind(ctx, internal.KindGame)
		require.NoError(t, err)
		assert.Len(t, games, 1)
	})

	t.Run("commit create sets version and rejects existing key", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Commit(ctx, internal.Change{Create: []*internal.Record{lobby(t, "a")}}))

		got, err := reg.Get(ctx, "lobby#a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)

		err = reg.Commit(ctx, internal.Change{Create: []*internal.Record{lobby(t, "a")}})
		assert.True(t, apperrors.IsConflict(err), "got %v", err)
	})

	t.Run("commit replace with stale version conflicts", func(t *testing.T) {
		reg := newRegistry(t)
		game, err := internal.NewDirectGame("g", "h", "alice")
		require.NoError(t, err)
		require.NoError(t, reg.Commit(ctx, internal.Change{Create: []*internal.Record{game}}))

		current, err := reg.Get(ctx, "game#g")
		require.NoError(t, err)

		first, err := current.JoinAsGuest("b", "bob")
		require.NoError(t, err)
		require.NoError(t, reg.Commit(ctx, internal.Change{Replace: []*internal.Record{first}}))

		// 以同一份舊讀取再寫一次
		second, err := current.JoinAsGuest("c", "carol")
		require.NoError(t, err)
		err = reg.Commit(ctx, internal.Change{Replace: []*internal.Record{second}})
		assert.True(t, apperrors.IsConflict(err), "got %v", err)

		got, err := reg.Get(ctx, "game#g")
		require.NoError(t, err)
		assert.Equal(t, "b", got.GuestConnection)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("commit remove and create atomically", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Commit(ctx, internal.Change{Create: []*internal.Record{lobby(t, "x"), lobby(t, "y")}}))

		x, err := reg.Get(ctx, "lobby#x")
		require.NoError(t, err)
		y, err := reg.Get(ctx, "lobby#y")
		require.NoError(t, err)

		game, err := internal.NewInvitedGame("g", x, y)
		require.NoError(t, err)
		require.NoError(t, reg.Commit(ctx, internal.Change{
			Remove: []*internal.Record{x, y},
			Create: []*internal.Record{game},
		}))

		lobbies, err := reg.ListByKind(ctx, internal.KindLobby)
		require.NoError(t, err)
		assert.Empty(t, lobbies)

		byGuest, err := reg.FindByGuestConnection(ctx, "y")
		require.NoError(t, err)
		assert.Equal(t, "game#g", byGuest.ID)
		assert.Equal(t, internal.GameInvited, byGuest.Status)
	})

	t.Run("failed commit changes nothing", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Commit(ctx, internal.Change{Create: []*internal.Record{lobby(t, "a"), lobby(t, "b")}}))

		a, err := reg.Get(ctx, "lobby#a")
		require.NoError(t, err)

		// 刪除 a 合法，但新遊戲佔用了仍在大廳的 b
		game := &internal.Record{
			ID: "game#g", Kind: internal.KindGame, Status: internal.GameInvited,
			HostConnection: "a", GuestConnection: "b",
		}
		err = reg.Commit(ctx, internal.Change{
			Remove: []*internal.Record{a},
			Create: []*internal.Record{game},
		})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionBusy), "got %v", err)

		_, err = reg.Get(ctx, "lobby#a")
		assert.NoError(t, err, "removed record must survive a failed commit")
		_, err = reg.Get(ctx, "game#g")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("commit enforces uniqueness across host and guest", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Put(ctx, &internal.Record{
			ID: "game#g", Kind: internal.KindGame, Status: internal.GameActive,
			HostConnection: "h", GuestConnection: "g",
		}))

		err := reg.Commit(ctx, internal.Change{Create: []*internal.Record{lobby(t, "g")}})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionBusy), "got %v", err)
	})

	t.Run("commit rejects stale remove", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Commit(ctx, internal.Change{Create: []*internal.Record{lobby(t, "a")}}))

		stale, err := reg.Get(ctx, "lobby#a")
		require.NoError(t, err)
		require.NoError(t, reg.Put(ctx, lobby(t, "a")))

		err = reg.Commit(ctx, internal.Change{Remove: []*internal.Record{stale}})
		assert.True(t, apperrors.IsConflict(err), "got %v", err)
	})

	t.Run("invalid change", func(t *testing.T) {
		reg := newRegistry(t)

		err := reg.Commit(ctx, internal.Change{})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

		// 同一批次內兩筆記錄搶同一條連線
		game := &internal.Record{ID: "game#g", Kind: internal.KindGame, Status: internal.GameWaiting, HostConnection: "a"}
		err = reg.Commit(ctx, internal.Change{Create: []*internal.Record{lobby(t, "a"), game}})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionBusy), "got %v", err)
	})

	t.Run("concurrent creates of the same game", func(t *testing.T) {
		reg := newRegistry(t)

		const workers = 10
		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				game, err := internal.NewDirectGame("race", uuid.NewString(), "p")
				if err != nil {
					return
				}
				err = reg.Commit(ctx, internal.Change{Create: []*internal.Record{game}})
				switch {
				case err == nil:
					succeeded.Add(1)
				case apperrors.IsConflict(err):
					conflicts.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), succeeded.Load())
		assert.Equal(t, int32(workers-1), conflicts.Load())
	})
}
