package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dense-identity/callsession/internal/call"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisForTest(t *testing.T, limit int) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := newRedisStore(c, RedisOptions{Prefix: "test", TTL: time.Hour, HistoryLimit: limit})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	r, _ := newRedisForTest(t, 3)
	out := map[string]Backend{
		"memory": NewMemoryStore(3),
		"redis":  r,
	}
	if dsn := os.Getenv("CALLSESSION_TEST_POSTGRES_DSN"); dsn != "" {
		p, err := OpenPostgres(context.Background(), dsn, PostgresPool{})
		require.NoError(t, err)
		_, err = p.db.Exec(`TRUNCATE call_records, contacts`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		out["postgres"] = p
	}
	return out
}

func ended(rec call.Record, outcome call.Outcome) call.Record {
	rec.State = call.StateEnded
	rec.TerminalCause = call.StateEnded
	rec.Outcome = outcome
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec.EndedAt = &now
	return rec
}

func TestActiveRecordLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.FetchActiveCallRecord(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			rec := call.NewOutbound("5551234", false)
			rec.State = call.StateSettingUp
			require.NoError(t, s.CreateCallRecord(ctx, rec))
			require.NoError(t, s.CreateCallRecord(ctx, rec))

			got, ok, err := s.FetchActiveCallRecord(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, call.StateSettingUp, got.State)

			require.NoError(t, s.UpdateCallRecord(ctx, ended(rec, call.OutcomeCompletedOutbound)))
			_, ok, err = s.FetchActiveCallRecord(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			hist, err := s.History(ctx, 10)
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, call.OutcomeCompletedOutbound, hist[0].Outcome)
		})
	}
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 5; i++ {
				rec := ended(call.NewOutbound("555000"+string(rune('0'+i)), false), call.OutcomeCompletedOutbound)
				require.NoError(t, s.UpdateCallRecord(ctx, rec))
				require.NoError(t, s.UpdateCallRecord(ctx, rec))
				ids = append(ids, rec.ID.String())
				time.Sleep(2 * time.Millisecond)
			}

			hist, err := s.History(ctx, 2)
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, ids[4], hist[0].ID.String())
			assert.Equal(t, ids[3], hist[1].ID.String())
		})
	}
}

func TestHistorySkipsRecordsWithoutOutcome(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			failed := call.NewOutbound("5550001", false)
			failed.State = call.StateSettingUp
			require.NoError(t, s.CreateCallRecord(ctx, failed))
			require.NoError(t, s.UpdateCallRecord(ctx, ended(failed, call.OutcomeNone)))

			missed := ended(call.NewInbound(uuid.New(), "5550002", false), call.OutcomeMissed)
			require.NoError(t, s.UpdateCallRecord(ctx, missed))

			hist, err := s.History(ctx, 10)
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, missed.ID, hist[0].ID)
		})
	}
}

func TestContactsMatchAcrossFormatting(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveContact(ctx, "+1 555 123 4567", "contact-7"))

			id, ok, err := s.LookupContact(ctx, "sip:+15551234567@pbx.local")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "contact-7", id)

			_, ok, err = s.LookupContact(ctx, "5550000")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisFinishedRecordsExpire(t *testing.T) {
	s, mr := newRedisForTest(t, 10)
	ctx := context.Background()
	rec := ended(call.NewInbound(uuid.New(), "5551234", false), call.OutcomeMissed)
	require.NoError(t, s.UpdateCallRecord(ctx, rec))

	mr.FastForward(2 * time.Hour)
	hist, err := s.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestRedisActivePointerKeepsNewerCall(t *testing.T) {
	s, _ := newRedisForTest(t, 10)
	ctx := context.Background()

	first := call.NewOutbound("5551111", false)
	first.State = call.StateSettingUp
	second := call.NewOutbound("5552222", false)
	second.State = call.StateSettingUp
	require.NoError(t, s.CreateCallRecord(ctx, first))
	require.NoError(t, s.CreateCallRecord(ctx, second))
	require.NoError(t, s.UpdateCallRecord(ctx, ended(first, call.OutcomeNone)))

	got, ok, err := s.FetchActiveCallRecord(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestMemoryTrimKeepsActiveRecords(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	active := call.NewOutbound("5550001", false)
	active.State = call.StateConnected
	require.NoError(t, s.CreateCallRecord(ctx, active))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.UpdateCallRecord(ctx, ended(call.NewOutbound("5550002", false), call.OutcomeMissed)))
	}

	got, ok, err := s.FetchActiveCallRecord(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, active.ID, got.ID)

	hist, err := s.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
