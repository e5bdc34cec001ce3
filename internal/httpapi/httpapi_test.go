package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/coordinator"
	"github.com/dense-identity/callsession/internal/logging"
	"github.com/dense-identity/callsession/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWaker struct {
	payloads [][]byte
	err      error
	snap     call.Snapshot
}

func (f *fakeWaker) ReceivePush(_ context.Context, payload []byte) (call.Snapshot, error) {
	f.payloads = append(f.payloads, payload)
	if f.err != nil {
		return f.snap, f.err
	}
	p, err := coordinator.ParsePush(payload)
	if err != nil {
		return f.snap, err
	}
	rec := call.NewInbound(p.ID, p.Handle, p.HasVideo)
	rec.State = call.StateAlerting
	f.snap = call.Snapshot{Record: &rec, Version: f.snap.Version + 1}
	return f.snap, nil
}

func (f *fakeWaker) CurrentSnapshot() call.Snapshot { return f.snap }

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newRouter(t *testing.T, w Waker, hist store.HistoryReader) (*gin.Engine, *PushAuth) {
	t.Helper()
	auth := NewPushAuth(testSecret, "push-relay")
	return NewRouter(Options{Calls: w, History: hist, Auth: auth, Log: logging.Discard()}), auth
}

func do(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func pushBody(id uuid.UUID) string {
	return `{"id":"` + id.String() + `","handle":"+1 555 0100","hasVideo":true}`
}

func TestHealthz(t *testing.T) {
	r, _ := newRouter(t, &fakeWaker{}, nil)
	rr := do(r, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestPushRequiresToken(t *testing.T) {
	w := &fakeWaker{}
	r, _ := newRouter(t, w, nil)

	rr := do(r, http.MethodPost, "/v1/push", "", pushBody(uuid.New()))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(r, http.MethodPost, "/v1/push", "garbage", pushBody(uuid.New()))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, w.payloads)
}

func TestPushWakesCall(t *testing.T) {
	w := &fakeWaker{}
	r, auth := newRouter(t, w, nil)
	tok, err := auth.Issue("relay-1", time.Minute)
	require.NoError(t, err)

	id := uuid.New()
	rr := do(r, http.MethodPost, "/v1/push", tok, pushBody(id))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var snap call.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.NotNil(t, snap.Record)
	assert.Equal(t, id, snap.Record.ID)
	assert.Equal(t, call.StateAlerting, snap.State())
	assert.True(t, snap.Record.HasVideo)
}

func TestPushErrorStatuses(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		body string
		want int
	}{
		"bad payload": {body: `{"handle":"5551234"}`, want: http.StatusBadRequest},
		"rejected":    {err: call.Rejected("call-group-limit"), want: http.StatusConflict},
		"closed":      {err: coordinator.ErrClosed, want: http.StatusServiceUnavailable},
		"timeout":     {err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
	} {
		t.Run(name, func(t *testing.T) {
			r, auth := newRouter(t, &fakeWaker{err: tc.err}, nil)
			tok, err := auth.Issue("relay-1", time.Minute)
			require.NoError(t, err)
			body := tc.body
			if body == "" {
				body = pushBody(uuid.New())
			}
			rr := do(r, http.MethodPost, "/v1/push", tok, body)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestPushClosedWithoutSecret(t *testing.T) {
	r := NewRouter(Options{Calls: &fakeWaker{}})
	rr := do(r, http.MethodPost, "/v1/push", "anything", pushBody(uuid.New()))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	auth := NewPushAuth(testSecret, "push-relay")
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return now }

	good, err := auth.Issue("relay-1", time.Minute)
	require.NoError(t, err)
	_, err = auth.Verify(good)
	require.NoError(t, err)

	other := NewPushAuth(testSecret, "someone-else")
	other.now = auth.now
	foreign, err := other.Issue("relay-1", time.Minute)
	require.NoError(t, err)
	_, err = auth.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongKey := NewPushAuth("another-secret-another-secret-xx", "push-relay")
	wrongKey.now = auth.now
	forged, err := wrongKey.Issue("relay-1", time.Minute)
	require.NoError(t, err)
	_, err = auth.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	auth.now = func() time.Time { return now.Add(5 * time.Minute) }
	_, err = auth.Verify(good)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCurrentCall(t *testing.T) {
	rec := call.NewOutbound("+15550100", false)
	rec.State = call.StateRinging
	r, _ := newRouter(t, &fakeWaker{snap: call.Snapshot{Record: &rec, Version: 3}}, nil)

	rr := do(r, http.MethodGet, "/v1/call", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap call.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, call.StateRinging, snap.State())
	assert.Equal(t, uint64(3), snap.Version)
}

func TestHistory(t *testing.T) {
	ms := store.NewMemoryStore(10)
	ctx := context.Background()
	for _, h := range []string{"5550001", "5550002", "5550003"} {
		rec := call.NewOutbound(h, false)
		rec.State = call.StateEnded
		rec.Outcome = call.OutcomeCompletedOutbound
		require.NoError(t, ms.CreateCallRecord(ctx, rec))
	}
	r, _ := newRouter(t, &fakeWaker{}, ms)

	rr := do(r, http.MethodGet, "/v1/history?limit=2", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Calls []call.Record `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out.Calls, 2)
	assert.Equal(t, "5550003", out.Calls[0].Handle)

	rr = do(r, http.MethodGet, "/v1/history?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistoryUnavailable(t *testing.T) {
	r, _ := newRouter(t, &fakeWaker{}, nil)
	rr := do(r, http.MethodGet, "/v1/history", "", "")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}
