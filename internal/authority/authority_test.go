package authority

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/kv"
)

func do(t *testing.T, h http.Handler, method, target, body, producer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if producer != "" {
		req.Header.Set(backend.ProducerHeader, producer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPush_AssignsIncreasingRevisions(t *testing.T) {
	s := New(kv.NewMemory())

	for want := int64(1); want <= 3; want++ {
		rec := do(t, s, http.MethodPost, "/boards/b1/ops",
			`{"baseRevision":0,"ops":[{"type":"board:name","value":"x"}]}`, "tab-a")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res backend.PushResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, want, res.ServerRevision)
	}
}

func TestPush_RejectsBaseAhead(t *testing.T) {
	s := New(kv.NewMemory())

	rec := do(t, s, http.MethodPost, "/boards/b1/ops", `{"baseRevision":5,"ops":[]}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPush_RejectsBadBody(t *testing.T) {
	s := New(kv.NewMemory())

	rec := do(t, s, http.MethodPost, "/boards/b1/ops", `{`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPull_FiltersBySinceAndProducer(t *testing.T) {
	s := New(kv.NewMemory())
	do(t, s, http.MethodPost, "/boards/b1/ops", `{"baseRevision":0,"ops":[{"type":"board:name","value":"1"}]}`, "tab-a")
	do(t, s, http.MethodPost, "/boards/b1/ops", `{"baseRevision":1,"ops":[{"type":"board:name","value":"2"}]}`, "tab-b")
	do(t, s, http.MethodPost, "/boards/b1/ops", `{"baseRevision":2,"ops":[{"type":"board:name","value":"3"}]}`, "tab-a")

	rec := do(t, s, http.MethodGet, "/boards/b1/ops?since=1", "", "tab-b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ops":[{"type":"board:name","value":"3"}],"serverRevision":3}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/boards/b1/ops", "", "")
	assert.JSONEq(t, `{"ops":[
		{"type":"board:name","value":"1"},
		{"type":"board:name","value":"2"},
		{"type":"board:name","value":"3"}
	],"serverRevision":3}`, rec.Body.String())
}

func TestPull_UnknownBoardIsHeartbeat(t *testing.T) {
	s := New(kv.NewMemory())

	rec := do(t, s, http.MethodGet, "/boards/nope/ops?since=0", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ops":[],"serverRevision":0}`, rec.Body.String())
}

func TestPull_RejectsBadSince(t *testing.T) {
	s := New(kv.NewMemory())

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/boards/b1/ops?since=x", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/boards/b1/ops?since=-1", "", "").Code)
}

func TestPush_ConcurrentPushesAllLand(t *testing.T) {
	s := New(kv.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(t, s, http.MethodPost, "/boards/b1/ops", `{"baseRevision":0,"ops":[]}`, "")
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	rec := do(t, s, http.MethodGet, "/boards/b1/ops", "", "")
	var res backend.PullResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(10), res.ServerRevision)
}

func TestHealthz(t *testing.T) {
	s := New(kv.NewMemory())
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodGet, "/healthz", "", "").Code)
}
