package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/approval"
	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/api"
	"github.com/BaSui01/agentgate/types"
)

func seedThread(t *testing.T, saver checkpoint.Saver, threadID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	var (
		ids    []string
		parent string
		msgs   []types.Message
	)
	for i := 0; i < n; i++ {
		msgs = append(msgs, types.NewMessage(types.RoleUser, "hello"))
		cp := checkpoint.New(map[string]any{
			checkpoint.ChannelMessages: append([]types.Message(nil), msgs...),
			checkpoint.ChannelNext:     "",
		})
		key, err := saver.Put(ctx, threadID, "", cp, checkpoint.Metadata{"source": "input", "step": i, "writes": 1}, parent)
		require.NoError(t, err)
		parent = key.CheckpointID
		ids = append(ids, key.CheckpointID)
	}
	return ids
}

func threadMux(h *ThreadHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/status", h.HandleStatus)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/checkpoints", h.HandleList)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/checkpoints/latest", h.HandleLatest)
	return mux
}

func getData[T any](t *testing.T, mux http.Handler, path string, wantStatus int) T {
	t.Helper()
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, wantStatus, w.Code, w.Body.String())
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Data
}

func TestThreadHandler_Status(t *testing.T) {
	approvals := approval.NewMemoryStore()
	require.NoError(t, approvals.Set(context.Background(), "T1", approval.PhaseAskPermission, []string{"call_1"}))
	mux := threadMux(NewThreadHandler(checkpoint.NewMemorySaver(nil), approvals, "", zap.NewNop()))

	st := getData[api.StatusResponse](t, mux, "/api/v1/threads/T1/status", http.StatusOK)
	assert.Equal(t, "ask_permission", st.Phase)
	assert.Equal(t, []string{"call_1"}, st.PendingToolCallIDs)

	st = getData[api.StatusResponse](t, mux, "/api/v1/threads/unknown/status", http.StatusOK)
	assert.Equal(t, "new", st.Phase)
	assert.Empty(t, st.PendingToolCallIDs)
}

func TestThreadHandler_ListPaging(t *testing.T) {
	saver := checkpoint.NewMemorySaver(nil)
	ids := seedThread(t, saver, "T1", 3)
	seedThread(t, saver, "T2", 1)
	mux := threadMux(NewThreadHandler(saver, approval.NewMemoryStore(), "", zap.NewNop()))

	page := getData[api.CheckpointList](t, mux, "/api/v1/threads/T1/checkpoints?limit=2", http.StatusOK)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[1], page.Items[0].ParentID)
	assert.Equal(t, ids[1], page.Items[1].ID)
	assert.Equal(t, ids[1], page.NextBefore)
	assert.Empty(t, page.Items[0].Messages)

	page = getData[api.CheckpointList](t, mux, "/api/v1/threads/T1/checkpoints?limit=2&before="+page.NextBefore, http.StatusOK)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)
	assert.Empty(t, page.Items[0].ParentID)
	assert.Empty(t, page.NextBefore)
}

// listCountingSaver 统计 List 调用次数，可选地让 List 失败。
type listCountingSaver struct {
	checkpoint.Saver
	calls int
	err   error
}

func (s *listCountingSaver) List(ctx context.Context, opts checkpoint.ListOptions) ([]*checkpoint.Tuple, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.Saver.List(ctx, opts)
}

func TestThreadHandler_ListReadsOnePage(t *testing.T) {
	saver := &listCountingSaver{Saver: checkpoint.NewMemorySaver(nil)}
	ids := seedThread(t, saver, "T1", 5)
	mux := threadMux(NewThreadHandler(saver, approval.NewMemoryStore(), "", zap.NewNop()))

	page := getData[api.CheckpointList](t, mux, "/api/v1/threads/T1/checkpoints?limit=3", http.StatusOK)
	require.Len(t, page.Items, 3)
	assert.Equal(t, ids[4], page.Items[0].ID)
	assert.Equal(t, ids[2], page.NextBefore)
	assert.Equal(t, 1, saver.calls)
}

func TestThreadHandler_ListStorageError(t *testing.T) {
	saver := &listCountingSaver{Saver: checkpoint.NewMemorySaver(nil), err: errors.New("connection reset")}
	mux := threadMux(NewThreadHandler(saver, approval.NewMemoryStore(), "", zap.NewNop()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/threads/T1/checkpoints", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestThreadHandler_ListFilter(t *testing.T) {
	saver := checkpoint.NewMemorySaver(nil)
	ids := seedThread(t, saver, "T1", 3)
	mux := threadMux(NewThreadHandler(saver, approval.NewMemoryStore(), "", zap.NewNop()))

	page := getData[api.CheckpointList](t, mux, "/api/v1/threads/T1/checkpoints?filter.step=1&messages=true", http.StatusOK)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[1], page.Items[0].ID)
	assert.Len(t, page.Items[0].Messages, 2)
	assert.Equal(t, "input", page.Items[0].Metadata["source"])

	page = getData[api.CheckpointList](t, mux, "/api/v1/threads/T1/checkpoints?filter.source=loop", http.StatusOK)
	assert.Empty(t, page.Items)

	getData[any](t, mux, "/api/v1/threads/T1/checkpoints?limit=zero", http.StatusBadRequest)
}

func TestThreadHandler_Latest(t *testing.T) {
	saver := checkpoint.NewMemorySaver(nil)
	ids := seedThread(t, saver, "T1", 2)
	mux := threadMux(NewThreadHandler(saver, approval.NewMemoryStore(), "", zap.NewNop()))

	cp := getData[api.Checkpoint](t, mux, "/api/v1/threads/T1/checkpoints/latest", http.StatusOK)
	assert.Equal(t, ids[1], cp.ID)
	assert.Len(t, cp.Messages, 2)
	assert.Empty(t, cp.Next)
	assert.False(t, cp.CreatedAt.IsZero())

	getData[any](t, mux, "/api/v1/threads/empty/checkpoints/latest", http.StatusNotFound)
}
