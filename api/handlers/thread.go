package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/approval"
	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/agent/executor"
	"github.com/BaSui01/agentgate/api"
	"github.com/BaSui01/agentgate/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	filterPrefix    = "filter."
)

// ThreadHandler 提供线程状态与检查点历史的只读视图。
type ThreadHandler struct {
	saver     checkpoint.Saver
	approvals approval.Store
	namespace string
	logger    *zap.Logger
}

// NewThreadHandler 创建线程处理器。
func NewThreadHandler(saver checkpoint.Saver, approvals approval.Store, namespace string, logger *zap.Logger) *ThreadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThreadHandler{
		saver:     saver,
		approvals: approvals,
		namespace: namespace,
		logger:    logger.With(zap.String("handler", "thread")),
	}
}

// HandleStatus 处理 GET /api/v1/threads/{thread_id}/status
// @Summary 审批状态
// @Tags 线程
// @Produce json
// @Param thread_id path string true "线程 ID"
// @Success 200 {object} Response{data=api.StatusResponse}
// @Router /api/v1/threads/{thread_id}/status [get]
func (h *ThreadHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return
	}
	st, err := h.approvals.Get(r.Context(), threadID)
	if err != nil {
		WriteError(w, r, types.NewStorageError("read approval status", err), h.logger)
		return
	}
	ids := st.PendingToolCallIDs
	if ids == nil {
		ids = []string{}
	}
	WriteSuccess(w, r, api.StatusResponse{
		ThreadID:           threadID,
		Phase:              string(st.Phase),
		PendingToolCallIDs: ids,
		UpdatedAt:          st.UpdatedAt,
	})
}

// HandleList 处理 GET /api/v1/threads/{thread_id}/checkpoints
// @Summary 检查点历史
// @Description 按时间倒序返回检查点。支持 before、limit 分页，filter.<key>=<value> 按元数据过滤
// @Tags 线程
// @Produce json
// @Param thread_id path string true "线程 ID"
// @Param before query string false "只返回更早的检查点"
// @Param limit query int false "每页数量（默认 20，最大 100）"
// @Param messages query bool false "是否包含消息历史"
// @Success 200 {object} Response{data=api.CheckpointList}
// @Router /api/v1/threads/{thread_id}/checkpoints [get]
func (h *ThreadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, r, types.NewInvalidRequestError("limit must be a positive integer"), h.logger)
			return
		}
		limit = min(n, maxPageSize)
	}

	var filter map[string]any
	for key, vals := range q {
		if !strings.HasPrefix(key, filterPrefix) || len(vals) == 0 {
			continue
		}
		if filter == nil {
			filter = make(map[string]any)
		}
		filter[strings.TrimPrefix(key, filterPrefix)] = vals[0]
	}

	// 多取一条判断是否还有下一页
	opts := checkpoint.ListOptions{
		ThreadID:  threadID,
		Namespace: h.namespace,
		Filter:    filter,
		Before:    q.Get("before"),
		Limit:     limit + 1,
	}
	withMessages := q.Get("messages") == "true"
	out := api.CheckpointList{Items: make([]api.Checkpoint, 0, limit)}
	for t, err := range checkpoint.All(r.Context(), h.saver, opts, opts.Limit) {
		if err != nil {
			WriteError(w, r, types.NewStorageError("list checkpoints", err), h.logger)
			return
		}
		if len(out.Items) == limit {
			out.NextBefore = out.Items[limit-1].ID
			break
		}
		out.Items = append(out.Items, checkpointView(t, withMessages))
	}
	WriteSuccess(w, r, out)
}

// HandleLatest 处理 GET /api/v1/threads/{thread_id}/checkpoints/latest
// @Summary 最新检查点
// @Tags 线程
// @Produce json
// @Param thread_id path string true "线程 ID"
// @Success 200 {object} Response{data=api.Checkpoint}
// @Failure 404 {object} Response
// @Router /api/v1/threads/{thread_id}/checkpoints/latest [get]
func (h *ThreadHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	threadID, ok := h.threadID(w, r)
	if !ok {
		return
	}
	t, err := h.saver.GetLatest(r.Context(), threadID, h.namespace)
	if err != nil {
		WriteError(w, r, types.NewStorageError("read latest checkpoint", err), h.logger)
		return
	}
	if t == nil {
		WriteError(w, r, types.NewError(types.ErrNotFound, "thread has no checkpoints"), h.logger)
		return
	}
	WriteSuccess(w, r, checkpointView(t, true))
}

func (h *ThreadHandler) threadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("thread_id"))
	if id == "" {
		WriteError(w, r, types.NewInvalidRequestError("thread_id is required"), h.logger)
		return "", false
	}
	return id, true
}

func checkpointView(t *checkpoint.Tuple, withMessages bool) api.Checkpoint {
	md := map[string]any(t.Metadata)
	if md == nil {
		md = map[string]any{}
	}
	v := api.Checkpoint{
		ID:            t.Key.CheckpointID,
		ParentID:      t.ParentID(),
		Namespace:     t.Key.Namespace,
		Metadata:      md,
		Next:          executor.Next(t),
		PendingWrites: len(t.PendingWrites),
	}
	if t.Checkpoint != nil {
		v.CreatedAt = t.Checkpoint.TS
	}
	if withMessages {
		v.Messages = executor.History(t)
	}
	return v
}
