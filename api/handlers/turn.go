package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/artifacts"
	"github.com/BaSui01/agentgate/agent/executor"
	"github.com/BaSui01/agentgate/agent/router"
	"github.com/BaSui01/agentgate/api"
	"github.com/BaSui01/agentgate/types"
)

// maxUploadBytes 限制 multipart 请求整体大小（附件大小由 artifacts 再校验）。
const maxUploadBytes = 32 << 20

// Turner 执行一个回合。
type Turner interface {
	HandleTurn(ctx context.Context, req executor.TurnRequest) (*executor.TurnResult, error)
}

// Uploader 保存附件并返回签名链接。
type Uploader interface {
	Put(ctx context.Context, threadID, name string, data io.Reader) (*artifacts.Upload, error)
}

// =============================================================================
// 💬 回合 Handler
// =============================================================================

// TurnHandler 处理用户消息。
type TurnHandler struct {
	turner   Turner
	uploader Uploader
	origins  []string
	logger   *zap.Logger
}

// NewTurnHandler 创建回合处理器。uploader 为 nil 时拒绝带附件的请求。
func NewTurnHandler(turner Turner, uploader Uploader, allowedOrigins []string, logger *zap.Logger) *TurnHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TurnHandler{
		turner:   turner,
		uploader: uploader,
		origins:  allowedOrigins,
		logger:   logger.With(zap.String("handler", "turn")),
	}
}

// HandleTurn 处理 POST /api/v1/threads/{thread_id}/turns
// @Summary 发送消息
// @Description 处理一条用户消息；审批阶段回复 yes 执行挂起的工具，其他输入视为拒绝
// @Tags 回合
// @Accept json
// @Accept mpfd
// @Produce json
// @Param thread_id path string true "线程 ID"
// @Param request body api.TurnRequest true "消息"
// @Success 200 {object} Response{data=api.TurnResponse}
// @Failure 400 {object} Response
// @Failure 502 {object} Response
// @Failure 503 {object} Response
// @Router /api/v1/threads/{thread_id}/turns [post]
func (h *TurnHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.PathValue("thread_id"))
	if threadID == "" {
		WriteError(w, r, types.NewInvalidRequestError("thread_id is required"), h.logger)
		return
	}

	var (
		question   string
		attachment *api.AttachmentInfo
	)
	if isMultipart(r) {
		q, upload, err := h.readMultipart(w, r, threadID)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		question = q
		if upload != nil {
			attachment = attachmentInfo(upload)
			question = strings.TrimSpace(question + " " + upload.Reference())
		}
	} else {
		var req api.TurnRequest
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
		question = req.Question
	}
	if strings.TrimSpace(question) == "" {
		WriteError(w, r, types.NewInvalidRequestError("question is required"), h.logger)
		return
	}

	resp, err := h.run(r.Context(), threadID, question)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	resp.Attachment = attachment
	WriteSuccess(w, r, resp)
}

func (h *TurnHandler) run(ctx context.Context, threadID, question string) (*api.TurnResponse, error) {
	role, _ := types.CallerRole(ctx)
	res, err := h.turner.HandleTurn(ctx, executor.TurnRequest{
		ThreadID: threadID,
		Text:     question,
		Role:     router.Role(role),
	})
	if err != nil {
		return nil, err
	}
	return &api.TurnResponse{
		ThreadID:           res.ThreadID,
		Reply:              res.Reply,
		Phase:              string(res.Phase),
		PendingToolCallIDs: res.PendingToolCallIDs,
		ToolCalled:         res.ToolCalled,
		CheckpointID:       res.CheckpointID,
		Steps:              res.Steps,
	}, nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// readMultipart 读取 question 字段与可选的 file 字段。
func (h *TurnHandler) readMultipart(w http.ResponseWriter, r *http.Request, threadID string) (string, *artifacts.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, types.WrapError(types.ErrInvalidRequest, "invalid multipart body", err)
	}

	var (
		question string
		upload   *artifacts.Upload
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, types.WrapError(types.ErrInvalidRequest, "invalid multipart body", err)
		}
		switch part.FormName() {
		case "question":
			b, err := io.ReadAll(io.LimitReader(part, maxBodyBytes))
			if err != nil {
				return "", nil, types.WrapError(types.ErrInvalidRequest, "read question", err)
			}
			question = string(b)
		case "file":
			if upload != nil {
				return "", nil, types.NewInvalidRequestError("only one file per message")
			}
			upload, err = h.store(r.Context(), threadID, part)
			if err != nil {
				return "", nil, err
			}
		}
		_ = part.Close()
	}
	return question, upload, nil
}

func (h *TurnHandler) store(ctx context.Context, threadID string, part *multipart.Part) (*artifacts.Upload, error) {
	if h.uploader == nil {
		return nil, types.NewInvalidRequestError("attachments are disabled")
	}
	upload, err := h.uploader.Put(ctx, threadID, part.FileName(), part)
	switch {
	case err == nil:
		return upload, nil
	case errors.Is(err, artifacts.ErrTooLarge), errors.Is(err, artifacts.ErrExtensionNotAllowed):
		return nil, types.WrapError(types.ErrInvalidRequest, err.Error(), err)
	default:
		return nil, types.NewStorageError("store attachment", err)
	}
}

func attachmentInfo(u *artifacts.Upload) *api.AttachmentInfo {
	return &api.AttachmentInfo{
		ID:        u.Attachment.ID,
		Name:      u.Attachment.Name,
		Size:      u.Attachment.Size,
		URL:       u.URL,
		ExpiresAt: u.ExpiresAt,
	}
}

// =============================================================================
// 🔌 WebSocket
// =============================================================================

// HandleWebSocket 处理 GET /api/v1/threads/{thread_id}/ws。
// 每个 {"type":"turn"} 帧执行一个回合，按顺序应答。
func (h *TurnHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.PathValue("thread_id"))
	if threadID == "" {
		WriteError(w, r, types.NewInvalidRequestError("thread_id is required"), h.logger)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := r.Context()
	logger := h.logger.With(zap.String("thread_id", threadID))
	logger.Debug("websocket connected")

	for {
		var msg api.WSMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				conn.Close(websocket.StatusNormalClosure, "")
			default:
				logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		out := h.frame(ctx, threadID, msg)
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := wsjson.Write(writeCtx, conn, out)
		cancel()
		if err != nil {
			logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *TurnHandler) frame(ctx context.Context, threadID string, msg api.WSMessage) api.WSMessage {
	if msg.Type != "turn" {
		return api.WSMessage{Type: "error", Code: string(types.ErrInvalidRequest), Error: "unknown message type"}
	}
	if strings.TrimSpace(msg.Question) == "" {
		return api.WSMessage{Type: "error", Code: string(types.ErrInvalidRequest), Error: "question is required"}
	}
	resp, err := h.run(ctx, threadID, msg.Question)
	if err != nil {
		apiErr, ok := types.AsError(err)
		if !ok {
			h.logger.Error("websocket turn failed", zap.Error(err))
			return api.WSMessage{Type: "error", Code: string(types.ErrInternalError), Error: "internal error"}
		}
		return api.WSMessage{Type: "error", Code: string(apiErr.Code), Error: apiErr.Message}
	}
	return api.WSMessage{Type: "reply", Result: resp}
}
