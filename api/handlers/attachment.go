package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/artifacts"
	"github.com/BaSui01/agentgate/types"
)

// Opener 校验签名并打开附件。
type Opener interface {
	Open(ctx context.Context, id, token string) (*artifacts.Attachment, io.ReadCloser, error)
}

// AttachmentHandler 提供签名附件下载。
type AttachmentHandler struct {
	opener Opener
	logger *zap.Logger
}

// NewAttachmentHandler 创建附件处理器。
func NewAttachmentHandler(opener Opener, logger *zap.Logger) *AttachmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachmentHandler{opener: opener, logger: logger.With(zap.String("handler", "attachment"))}
}

// HandleDownload 处理 GET /api/v1/attachments/{id}?token=
// @Summary 下载附件
// @Tags 附件
// @Produce octet-stream
// @Param id path string true "附件 ID"
// @Param token query string true "签名令牌"
// @Success 200 {file} binary
// @Failure 403 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/attachments/{id} [get]
func (h *AttachmentHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	token := r.URL.Query().Get("token")
	if id == "" || token == "" {
		WriteError(w, r, types.NewInvalidRequestError("id and token are required"), h.logger)
		return
	}

	att, rc, err := h.opener.Open(r.Context(), id, token)
	switch {
	case err == nil:
	case errors.Is(err, artifacts.ErrInvalidLink):
		WriteError(w, r, types.NewError(types.ErrForbidden, "invalid or expired link"), h.logger)
		return
	case errors.Is(err, artifacts.ErrNotFound):
		WriteError(w, r, types.NewError(types.ErrNotFound, "attachment not found"), h.logger)
		return
	default:
		WriteError(w, r, types.NewStorageError("open attachment", err), h.logger)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("attachment download interrupted", zap.String("attachment_id", id), zap.Error(err))
	}
}
