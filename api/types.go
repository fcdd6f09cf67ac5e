package api

import (
	"time"

	"github.com/BaSui01/agentgate/types"
)

// =============================================================================
// 回合
// =============================================================================

// TurnRequest 是一条用户消息。
// @Description 回合请求结构
type TurnRequest struct {
	// 用户输入；审批阶段回复 yes / no
	Question string `json:"question" example:"what's my balance?"`
}

// TurnResponse 是一个回合的结果。
// @Description 回合响应结构
type TurnResponse struct {
	ThreadID string `json:"thread_id" example:"T1"`
	// 助手回复或审批提示
	Reply string `json:"reply"`
	// new 或 ask_permission
	Phase string `json:"phase" example:"ask_permission"`
	// 等待审批的工具调用 id
	PendingToolCallIDs []string `json:"pending_tool_call_ids,omitempty"`
	// 等待审批的工具名
	ToolCalled string `json:"tool_called,omitempty" example:"get_balance"`
	// 回合结束后的最新检查点
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// 本回合执行的模型步骤数
	Steps int `json:"steps"`
	// 随消息上传的附件
	Attachment *AttachmentInfo `json:"attachment,omitempty"`
}

// AttachmentInfo 描述一次上传。
type AttachmentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// =============================================================================
// 线程状态与历史
// =============================================================================

// StatusResponse 是线程的审批状态。
// @Description 审批状态
type StatusResponse struct {
	ThreadID           string    `json:"thread_id"`
	Phase              string    `json:"phase" example:"new"`
	PendingToolCallIDs []string  `json:"pending_tool_call_ids"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Checkpoint 是检查点的 API 视图。
// @Description 检查点
type Checkpoint struct {
	ID        string          `json:"checkpoint_id"`
	ParentID  string          `json:"parent_checkpoint_id,omitempty"`
	Namespace string          `json:"checkpoint_ns"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  map[string]any  `json:"metadata"`
	Next      string          `json:"next,omitempty"`
	Messages  []types.Message `json:"messages,omitempty"`
	// 暂存但尚未折叠进下一个检查点的写入数
	PendingWrites int `json:"pending_writes"`
}

// CheckpointList 是按时间倒序的检查点分页。
// @Description 检查点列表
type CheckpointList struct {
	Items []Checkpoint `json:"items"`
	// 传给 before 参数以获取下一页；为空表示没有更多
	NextBefore string `json:"next_before,omitempty"`
}

// =============================================================================
// WebSocket
// =============================================================================

// WSMessage 是 WebSocket 上的一帧。客户端发送 type=turn，
// 服务端以 type=reply 或 type=error 应答。
type WSMessage struct {
	Type     string        `json:"type"`
	Question string        `json:"question,omitempty"`
	Result   *TurnResponse `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
}
