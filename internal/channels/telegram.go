package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/artifacts"
	"github.com/BaSui01/agentgate/agent/executor"
	"github.com/BaSui01/agentgate/agent/router"
)

// Turner runs one conversation turn.
type Turner interface {
	HandleTurn(ctx context.Context, req executor.TurnRequest) (*executor.TurnResult, error)
}

// Uploader stores an inbound file and returns a signed link.
type Uploader interface {
	Put(ctx context.Context, threadID, name string, data io.Reader) (*artifacts.Upload, error)
}

// botAPI 是 *tgbotapi.BotAPI 中被用到的部分。
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

const (
	callbackPrefix  = "approval:"
	maxMessageRunes = 4096
	greeting        = "Hello! Ask me anything."
	failureReply    = "Sorry, something went wrong while handling your message. Please try again."
)

// TelegramConfig 配置 TelegramChannel。
type TelegramConfig struct {
	Token string
	// 为空表示不限制
	AllowedUsers []int64
	// 长轮询超时（秒）
	PollTimeout int
	Role        router.Role
	// 附件下载上限
	MaxFileSize int64
}

// TelegramChannel 通过长轮询把 Telegram 聊天接到执行器上。
// 每个聊天对应一个线程 telegram-<chat_id>。
type TelegramChannel struct {
	cfg      TelegramConfig
	allowed  map[int64]struct{}
	turner   Turner
	uploader Uploader
	client   *http.Client
	logger   *zap.Logger

	// 测试中替换
	newBot       func() (botAPI, error)
	stallTimeout time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration

	wg sync.WaitGroup
}

// NewTelegramChannel 创建频道。uploader 为 nil 时忽略文件消息。
func NewTelegramChannel(cfg TelegramConfig, turner Turner, uploader Uploader, client *http.Client, logger *zap.Logger) *TelegramChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 20 << 20
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = struct{}{}
	}
	t := &TelegramChannel{
		cfg:      cfg,
		allowed:  allowed,
		turner:   turner,
		uploader: uploader,
		client:   client,
		logger:   logger.With(zap.String("component", "telegram")),
		// tgbotapi 长轮询超时之外再留足余量，超过即视为连接已死
		stallTimeout: time.Duration(cfg.PollTimeout)*time.Second*2 + 30*time.Second,
		minBackoff:   time.Second,
		maxBackoff:   30 * time.Second,
	}
	t.newBot = func() (botAPI, error) {
		bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, client)
		if err != nil {
			return nil, err
		}
		t.logger.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))
		return bot, nil
	}
	return t
}

// Name 返回频道名。
func (t *TelegramChannel) Name() string { return "telegram" }

// ThreadID 返回聊天对应的线程 id。
func ThreadID(chatID int64) string {
	return fmt.Sprintf("telegram-%d", chatID)
}

// Start 阻塞直到 ctx 结束。轮询断开后按指数退避重连。
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.turner == nil {
		return errors.New("telegram: turner is required")
	}
	bot, err := t.newBot()
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	if len(t.allowed) == 0 {
		t.logger.Warn("telegram allow-list is empty, every user may talk to the bot")
	}
	defer t.wg.Wait()

	backoff := t.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = t.cfg.PollTimeout
		updates := bot.GetUpdatesChan(u)

		pollErr := t.poll(ctx, bot, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting",
			zap.Error(pollErr), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.maxBackoff {
			backoff = t.maxBackoff
		}
	}
}

// poll 在 ctx 结束时返回 nil，通道关闭或停滞时返回错误以触发重连。
func (t *TelegramChannel) poll(ctx context.Context, bot botAPI, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(t.stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", t.stallTimeout)
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.stallTimeout)

			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.dispatch(ctx, bot, update)
			}()
		}
	}
}

func (t *TelegramChannel) dispatch(ctx context.Context, bot botAPI, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		if update.Message.From == nil || !t.isAllowed(update.Message.From.ID) {
			t.logDenied(update.Message.From)
			return
		}
		t.handleMessage(ctx, bot, update.Message)
	case update.CallbackQuery != nil:
		if update.CallbackQuery.From == nil || !t.isAllowed(update.CallbackQuery.From.ID) {
			t.logDenied(update.CallbackQuery.From)
			return
		}
		t.handleCallback(ctx, bot, update.CallbackQuery)
	}
}

func (t *TelegramChannel) isAllowed(userID int64) bool {
	if len(t.allowed) == 0 {
		return true
	}
	_, ok := t.allowed[userID]
	return ok
}

func (t *TelegramChannel) logDenied(from *tgbotapi.User) {
	if from == nil {
		t.logger.Warn("telegram update without sender dropped")
		return
	}
	t.logger.Warn("telegram access denied",
		zap.Int64("user_id", from.ID), zap.String("user_name", from.UserName))
}

// =============================================================================
// 消息
// =============================================================================

func (t *TelegramChannel) handleMessage(ctx context.Context, bot botAPI, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if msg.IsCommand() && msg.Command() == "start" {
		t.reply(bot, chatID, greeting, nil)
		return
	}

	threadID := ThreadID(chatID)
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}

	if fileID, name, ok := attachmentOf(msg); ok {
		link, err := t.storeAttachment(ctx, bot, threadID, fileID, name)
		if err != nil {
			t.logger.Warn("telegram attachment rejected",
				zap.String("thread_id", threadID), zap.String("name", name), zap.Error(err))
			t.reply(bot, chatID, "Sorry, I could not process that file.", nil)
			return
		}
		text = appendLink(text, link)
	}

	if text == "" {
		return
	}
	t.runTurn(ctx, bot, chatID, text)
}

func (t *TelegramChannel) runTurn(ctx context.Context, bot botAPI, chatID int64, text string) {
	threadID := ThreadID(chatID)
	res, err := t.turner.HandleTurn(ctx, executor.TurnRequest{
		ThreadID: threadID,
		Text:     text,
		Role:     t.cfg.Role,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.logger.Error("telegram turn failed", zap.String("thread_id", threadID), zap.Error(err))
		t.reply(bot, chatID, failureReply, nil)
		return
	}

	var markup any
	if res.AwaitingApproval() {
		markup = approvalKeyboard()
	}
	t.reply(bot, chatID, res.Reply, markup)
}

// =============================================================================
// 审批按钮
// =============================================================================

func approvalKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes", callbackPrefix+"yes"),
			tgbotapi.NewInlineKeyboardButtonData("No", callbackPrefix+"no"),
		),
	)
}

// parseApprovalCallback 解析 "approval:yes" / "approval:no"。
func parseApprovalCallback(data string) (string, bool) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", false
	}
	switch answer := strings.TrimPrefix(data, callbackPrefix); answer {
	case "yes", "no":
		return answer, true
	default:
		return "", false
	}
}

func (t *TelegramChannel) handleCallback(ctx context.Context, bot botAPI, query *tgbotapi.CallbackQuery) {
	answer, ok := parseApprovalCallback(query.Data)
	if !ok || query.Message == nil {
		if _, err := bot.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
			t.logger.Warn("failed to answer callback", zap.Error(err))
		}
		return
	}

	if _, err := bot.Request(tgbotapi.NewCallback(query.ID, "Got it: "+answer)); err != nil {
		t.logger.Warn("failed to answer callback", zap.Error(err))
	}

	chatID := query.Message.Chat.ID
	// 按钮只能按一次
	strip := tgbotapi.NewEditMessageReplyMarkup(chatID, query.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := bot.Request(strip); err != nil {
		t.logger.Debug("failed to clear approval keyboard", zap.Error(err))
	}

	t.runTurn(ctx, bot, chatID, answer)
}

// =============================================================================
// 附件
// =============================================================================

// attachmentOf 返回文档或最大尺寸照片的 file id 与文件名。
func attachmentOf(msg *tgbotapi.Message) (fileID, name string, ok bool) {
	if msg.Document != nil {
		name = msg.Document.FileName
		if name == "" {
			name = msg.Document.FileUniqueID
		}
		return msg.Document.FileID, name, true
	}
	if n := len(msg.Photo); n > 0 {
		p := msg.Photo[n-1]
		return p.FileID, p.FileUniqueID + ".jpg", true
	}
	return "", "", false
}

func (t *TelegramChannel) storeAttachment(ctx context.Context, bot botAPI, threadID, fileID, name string) (string, error) {
	if t.uploader == nil {
		return "", errors.New("attachments are disabled")
	}
	fileURL, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	up, err := t.uploader.Put(ctx, threadID, name, io.LimitReader(resp.Body, t.cfg.MaxFileSize+1))
	if err != nil {
		return "", err
	}
	return up.Reference(), nil
}

func appendLink(text, link string) string {
	if text == "" {
		return link
	}
	return text + " " + link
}

// =============================================================================
// 发送
// =============================================================================

func (t *TelegramChannel) reply(bot botAPI, chatID int64, text string, markup any) {
	if strings.TrimSpace(text) == "" {
		return
	}
	chunks := splitMessage(text, maxMessageRunes)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(chatID, chunk)
		// 键盘挂在最后一段
		if i == len(chunks)-1 && markup != nil {
			msg.ReplyMarkup = markup
		}
		if _, err := bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram reply", zap.Int64("chat_id", chatID), zap.Error(err))
			return
		}
	}
}

// splitMessage 按 rune 数切分，尽量在换行处断开。
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var out []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
