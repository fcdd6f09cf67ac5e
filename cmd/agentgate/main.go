// =============================================================================
// AgentGate 主入口
// =============================================================================
// 审批门控的对话代理服务：HTTP / WebSocket / Telegram 入口、检查点存储、
// Prometheus 指标。
//
// 使用方法:
//
//	agentgate serve                       # 启动服务
//	agentgate serve --config config.yaml  # 指定配置文件
//	agentgate migrate up                  # 运行数据库迁移
//	agentgate migrate status              # 查看迁移状态
//	agentgate history <thread_id>         # 打印线程对话历史
//	agentgate history --steps 20 <id>     # 同时列出最近 20 个检查点
//	agentgate version                     # 显示版本信息
//	agentgate health                      # 健康检查
// =============================================================================

// @title AgentGate API
// @version 1.0.0
// @description Approval-gated conversational agent. Sensitive tool calls pause the turn until the user answers yes or no.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentgate/agent/approval"
	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/agent/executor"
	"github.com/BaSui01/agentgate/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:], os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "health":
		err = runHealthCheck(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting AgentGate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize server", zap.Error(err))
		return err
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("AgentGate stopped")
	return nil
}

// =============================================================================
// 📜 history 命令
// =============================================================================

func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	namespace := fs.String("namespace", "", "Checkpoint namespace (defaults to agent.namespace)")
	steps := fs.Int("steps", 10, "Number of recent checkpoints to list (0 to skip)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: agentgate history [--config path] [--steps n] <thread_id>")
	}
	threadID := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ns := cfg.Agent.Namespace
	if *namespace != "" {
		ns = *namespace
	}

	logger := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	in, err := openInfra(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close(context.Background()) }()

	st, err := buildStores(ctx, cfg, in, nil, nil, logger)
	if err != nil {
		return err
	}
	latest, err := st.saver.GetLatest(ctx, threadID, ns)
	if err != nil {
		return err
	}
	status, err := st.approvals.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if err := printHistory(out, threadID, latest, status); err != nil {
		return err
	}
	if latest == nil || *steps <= 0 {
		return nil
	}
	return printSteps(out, checkpoint.All(ctx, st.saver, checkpoint.ListOptions{
		ThreadID:  threadID,
		Namespace: ns,
		Limit:     *steps,
	}, 0))
}

// printSteps 逐条输出检查点链，最新的在前。
func printSteps(out io.Writer, steps iter.Seq2[*checkpoint.Tuple, error]) error {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Steps:")
	for t, err := range steps {
		if err != nil {
			return err
		}
		next, _ := t.Checkpoint.ChannelValues[checkpoint.ChannelNext].(string)
		fmt.Fprintf(out, "  %s  %s  source=%v step=%v next=%s\n",
			t.Key.CheckpointID, t.Checkpoint.TS.Format(time.RFC3339),
			t.Metadata["source"], t.Metadata["step"], next)
	}
	return nil
}

// printHistory 以纯文本输出线程的消息与审批状态。
func printHistory(out io.Writer, threadID string, latest *checkpoint.Tuple, status approval.Status) error {
	if latest == nil {
		_, err := fmt.Fprintf(out, "Thread %s has no checkpoints.\n", threadID)
		return err
	}
	fmt.Fprintf(out, "Thread:     %s\n", threadID)
	fmt.Fprintf(out, "Checkpoint: %s (%s)\n", latest.Checkpoint.ID, latest.Checkpoint.TS.Format(time.RFC3339))
	fmt.Fprintf(out, "Phase:      %s\n", status.Phase)
	if len(status.PendingToolCallIDs) > 0 {
		fmt.Fprintf(out, "Pending:    %s\n", strings.Join(status.PendingToolCallIDs, ", "))
	}
	fmt.Fprintln(out)

	for _, m := range executor.History(latest) {
		switch {
		case len(m.ToolCalls) > 0:
			for _, c := range m.ToolCalls {
				fmt.Fprintf(out, "[%s] -> %s(%s) id=%s\n", m.Role, c.Name, string(c.Arguments), c.ID)
			}
			if m.Content != "" {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
		case m.ToolCallID != "":
			fmt.Fprintf(out, "[%s %s] %s\n", m.Role, m.ToolCallID, m.Content)
		default:
			fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
		}
	}
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "AgentGate %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `AgentGate - approval-gated conversational agent

Usage:
  agentgate <command> [options]

Commands:
  serve               Start the HTTP API (and the Telegram bot when enabled)
  migrate <command>   Database migration commands
  history <thread_id> Print the conversation of a thread
  version             Show version information
  health              Check server health
  help                Show this help message

Options for 'serve', 'migrate' and 'history':
  --config <path>     Path to configuration file (YAML)

Migration subcommands:
  migrate up          Apply all pending migrations
  migrate down        Roll back the last migration
  migrate down-all    Roll back every migration
  migrate steps <n>   Apply (n>0) or roll back (n<0) n migrations
  migrate goto <v>    Migrate to a specific version
  migrate force <v>   Force set migration version
  migrate version     Show current migration version
  migrate status      Show migration status
  migrate info        Show a summary

Examples:
  agentgate serve --config /etc/agentgate/config.yaml
  agentgate migrate --config config.yaml up
  agentgate history --config config.yaml telegram-123456
  agentgate health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
