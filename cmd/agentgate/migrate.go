package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/agentgate/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 解析连接参数后把子命令交给 migration.CLI。
// 连接来源优先级: --url > 配置文件 database 段。
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbURL := fs.String("url", "", "Database URL (overrides config)")
	driver := fs.String("driver", "", "Database type for --url: postgres, mysql, sqlite")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: agentgate %s\n\noptions:\n", migration.Usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing migrate command")
	}

	m, err := newMigrator(*configPath, *dbURL, *driver)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return migration.NewCLI(m, os.Stdout).Run(ctx, fs.Args())
}

func newMigrator(configPath, dbURL, driver string) (*migration.DefaultMigrator, error) {
	if dbURL != "" {
		if driver == "" {
			return nil, errors.New("--driver is required with --url")
		}
		return migration.NewMigratorFromURL(driver, dbURL)
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "" {
		return nil, errors.New("database.driver is not configured")
	}
	return migration.NewMigratorFromConfig(cfg.Database)
}
