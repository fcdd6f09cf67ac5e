package tools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/agent/router"
	"github.com/BaSui01/agentgate/tools/openapi"
)

// SQLOptions configures the sql_query tool.
type SQLOptions struct {
	Enabled bool
	MaxRows int
	Timeout time.Duration
}

// Catalog lists the tools to register.
type Catalog struct {
	// Timezone is an IANA name used by current_time; empty means UTC.
	Timezone string
	SQL      SQLOptions
	Webhooks []WebhookConfig
	OpenAPI  []openapi.Source
}

// Deps are the clients tools may use. DB is required only when SQL is enabled.
type Deps struct {
	DB         *gorm.DB
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Build returns the tools of the catalogue. Names must be unique; the router
// rejects duplicates.
func Build(ctx context.Context, c Catalog, deps Deps) ([]router.Tool, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	loc := time.UTC
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("tools: timezone %q: %w", c.Timezone, err)
		}
		loc = l
	}
	out := []router.Tool{CurrentTime(loc, nil)}

	if c.SQL.Enabled {
		if deps.DB == nil {
			return nil, fmt.Errorf("tools: sql_query is enabled but no database is configured")
		}
		out = append(out, SQLQuery(deps.DB, c.SQL.MaxRows, c.SQL.Timeout))
	}

	for _, wh := range c.Webhooks {
		t, err := Webhook(wh, client)
		if err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
		out = append(out, t)
	}

	gen := openapi.NewGenerator(client, logger)
	for _, src := range c.OpenAPI {
		ts, err := gen.Load(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
		out = append(out, ts...)
	}

	names := make([]string, 0, len(out))
	for _, t := range out {
		names = append(names, t.Name)
	}
	logger.Info("tool catalogue built", zap.Strings("tools", names))
	return out, nil
}
