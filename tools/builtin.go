package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/agent/router"
)

// =============================================================================
// current_time
// =============================================================================

// CurrentTime returns a tool reporting the current time in the configured
// location.
func CurrentTime(loc *time.Location, now func() time.Time) router.Tool {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return router.Tool{
		Name:        "current_time",
		Description: "Returns the current date and time.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			return now().In(loc).Format("Monday, 02 January 2006 15:04:05 MST"), nil
		},
	}
}

// =============================================================================
// sql_query
// =============================================================================

var (
	readOnlyPrefix = regexp.MustCompile(`(?i)^\s*(select|with)\b`)
	writeKeyword   = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|replace|merge|grant|revoke|attach|pragma)\b`)
)

// ErrNotReadOnly rejects statements other than a single SELECT.
var ErrNotReadOnly = errors.New("only a single read-only SELECT statement is allowed")

type sqlArgs struct {
	Query string `json:"query"`
}

// SQLQuery returns a tool that runs a read-only SELECT against db and
// renders at most maxRows rows as JSON lines.
func SQLQuery(db *gorm.DB, maxRows int, timeout time.Duration) router.Tool {
	if maxRows <= 0 {
		maxRows = 50
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return router.Tool{
		Name:        "sql_query",
		Description: "Runs a read-only SQL SELECT statement against the business database and returns the rows as JSON.",
		Parameters: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"A single SELECT statement."}},"required":["query"]}`),
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args sqlArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			q := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(args.Query), ";"))
			if err := checkReadOnly(q); err != nil {
				return "", err
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			rows, err := db.WithContext(ctx).Raw(q).Rows()
			if err != nil {
				return "", err
			}
			defer rows.Close()

			var b strings.Builder
			n := 0
			for rows.Next() {
				if n == maxRows {
					fmt.Fprintf(&b, "... truncated after %d rows\n", maxRows)
					break
				}
				row := map[string]any{}
				if err := db.ScanRows(rows, &row); err != nil {
					return "", err
				}
				for k, v := range row {
					if bs, ok := v.([]byte); ok {
						row[k] = string(bs)
					}
				}
				line, err := json.Marshal(row)
				if err != nil {
					return "", err
				}
				b.Write(line)
				b.WriteByte('\n')
				n++
			}
			if err := rows.Err(); err != nil {
				return "", err
			}
			if n == 0 {
				return "no rows", nil
			}
			return b.String(), nil
		},
	}
}

func checkReadOnly(q string) error {
	if q == "" || strings.Contains(q, ";") || !readOnlyPrefix.MatchString(q) || writeKeyword.MatchString(q) {
		return ErrNotReadOnly
	}
	return nil
}

// =============================================================================
// webhook
// =============================================================================

// WebhookConfig declares a tool that POSTs its JSON arguments to URL.
type WebhookConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	URL         string            `yaml:"url" json:"url"`
	Method      string            `yaml:"method" json:"method"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	// Parameters is the JSON schema of the arguments.
	Parameters string        `yaml:"parameters" json:"parameters"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

const maxWebhookResponse = 64 << 10

// Webhook returns a tool backed by an HTTP endpoint. Non-2xx responses are
// tool failures.
func Webhook(cfg WebhookConfig, client *http.Client) (router.Tool, error) {
	if cfg.Name == "" || cfg.URL == "" {
		return router.Tool{}, errors.New("webhook tool needs name and url")
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	params := json.RawMessage(cfg.Parameters)
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	} else if !json.Valid(params) {
		return router.Tool{}, fmt.Errorf("webhook tool %q: parameters is not valid JSON", cfg.Name)
	}
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return router.Tool{
		Name:        cfg.Name,
		Description: cfg.Description,
		Parameters:  params,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(args))
			if err != nil {
				return "", err
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range cfg.Headers {
				req.Header.Set(k, v)
			}
			return doRequest(client, req)
		},
	}, nil
}

func doRequest(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s returned HTTP %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
