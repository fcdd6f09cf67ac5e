package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	tool := CurrentTime(nil, func() time.Time { return fixed })
	out, err := tool.Invoke(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Tuesday, 05 March 2024 14:07:09 UTC", out)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT, balance INTEGER)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO accounts (owner, balance) VALUES ('ana', 42), ('bo', 7), ('cy', 0)`).Error)
	return db
}

func TestSQLQuery(t *testing.T) {
	tool := SQLQuery(openDB(t), 2, time.Second)
	ctx := context.Background()

	out, err := tool.Invoke(ctx, json.RawMessage(`{"query":"SELECT owner, balance FROM accounts WHERE balance > 5 ORDER BY id;"}`))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"owner":"ana","balance":42}`, lines[0])

	out, err = tool.Invoke(ctx, json.RawMessage(`{"query":"SELECT * FROM accounts ORDER BY id"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "truncated after 2 rows")

	out, err = tool.Invoke(ctx, json.RawMessage(`{"query":"SELECT * FROM accounts WHERE owner = 'nobody'"}`))
	require.NoError(t, err)
	assert.Equal(t, "no rows", out)
}

func TestSQLQuery_RejectsWrites(t *testing.T) {
	tool := SQLQuery(openDB(t), 10, time.Second)
	for _, q := range []string{
		"DELETE FROM accounts",
		"SELECT 1; DROP TABLE accounts",
		"WITH x AS (SELECT 1) UPDATE accounts SET balance = 0",
		"",
	} {
		args, _ := json.Marshal(sqlArgs{Query: q})
		_, err := tool.Invoke(context.Background(), args)
		assert.ErrorIs(t, err, ErrNotReadOnly, q)
	}
}

func TestWebhook(t *testing.T) {
	var gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		if strings.Contains(gotBody, "fail") {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":"sent"}`))
	}))
	defer srv.Close()

	tool, err := Webhook(WebhookConfig{
		Name:       "send_payment",
		URL:        srv.URL,
		Headers:    map[string]string{"Authorization": "Bearer k"},
		Parameters: `{"type":"object","properties":{"amount":{"type":"number"}}}`,
	}, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "send_payment", tool.Name)

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"amount":10}`))
	require.NoError(t, err)
	assert.Equal(t, `{"status":"sent"}`, out)
	assert.Equal(t, `{"amount":10}`, gotBody)
	assert.Equal(t, "Bearer k", gotAuth)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"note":"fail"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")

	_, err = Webhook(WebhookConfig{Name: "x", URL: srv.URL, Parameters: "{"}, nil)
	assert.Error(t, err)
	_, err = Webhook(WebhookConfig{URL: srv.URL}, nil)
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	tools, err := Build(context.Background(), Catalog{
		Timezone: "Asia/Kuala_Lumpur",
		SQL:      SQLOptions{Enabled: true},
		Webhooks: []WebhookConfig{{Name: "notify", URL: "http://127.0.0.1:1/hook"}},
	}, Deps{DB: openDB(t)})
	require.NoError(t, err)

	var names []string
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	assert.Equal(t, []string{"current_time", "sql_query", "notify"}, names)

	_, err = Build(context.Background(), Catalog{SQL: SQLOptions{Enabled: true}}, Deps{})
	assert.Error(t, err)

	_, err = Build(context.Background(), Catalog{Timezone: "Mars/Olympus"}, Deps{})
	assert.Error(t, err)
}
