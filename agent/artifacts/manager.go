package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for unknown or expired attachments.
	ErrNotFound = errors.New("artifacts: attachment not found")
	// ErrTooLarge is returned when an upload exceeds MaxSize.
	ErrTooLarge = errors.New("artifacts: attachment too large")
	// ErrExtensionNotAllowed is returned for file types outside AllowedExtensions.
	ErrExtensionNotAllowed = errors.New("artifacts: file type not allowed")
)

// Attachment describes one stored upload.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MimeType    string    `json:"mime_type,omitempty"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	ThreadID    string    `json:"thread_id,omitempty"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the attachment is past its expiry.
func (a *Attachment) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// Store persists attachment bytes and metadata.
type Store interface {
	Save(ctx context.Context, att *Attachment, data io.Reader, maxSize int64) error
	Load(ctx context.Context, id string) (*Attachment, io.ReadCloser, error)
	Stat(ctx context.Context, id string) (*Attachment, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, query Query) ([]*Attachment, error)
}

// Query filters List.
type Query struct {
	ThreadID      string
	ExpiredBefore time.Time
	Limit         int
}

// Config configures the attachment Manager.
type Config struct {
	BasePath string `yaml:"base_path" json:"base_path"`
	// PublicURL is the externally reachable base of the HTTP API, e.g.
	// https://agent.example.com. Download links are PublicURL + /api/v1/attachments/{id}.
	PublicURL         string        `yaml:"public_url" json:"public_url"`
	MaxSize           int64         `yaml:"max_size" json:"max_size"`
	LinkTTL           time.Duration `yaml:"link_ttl" json:"link_ttl"`
	Retention         time.Duration `yaml:"retention" json:"retention"`
	AllowedExtensions []string      `yaml:"allowed_extensions" json:"allowed_extensions"`
	SigningKey        string        `yaml:"signing_key" json:"-"`
}

// DefaultConfig returns the default attachment settings.
func DefaultConfig() Config {
	return Config{
		BasePath:          "./data/attachments",
		PublicURL:         "http://localhost:8080",
		MaxSize:           20 << 20,
		LinkTTL:           7 * 24 * time.Hour,
		Retention:         7 * 24 * time.Hour,
		AllowedExtensions: []string{".pdf", ".jpeg", ".jpg", ".png"},
	}
}

// Upload is the result of storing an attachment.
type Upload struct {
	Attachment *Attachment
	URL        string
	ExpiresAt  time.Time
}

// Reference returns the text appended to a user message to point the agent
// at the upload.
func (u *Upload) Reference() string {
	return u.URL
}

// Manager stores uploads and hands out signed download links.
type Manager struct {
	store     Store
	signer    *Signer
	cfg       Config
	allowed   map[string]struct{}
	now       func() time.Time
	cleanupMu sync.Mutex
	logger    *zap.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, store Store, signer *Signer, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("artifacts: store is required")
	}
	if signer == nil {
		return nil, errors.New("artifacts: signer is required")
	}
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = def.LinkTTL
	}
	if cfg.Retention < cfg.LinkTTL {
		cfg.Retention = cfg.LinkTTL
	}
	if _, err := url.Parse(cfg.PublicURL); err != nil {
		return nil, fmt.Errorf("artifacts: invalid public_url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &Manager{
		store:   store,
		signer:  signer,
		cfg:     cfg,
		allowed: allowed,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "attachments")),
	}, nil
}

// Put stores data under name for threadID and returns a signed link.
func (m *Manager) Put(ctx context.Context, threadID, name string, data io.Reader) (*Upload, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	ext := strings.ToLower(filepath.Ext(name))
	if len(m.allowed) > 0 {
		if _, ok := m.allowed[ext]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
		}
	}

	now := m.now().UTC()
	att := &Attachment{
		ID:        uuid.NewString(),
		Name:      name,
		MimeType:  mime.TypeByExtension(ext),
		ThreadID:  threadID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Retention),
	}
	if att.MimeType == "" {
		att.MimeType = "application/octet-stream"
	}
	if err := m.store.Save(ctx, att, data, m.cfg.MaxSize); err != nil {
		return nil, err
	}

	link, exp, err := m.Link(att.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("attachment stored",
		zap.String("attachment_id", att.ID),
		zap.String("thread_id", threadID),
		zap.String("name", name),
		zap.Int64("size", att.Size))
	return &Upload{Attachment: att, URL: link, ExpiresAt: exp}, nil
}

// Link signs a download URL for id.
func (m *Manager) Link(id string) (string, time.Time, error) {
	token, exp, err := m.signer.Sign(id, m.cfg.LinkTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	base := strings.TrimRight(m.cfg.PublicURL, "/")
	return base + "/api/v1/attachments/" + url.PathEscape(id) + "?token=" + url.QueryEscape(token), exp, nil
}

// Open verifies token and returns the attachment with its content. The caller
// closes the reader.
func (m *Manager) Open(ctx context.Context, id, token string) (*Attachment, io.ReadCloser, error) {
	if err := m.signer.Verify(token, id); err != nil {
		return nil, nil, err
	}
	att, rc, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if att.Expired(m.now()) {
		_ = rc.Close()
		return nil, nil, ErrNotFound
	}
	return att, rc, nil
}

// Cleanup deletes attachments past their retention and returns how many
// were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	expired, err := m.store.List(ctx, Query{ExpiredBefore: m.now()})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, att := range expired {
		if err := m.store.Delete(ctx, att.ID); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("delete expired attachment failed", zap.String("attachment_id", att.ID), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("attachment cleanup completed", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("attachment cleanup failed", zap.Error(err))
			}
		}
	}
}
