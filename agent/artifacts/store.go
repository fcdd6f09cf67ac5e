package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps each attachment in its own directory under basePath
// (data + metadata.json) and an index.json of all attachments.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
	index    map[string]*Attachment
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens or creates a file store rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	s := &FileStore{
		basePath: basePath,
		index:    make(map[string]*Attachment),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Save(ctx context.Context, att *Attachment, data io.Reader, maxSize int64) error {
	dir := filepath.Join(s.basePath, att.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	dataPath := filepath.Join(dir, "data")
	f, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}

	// 边写边算校验和，多读一个字节用于判断是否超限
	h := sha256.New()
	src := data
	if maxSize > 0 {
		src = io.LimitReader(data, maxSize+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h), src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && maxSize > 0 && n > maxSize {
		err = ErrTooLarge
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(err, ErrTooLarge) {
			return fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, maxSize)
		}
		return fmt.Errorf("write attachment: %w", err)
	}

	att.Size = n
	att.Checksum = hex.EncodeToString(h.Sum(nil))
	att.StoragePath = dataPath

	meta, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *att
	s.index[att.ID] = &cp
	return s.saveIndex()
}

func (s *FileStore) Load(ctx context.Context, id string) (*Attachment, io.ReadCloser, error) {
	att, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(att.StoragePath)
	if os.IsNotExist(err) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}
	return att, f, nil
}

func (s *FileStore) Stat(_ context.Context, id string) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	att, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *att
	return &cp, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return ErrNotFound
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, id)); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	delete(s.index, id)
	return s.saveIndex()
}

// List returns matching attachments, oldest first.
func (s *FileStore) List(_ context.Context, q Query) ([]*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Attachment
	for _, att := range s.index {
		if q.ThreadID != "" && att.ThreadID != q.ThreadID {
			continue
		}
		if !q.ExpiredBefore.IsZero() && (att.ExpiresAt.IsZero() || !att.ExpiresAt.Before(q.ExpiredBefore)) {
			continue
		}
		cp := *att
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, "index.json"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	return json.Unmarshal(data, &s.index)
}

// saveIndex writes the index atomically; callers hold mu.
func (s *FileStore) saveIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp := filepath.Join(s.basePath, "index.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.basePath, "index.json"))
}
