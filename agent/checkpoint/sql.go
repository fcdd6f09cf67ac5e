package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
	"github.com/BaSui01/agentgate/types"
)

const sqlPageSize = 100

// CheckpointModel is the "checkpoints" table.
type CheckpointModel struct {
	ThreadID           string  `gorm:"column:thread_id;primaryKey;size:191"`
	Namespace          string  `gorm:"column:checkpoint_ns;primaryKey;size:191"`
	CheckpointID       string  `gorm:"column:checkpoint_id;primaryKey;size:64"`
	ParentCheckpointID *string `gorm:"column:parent_checkpoint_id;size:64"`
	Type               string  `gorm:"column:type;size:32;not null"`
	Checkpoint         []byte  `gorm:"column:checkpoint"`
	Metadata           []byte  `gorm:"column:metadata"`
	CreatedAt          time.Time
}

// TableName 指定表名
func (CheckpointModel) TableName() string { return "checkpoints" }

// CheckpointWriteModel is the "checkpoint_writes" table.
type CheckpointWriteModel struct {
	ThreadID     string `gorm:"column:thread_id;primaryKey;size:191"`
	Namespace    string `gorm:"column:checkpoint_ns;primaryKey;size:191"`
	CheckpointID string `gorm:"column:checkpoint_id;primaryKey;size:64"`
	TaskID       string `gorm:"column:task_id;primaryKey;size:191"`
	Idx          int    `gorm:"column:idx;primaryKey;autoIncrement:false"`
	Channel      string `gorm:"column:channel;size:191;not null"`
	Type         string `gorm:"column:type;size:32;not null"`
	Value        []byte `gorm:"column:value"`
}

// TableName 指定表名
func (CheckpointWriteModel) TableName() string { return "checkpoint_writes" }

// SQLSaver stores checkpoints through gorm, so it runs on PostgreSQL, MySQL
// and SQLite. Tables are created by internal/migration in production and by
// AutoMigrate in tests.
type SQLSaver struct {
	db     *gorm.DB
	codec  codec
	logger *zap.Logger
}

// NewSQLSaver creates a gorm-backed saver.
func NewSQLSaver(db *gorm.DB, s serde.Serializer, logger *zap.Logger) *SQLSaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLSaver{
		db:     db,
		codec:  newCodec(s),
		logger: logger.With(zap.String("component", "checkpoint_sql")),
	}
}

var _ Saver = (*SQLSaver)(nil)

// AutoMigrate creates or updates the checkpoint tables.
func (s *SQLSaver) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&CheckpointModel{}, &CheckpointWriteModel{})
}

func (s *SQLSaver) GetLatest(ctx context.Context, threadID, namespace string) (*Tuple, error) {
	if threadID == "" {
		return nil, ErrInvalidKey
	}
	var m CheckpointModel
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND checkpoint_ns = ?", threadID, namespace).
		Order("checkpoint_id DESC").
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.NewStorageError("checkpoint/sql: get latest", err)
	}
	return s.withWrites(ctx, m)
}

func (s *SQLSaver) Get(ctx context.Context, key Key) (*Tuple, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var m CheckpointModel
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?", key.ThreadID, key.Namespace, key.CheckpointID).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.NewStorageError("checkpoint/sql: get", err)
	}
	return s.withWrites(ctx, m)
}

func (s *SQLSaver) Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (Key, error) {
	if err := validatePut(threadID, cp); err != nil {
		return Key{}, err
	}
	rec, err := s.codec.encode(threadID, namespace, cp, md, parentID)
	if err != nil {
		return Key{}, err
	}
	m := CheckpointModel{
		ThreadID:     rec.ThreadID,
		Namespace:    rec.Namespace,
		CheckpointID: rec.CheckpointID,
		Type:         rec.Type,
		Checkpoint:   rec.Checkpoint,
		Metadata:     rec.Metadata,
	}
	if parentID != "" {
		m.ParentCheckpointID = &parentID
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return Key{}, types.NewStorageError("checkpoint/sql: put", err)
	}
	return Key{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ID}, nil
}

func (s *SQLSaver) PutWrites(ctx context.Context, key Key, taskID string, writes []Write) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	recs, err := s.codec.encodeWrites(key, taskID, writes)
	if err != nil {
		return err
	}
	models := make([]CheckpointWriteModel, 0, len(recs))
	for _, w := range recs {
		models = append(models, CheckpointWriteModel{
			ThreadID:     w.ThreadID,
			Namespace:    w.Namespace,
			CheckpointID: w.CheckpointID,
			TaskID:       w.TaskID,
			Idx:          w.Index,
			Channel:      w.Channel,
			Type:         w.Type,
			Value:        w.Value,
		})
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&models).Error
	})
	if err != nil {
		return types.NewStorageError("checkpoint/sql: put writes", err)
	}
	return nil
}

func (s *SQLSaver) List(ctx context.Context, opts ListOptions) ([]*Tuple, error) {
	before := opts.Before
	var out []*Tuple
	for {
		q := s.db.WithContext(ctx).Model(&CheckpointModel{})
		if opts.ThreadID != "" {
			q = q.Where("thread_id = ?", opts.ThreadID)
		}
		if !opts.AllNamespaces {
			q = q.Where("checkpoint_ns = ?", opts.Namespace)
		}
		if before != "" {
			q = q.Where("checkpoint_id < ?", before)
		}
		var page []CheckpointModel
		if err := q.Order("checkpoint_id DESC").Limit(sqlPageSize).Find(&page).Error; err != nil {
			return nil, types.NewStorageError("checkpoint/sql: list", err)
		}
		if len(page) == 0 {
			return out, nil
		}

		tuples, err := s.tuples(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, t := range tuples {
			if !t.Metadata.Matches(opts.Filter) {
				continue
			}
			out = append(out, t)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
		if len(page) < sqlPageSize {
			return out, nil
		}
		before = page[len(page)-1].CheckpointID
	}
}

func (s *SQLSaver) Prune(ctx context.Context, threadID, namespace string) (int64, error) {
	if threadID == "" {
		return 0, ErrInvalidKey
	}
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest CheckpointModel
		err := tx.Where("thread_id = ? AND checkpoint_ns = ?", threadID, namespace).
			Order("checkpoint_id DESC").
			Take(&latest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		stale := "thread_id = ? AND checkpoint_ns = ? AND checkpoint_id <> ?"
		res := tx.Where(stale, threadID, namespace, latest.CheckpointID).Delete(&CheckpointModel{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return tx.Where(stale, threadID, namespace, latest.CheckpointID).Delete(&CheckpointWriteModel{}).Error
	})
	if err != nil {
		return 0, types.NewStorageError("checkpoint/sql: prune", err)
	}
	return removed, nil
}

func (s *SQLSaver) withWrites(ctx context.Context, m CheckpointModel) (*Tuple, error) {
	tuples, err := s.tuples(ctx, []CheckpointModel{m})
	if err != nil {
		return nil, err
	}
	return tuples[0], nil
}

// tuples decodes a page of rows, loading their pending writes in one query.
func (s *SQLSaver) tuples(ctx context.Context, rows []CheckpointModel) ([]*Tuple, error) {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.CheckpointID)
	}
	var writeRows []CheckpointWriteModel
	err := s.db.WithContext(ctx).
		Where("checkpoint_id IN ?", ids).
		Order("task_id, idx").
		Find(&writeRows).Error
	if err != nil {
		return nil, types.NewStorageError("checkpoint/sql: load writes", err)
	}
	byKey := make(map[Key][]writeRecord, len(rows))
	for _, w := range writeRows {
		k := Key{ThreadID: w.ThreadID, Namespace: w.Namespace, CheckpointID: w.CheckpointID}
		byKey[k] = append(byKey[k], writeRecord{
			ThreadID:     w.ThreadID,
			Namespace:    w.Namespace,
			CheckpointID: w.CheckpointID,
			TaskID:       w.TaskID,
			Index:        w.Idx,
			Channel:      w.Channel,
			Type:         w.Type,
			Value:        w.Value,
		})
	}

	out := make([]*Tuple, 0, len(rows))
	for _, r := range rows {
		rec := record{
			ThreadID:     r.ThreadID,
			Namespace:    r.Namespace,
			CheckpointID: r.CheckpointID,
			Type:         r.Type,
			Checkpoint:   r.Checkpoint,
			Metadata:     r.Metadata,
		}
		if r.ParentCheckpointID != nil {
			rec.ParentID = *r.ParentCheckpointID
		}
		k := Key{ThreadID: r.ThreadID, Namespace: r.Namespace, CheckpointID: r.CheckpointID}
		t, err := s.codec.tuple(rec, byKey[k])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
