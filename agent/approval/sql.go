package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentgate/types"
)

// StatusModel is the "approval_status" table.
type StatusModel struct {
	ThreadID           string    `gorm:"column:thread_id;primaryKey;size:191"`
	Phase              string    `gorm:"column:phase;size:32;not null"`
	PendingToolCallIDs string    `gorm:"column:pending_tool_call_ids;type:text;not null"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (StatusModel) TableName() string { return "approval_status" }

// SQLStore keeps statuses in a relational table through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore creates a gorm-backed store.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

// AutoMigrate creates or updates the status table.
func (s *SQLStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&StatusModel{})
}

func (s *SQLStore) Get(ctx context.Context, threadID string) (Status, error) {
	if threadID == "" {
		return Status{}, ErrInvalidThread
	}
	def := StatusModel{
		ThreadID:           threadID,
		Phase:              string(PhaseNew),
		PendingToolCallIDs: "[]",
		UpdatedAt:          time.Now().UTC(),
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&def).Error; err != nil {
		return Status{}, types.NewStorageError("approval/sql: get", err)
	}
	var m StatusModel
	if err := db.Where("thread_id = ?", threadID).Take(&m).Error; err != nil {
		return Status{}, types.NewStorageError("approval/sql: get", err)
	}
	return m.status()
}

func (s *SQLStore) Set(ctx context.Context, threadID string, phase Phase, pendingIDs []string) error {
	ids, err := normalize(threadID, phase, pendingIDs)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("approval/sql: marshal ids: %w", err)
	}
	m := StatusModel{
		ThreadID:           threadID,
		Phase:              string(phase),
		PendingToolCallIDs: string(data),
		UpdatedAt:          time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return types.NewStorageError("approval/sql: set", err)
	}
	return nil
}

func (m StatusModel) status() (Status, error) {
	phase, err := ParsePhase(m.Phase)
	if err != nil {
		return Status{}, err
	}
	ids := []string{}
	if m.PendingToolCallIDs != "" {
		if err := json.Unmarshal([]byte(m.PendingToolCallIDs), &ids); err != nil {
			return Status{}, fmt.Errorf("approval/sql: decode ids of %s: %w", m.ThreadID, err)
		}
	}
	if ids == nil {
		ids = []string{}
	}
	return Status{
		ThreadID:           m.ThreadID,
		Phase:              phase,
		PendingToolCallIDs: ids,
		UpdatedAt:          m.UpdatedAt,
	}, nil
}
