package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// conversationRecord holds per-session metadata.
type conversationRecord struct {
	gorm.Model
	SessionID    string `gorm:"uniqueIndex;not null"`
	MessageCount int    `gorm:"default:0"`
}

func (conversationRecord) TableName() string { return "breeze_conversations" }

// messageRecord is one stored message. (session_id, seq) is unique so two
// writers racing for the same position cannot both succeed.
type messageRecord struct {
	ID            uint   `gorm:"primaryKey"`
	SessionID     string `gorm:"not null;uniqueIndex:idx_session_seq"`
	Seq           int    `gorm:"not null;uniqueIndex:idx_session_seq"`
	Role          string `gorm:"not null"`
	Content       string `gorm:"type:text"`
	Name          string
	ToolCallID    string `gorm:"index"`
	ToolCallsJSON string `gorm:"type:json"`
	CreatedAt     time.Time
}

func (messageRecord) TableName() string { return "breeze_messages" }

// SQLiteStore persists histories in SQLite through gorm.
type SQLiteStore struct {
	db     *gorm.DB
	ownsDB bool
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreWithDB(db)
	if err != nil {
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// OpenSQLite opens a gorm SQLite handle configured for history storage.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteStoreWithDB uses an existing handle. The caller keeps ownership.
func NewSQLiteStoreWithDB(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *gorm.DB {
	return s.db
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (breezeflow.History, error) {
	return loadRecords(s.db.WithContext(ctx), sessionID)
}

func loadRecords(db *gorm.DB, sessionID string) (breezeflow.History, error) {
	var records []messageRecord
	if err := db.Where("session_id = ?", sessionID).Order("seq ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	h := make(breezeflow.History, 0, len(records))
	for _, r := range records {
		msg, err := r.message()
		if err != nil {
			return nil, err
		}
		h = append(h, msg)
	}
	return h, nil
}

// Append stores msgs after the expectedLen messages already stored. The
// returned history is built inside the transaction, so a committed append is
// never reported as failed.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, expectedLen int, msgs []breezeflow.Message) (breezeflow.History, error) {
	var updated breezeflow.History
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prior, err := loadRecords(tx, sessionID)
		if err != nil {
			return err
		}
		if len(prior) != expectedLen {
			return conflict(sessionID, expectedLen, len(prior))
		}

		records := make([]messageRecord, 0, len(msgs))
		for i, m := range msgs {
			r, err := newMessageRecord(sessionID, expectedLen+i+1, m)
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		if err := tx.Create(&records).Error; err != nil {
			if isUniqueViolation(err) {
				return breezeflow.NewHistoryWriteConflictError(sessionID, err)
			}
			return fmt.Errorf("failed to create message records: %w", err)
		}

		total := expectedLen + len(msgs)
		conv := conversationRecord{SessionID: sessionID}
		if err := tx.Where(conversationRecord{SessionID: sessionID}).FirstOrCreate(&conv).Error; err != nil {
			return fmt.Errorf("failed to create conversation record: %w", err)
		}
		if err := tx.Model(&conv).Update("message_count", total).Error; err != nil {
			return fmt.Errorf("failed to update conversation record: %w", err)
		}
		updated = append(prior, msgs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&messageRecord{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("session_id = ?", sessionID).Delete(&conversationRecord{}).Error
	})
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&conversationRecord{}).Order("session_id ASC").Pluck("session_id", &ids).Error
	return ids, err
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func newMessageRecord(sessionID string, seq int, m breezeflow.Message) (messageRecord, error) {
	r := messageRecord{
		SessionID:  sessionID,
		Seq:        seq,
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return r, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		r.ToolCallsJSON = string(b)
	}
	return r, nil
}

func (r messageRecord) message() (breezeflow.Message, error) {
	m := breezeflow.Message{
		Role:       breezeflow.Role(r.Role),
		Content:    r.Content,
		Name:       r.Name,
		ToolCallID: r.ToolCallID,
	}
	if r.ToolCallsJSON != "" {
		if err := json.Unmarshal([]byte(r.ToolCallsJSON), &m.ToolCalls); err != nil {
			return m, fmt.Errorf("corrupt tool calls for message %d: %w", r.Seq, err)
		}
	}
	return m, nil
}
