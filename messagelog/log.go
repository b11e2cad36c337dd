// Package messagelog persists the user-facing conversation transcript and
// conversation ownership. It is the durable history behind the session
// store: sessions are the per-agent prompt context, the message log is
// what a returning user reads back.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/types"
)

// Conversation is the ownership row for one conversation.
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"index;size:64;not null"`
	Title     string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// MessageRecord is one persisted transcript entry.
type MessageRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"index;size:64;not null"`
	Sender         string    `gorm:"size:32;not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index"`
}

// Log stores conversations and their messages in a relational database.
type Log struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New opens the database named by cfg and migrates the schema. Driver is
// sqlite or postgres.
func New(cfg config.DatabaseConfig, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unsupported database driver %q", cfg.Driver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to open message log database").
			WithCause(err).
			WithRetryable(true)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to access message log connection pool").WithCause(err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&Conversation{}, &MessageRecord{}); err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to migrate message log schema").WithCause(err)
	}

	return &Log{
		db:     db,
		logger: logger.With(zap.String("component", "message_log")),
	}, nil
}

// EnsureConversation creates the ownership row for conversationID if it
// does not exist. An existing row is left untouched, whoever owns it.
func (l *Log) EnsureConversation(ctx context.Context, conversationID, userID string) error {
	conv := Conversation{ID: conversationID, UserID: userID}
	err := l.db.WithContext(ctx).
		Where(Conversation{ID: conversationID}).
		FirstOrCreate(&conv).Error
	if err != nil {
		return storageErr("failed to ensure conversation", err)
	}
	return nil
}

// Owns reports whether userID owns conversationID. An unknown conversation
// is not owned by anyone.
func (l *Log) Owns(ctx context.Context, userID, conversationID string) (bool, error) {
	var conv Conversation
	err := l.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("failed to look up conversation", err)
	}
	return conv.UserID == userID, nil
}

// Append persists one transcript entry.
func (l *Log) Append(ctx context.Context, conversationID, sender, content string) error {
	record := MessageRecord{
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return storageErr("failed to append message", err)
	}

	l.logger.Debug("message appended",
		zap.String("conversation_id", conversationID),
		zap.String("sender", sender),
	)
	return nil
}

// Messages returns the transcript for conversationID in insertion order.
// limit <= 0 returns everything.
func (l *Log) Messages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error) {
	q := l.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var records []MessageRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, storageErr("failed to load messages", err)
	}
	return records, nil
}

// Conversations returns the conversations owned by userID, newest first.
func (l *Log) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	var convs []Conversation
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, storageErr("failed to list conversations", err)
	}
	return convs, nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storageErr(msg string, cause error) error {
	return types.NewError(types.ErrStorageUnavailable, msg).
		WithCause(cause).
		WithRetryable(true)
}
