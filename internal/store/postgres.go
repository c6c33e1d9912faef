package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ThommysArt/better-chat/internal/model"
)

// Postgres is the durable Store backed by gorm.
type Postgres struct {
	db *gorm.DB
}

type conversationRow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"index;not null"`
	Title     string
	ModelID   string
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (conversationRow) TableName() string { return "conversations" }

type turnRow struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID         string    `gorm:"index"`
	Role           string    `gorm:"not null"`
	Content        string
	Status         string `gorm:"index;not null"`
	ModelID        *string
	Metadata       datatypes.JSON
	Attachments    datatypes.JSON
	Seq            int64 `gorm:"autoIncrement;uniqueIndex"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (turnRow) TableName() string { return "turns" }

// NewPostgres opens a connection and migrates the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&conversationRow{}, &turnRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Ping verifies database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateConversation stores a new conversation.
func (s *Postgres) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	row := conversationRow{
		ID:        conv.ID,
		UserID:    conv.UserID,
		Title:     conv.Title,
		ModelID:   conv.ModelID,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Postgres) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var row conversationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	conv := rowToConversation(row)
	return &conv, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *Postgres) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []conversationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	convs := make([]model.Conversation, len(rows))
	for i, row := range rows {
		convs[i] = rowToConversation(row)
	}
	return convs, int(total), nil
}

// UpdateConversationTitle sets a conversation's title.
func (s *Postgres) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and cascades to its turns.
func (s *Postgres) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&conversationRow{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return tx.Delete(&turnRow{}, "conversation_id = ?", id).Error
	})
}

// CreateTurn persists a turn; the database assigns its Seq.
func (s *Postgres) CreateTurn(ctx context.Context, turn *model.Turn) error {
	row, err := turnToRow(turn)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return touchConversation(tx, turn.ConversationID)
	})
	if err != nil {
		return fmt.Errorf("failed to create turn: %w", err)
	}
	turn.Seq = row.Seq
	return nil
}

// GetTurn retrieves a turn by ID.
func (s *Postgres) GetTurn(ctx context.Context, id uuid.UUID) (*model.Turn, error) {
	var row turnRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return rowToTurn(row)
}

// ListTurns returns a conversation's turns in Seq order.
func (s *Postgres) ListTurns(ctx context.Context, conversationID uuid.UUID) ([]model.Turn, error) {
	var rows []turnRow
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	turns := make([]model.Turn, 0, len(rows))
	for _, row := range rows {
		turn, err := rowToTurn(row)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *turn)
	}
	return turns, nil
}

// UpdateTurn overwrites a turn's content and optionally status and metadata.
func (s *Postgres) UpdateTurn(ctx context.Context, id uuid.UUID, content string, status *model.TurnStatus, meta *model.TurnMetadata) error {
	updates := map[string]any{
		"content":    content,
		"updated_at": time.Now(),
	}
	if status != nil {
		updates["status"] = string(*status)
	}
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		updates["metadata"] = datatypes.JSON(data)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row turnRow
		if err := tx.Select("conversation_id").First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrNotFound
			}
			return err
		}
		if err := tx.Model(&turnRow{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return touchConversation(tx, row.ConversationID)
	})
}

// DeleteTurnsAfter removes every turn after the given one in its conversation.
func (s *Postgres) DeleteTurnsAfter(ctx context.Context, conversationID, turnID uuid.UUID) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target turnRow
		if err := tx.Select("seq").
			First(&target, "id = ? AND conversation_id = ?", turnID, conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrNotFound
			}
			return err
		}

		res := tx.Where("conversation_id = ? AND seq > ?", conversationID, target.Seq).
			Delete(&turnRow{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return touchConversation(tx, conversationID)
	})
	return deleted, err
}

// DeleteTurn removes a single turn.
func (s *Postgres) DeleteTurn(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row turnRow
		if err := tx.Select("conversation_id").First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&turnRow{}, "id = ?", id).Error; err != nil {
			return err
		}
		return touchConversation(tx, row.ConversationID)
	})
}

// ListStaleTurns returns non-terminal turns not updated since the cutoff.
func (s *Postgres) ListStaleTurns(ctx context.Context, olderThan time.Time) ([]model.Turn, error) {
	var rows []turnRow
	if err := s.db.WithContext(ctx).
		Where("status NOT IN ? AND updated_at < ?",
			[]string{string(model.StatusSent), string(model.StatusFailed)}, olderThan).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	turns := make([]model.Turn, 0, len(rows))
	for _, row := range rows {
		turn, err := rowToTurn(row)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *turn)
	}
	return turns, nil
}

func touchConversation(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&conversationRow{}).Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

func rowToConversation(row conversationRow) model.Conversation {
	return model.Conversation{
		ID:        row.ID,
		UserID:    row.UserID,
		Title:     row.Title,
		ModelID:   row.ModelID,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func turnToRow(turn *model.Turn) (turnRow, error) {
	row := turnRow{
		ID:             turn.ID,
		ConversationID: turn.ConversationID,
		UserID:         turn.UserID,
		Role:           string(turn.Role),
		Content:        turn.Content,
		Status:         string(turn.Status),
		ModelID:        turn.ModelID,
		Seq:            turn.Seq,
		CreatedAt:      turn.CreatedAt,
		UpdatedAt:      turn.UpdatedAt,
	}
	if turn.Metadata != nil {
		data, err := json.Marshal(turn.Metadata)
		if err != nil {
			return row, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.Metadata = datatypes.JSON(data)
	}
	if len(turn.Attachments) > 0 {
		data, err := json.Marshal(turn.Attachments)
		if err != nil {
			return row, fmt.Errorf("failed to marshal attachments: %w", err)
		}
		row.Attachments = datatypes.JSON(data)
	}
	return row, nil
}

func rowToTurn(row turnRow) (*model.Turn, error) {
	turn := &model.Turn{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		UserID:         row.UserID,
		Role:           model.Role(row.Role),
		Content:        row.Content,
		Status:         model.TurnStatus(row.Status),
		ModelID:        row.ModelID,
		Seq:            row.Seq,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if len(row.Metadata) > 0 {
		var meta model.TurnMetadata
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		turn.Metadata = &meta
	}
	if len(row.Attachments) > 0 {
		if err := json.Unmarshal(row.Attachments, &turn.Attachments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
	}
	return turn, nil
}
