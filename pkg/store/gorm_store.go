package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"schemesathi/pkg/domain"
)

const migrateLockID int64 = 52815281

// ErrConversationMissing is returned when a counter update targets a
// conversation row that no longer exists.
var ErrConversationMissing = errors.New("conversation row missing")

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrently starting services do not race each other.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ProfileModel{}, &ConversationModel{}, &MessageModel{}, &UsageStatModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'profile_models'
					AND constraint_name = 'profile_models_user_id_fkey'
				) THEN
					ALTER TABLE profile_models
					ADD CONSTRAINT profile_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Save(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveProfile stores or replaces a profile record.
func (s *GormStore) SaveProfile(p domain.Profile) error {
	model := profileToModel(p)
	return s.db.Save(&model).Error
}

// GetProfile returns the profile for a user.
func (s *GormStore) GetProfile(userID string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// UpdateProfile applies the set fields and returns the updated record.
func (s *GormStore) UpdateProfile(userID string, update domain.ProfileUpdate) (domain.Profile, error) {
	updates := profileUpdateColumns(update)
	updates["updated_at"] = time.Now().UTC()
	if err := s.db.Model(&ProfileModel{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
		return domain.Profile{}, err
	}
	var model ProfileModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		return domain.Profile{}, err
	}
	return profileFromModel(model), nil
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(conversation domain.Conversation) error {
	model := conversationToModel(conversation)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns the user's conversations, most recently
// active first, pinned ones ahead of the rest.
func (s *GormStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("is_pinned DESC").
		Order("last_active_at DESC NULLS LAST").
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// UpdateConversation applies the set fields and returns the updated record.
func (s *GormStore) UpdateConversation(id string, update domain.ConversationUpdate) (domain.Conversation, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if update.Title != nil {
		updates["title"] = strings.TrimSpace(*update.Title)
	}
	if update.Language != nil {
		updates["language"] = *update.Language
	}
	if update.Model != nil {
		updates["model"] = *update.Model
	}
	if update.IsArchived != nil {
		updates["is_archived"] = *update.IsArchived
	}
	if update.IsPinned != nil {
		updates["is_pinned"] = *update.IsPinned
	}
	if err := s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return domain.Conversation{}, err
	}
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		return domain.Conversation{}, err
	}
	return conversationFromModel(model), nil
}

// DeleteConversation removes a conversation and its messages in one
// transaction (the FK cascade covers messages, the explicit delete keeps
// the semantics visible and works before the constraint exists).
func (s *GormStore) DeleteConversation(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", id).Error
	})
}

// AppendMessage inserts a message and, in the same transaction, increments
// the owning conversation's message_count and touches last_active_at.
func (s *GormStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	model := messageToModel(msg)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		res := tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]any{
				"message_count":  gorm.Expr("message_count + 1"),
				"last_active_at": model.CreatedAt,
				"updated_at":     time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConversationMissing
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return messageFromModel(model), nil
}

// ListMessages returns messages oldest-first with an optional window.
func (s *GormStore) ListMessages(conversationID string, limit, offset int) ([]domain.Message, error) {
	query := s.db.Where("conversation_id = ?", conversationID).Order("created_at ASC")
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *GormStore) CountMessages(conversationID string) (int64, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// IncrementUsage bumps a per-day event counter, creating the row on first use.
func (s *GormStore) IncrementUsage(day, event string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	return s.db.Exec(`
		INSERT INTO usage_stat_models (day, event, count)
		VALUES (?, ?, ?)
		ON CONFLICT (day, event) DO UPDATE SET count = usage_stat_models.count + EXCLUDED.count
	`, day, event, delta).Error
}

// ListUsage returns aggregates for days >= sinceDay, newest first.
func (s *GormStore) ListUsage(sinceDay string) ([]domain.UsageStat, error) {
	query := s.db.Model(&UsageStatModel{}).Order("day DESC").Order("event ASC")
	if strings.TrimSpace(sinceDay) != "" {
		query = query.Where("day >= ?", sinceDay)
	}
	var models []UsageStatModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	stats := make([]domain.UsageStat, 0, len(models))
	for _, m := range models {
		stats = append(stats, domain.UsageStat{Day: m.Day, Event: m.Event, Count: m.Count})
	}
	return stats, nil
}
