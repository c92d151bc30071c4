package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Profile is the persisted chat profile row
type Profile struct {
	ID          string    `gorm:"type:varchar(26);primaryKey"`
	IdentityID  string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	DisplayName string    `gorm:"type:varchar(128);not null"`
	Type        string    `gorm:"type:varchar(16);not null;default:user"`
	CreatedAt   time.Time
}

func (Profile) TableName() string { return "profiles" }

// Member is one row of the conversation membership relation
type Member struct {
	ConversationID string `gorm:"type:varchar(26);primaryKey"`
	ProfileID      string `gorm:"type:varchar(26);primaryKey;index"`
	Role           string `gorm:"type:varchar(16);not null;default:member"`
	CreatedAt      time.Time
}

func (Member) TableName() string { return "conversation_members" }

// Open connects to the directory database. driver is mysql or sqlite.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported directory driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}
	return db, nil
}

// Store answers profile and membership lookups. It never writes.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the directory tables; used for sqlite deployments and tests
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Profile{}, &Member{})
}

// GetByIdentity returns the profile owned by identityID, or nil when there is none
func (s *Store) GetByIdentity(ctx context.Context, identityID string) (*domain.Profile, error) {
	var row Profile
	err := s.db.WithContext(ctx).
		Where("identity_id = ?", identityID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.NewUpstreamError("get profile", err)
	}

	return &domain.Profile{
		ID:          row.ID,
		IdentityID:  row.IdentityID,
		DisplayName: row.DisplayName,
		Type:        row.Type,
	}, nil
}

// IsMember reports whether profileID belongs to conversationID
func (s *Store) IsMember(ctx context.Context, profileID, conversationID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Member{}).
		Where("profile_id = ? AND conversation_id = ?", profileID, conversationID).
		Count(&count).Error
	if err != nil {
		return false, domain.NewUpstreamError("check membership", err)
	}
	return count > 0, nil
}

// HealthCheck pings the underlying connection
func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
