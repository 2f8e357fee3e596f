package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"postflow/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &ChannelModel{}, &PostModel{}, &SeriesModel{}, &SheetBindingModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// pgx surfaces SQLSTATE 23505 in the error text
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}

// UpsertUser registers or updates a user record.
func (s *GormStore) UpsertUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "full_name", "role", "active", "last_active_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

func (s *GormStore) DeactivateUser(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SetCurrentChannel(ctx context.Context, userID, channelID string) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Update("current_channel_id", channelID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveChannel stores or updates a channel.
func (s *GormStore) SaveChannel(ctx context.Context, c domain.Channel) error {
	model, err := channelToModel(c)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "owner_id", "active", "settings"}),
	}).Create(&model).Error
}

func (s *GormStore) GetChannel(ctx context.Context, id string) (domain.Channel, error) {
	var model ChannelModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Channel{}, ErrNotFound
		}
		return domain.Channel{}, err
	}
	return channelFromModel(model), nil
}

func (s *GormStore) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	var models []ChannelModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Channel, 0, len(models))
	for _, m := range models {
		res = append(res, channelFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeactivateChannel(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&ChannelModel{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePost inserts a post. A duplicate sheet row reference returns
// ErrConflict.
func (s *GormStore) CreatePost(ctx context.Context, p domain.Post) (string, error) {
	model := postToModel(p)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return "", ErrConflict
		}
		return "", err
	}
	return model.ID, nil
}

func (s *GormStore) GetPost(ctx context.Context, id string) (domain.Post, error) {
	var model PostModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, ErrNotFound
		}
		return domain.Post{}, err
	}
	return postFromModel(model), nil
}

// FindDuePosts returns approved, unpublished posts with publish_at <=
// now, oldest first, bounded by limit.
func (s *GormStore) FindDuePosts(ctx context.Context, now time.Time, limit int) ([]domain.Post, error) {
	var models []PostModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND published = ? AND publish_at IS NOT NULL AND publish_at <= ?", string(domain.StatusApproved), false, now).
		Order("publish_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Post, 0, len(models))
	for _, m := range models {
		res = append(res, postFromModel(m))
	}
	return res, nil
}

func (s *GormStore) FindSheetPost(ctx context.Context, bindingID, rowID string) (domain.Post, bool, error) {
	var model PostModel
	err := s.db.WithContext(ctx).First(&model, "binding_id = ? AND sheet_row_id = ?", bindingID, rowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	return postFromModel(model), true, nil
}

// UpdatePost applies patch iff the current status equals expected.
// Returns ErrStale on status mismatch, ErrNotFound for unknown ids.
func (s *GormStore) UpdatePost(ctx context.Context, id string, patch PostPatch, expected domain.PostStatus) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.Published != nil {
		updates["published"] = *patch.Published
	}
	if patch.Body != nil {
		updates["body"] = *patch.Body
	}
	if patch.MediaRef != nil {
		updates["media_ref"] = *patch.MediaRef
	}
	if patch.PublishAt != nil {
		updates["publish_at"] = *patch.PublishAt
	}
	if patch.ErrorReason != nil {
		updates["error_reason"] = *patch.ErrorReason
	}
	if patch.DispatchToken != nil {
		updates["dispatch_token"] = *patch.DispatchToken
		if *patch.DispatchToken == "" {
			updates["dispatched_at"] = nil
		}
	}
	if patch.SentAt != nil {
		updates["sent_at"] = *patch.SentAt
	}
	res := s.db.WithContext(ctx).Model(&PostModel{}).
		Where("id = ? AND status = ?", id, string(expected)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&PostModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

// ClaimDispatch sets the dispatch token on an approved post that is
// unclaimed or whose claim predates staleBefore. ErrStale means a live
// claim exists or the post left the approved state.
func (s *GormStore) ClaimDispatch(ctx context.Context, id, token string, at, staleBefore time.Time) error {
	res := s.db.WithContext(ctx).Model(&PostModel{}).
		Where("id = ? AND status = ? AND (dispatch_token = '' OR dispatch_token IS NULL OR dispatched_at IS NULL OR dispatched_at < ?)",
			id, string(domain.StatusApproved), staleBefore).
		Updates(map[string]any{"dispatch_token": token, "dispatched_at": at, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

func (s *GormStore) ClearDispatchToken(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&PostModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"dispatch_token": "", "dispatched_at": nil, "updated_at": time.Now().UTC()}).Error
}

// ListQueuedPosts returns the channel's pending and approved
// unpublished posts in publish order.
func (s *GormStore) ListQueuedPosts(ctx context.Context, channelID string) ([]domain.Post, error) {
	var models []PostModel
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND status IN ? AND published = ?",
			channelID, []string{string(domain.StatusPending), string(domain.StatusApproved)}, false).
		Order("publish_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Post, 0, len(models))
	for _, m := range models {
		res = append(res, postFromModel(m))
	}
	return res, nil
}

func (s *GormStore) CreateSeries(ctx context.Context, sr domain.Series) (string, error) {
	model := seriesToModel(sr)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", err
	}
	return model.ID, nil
}

func (s *GormStore) GetSeries(ctx context.Context, id string) (domain.Series, error) {
	var model SeriesModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Series{}, ErrNotFound
		}
		return domain.Series{}, err
	}
	return seriesFromModel(model), nil
}

func (s *GormStore) FindDueSeries(ctx context.Context, now time.Time) ([]domain.Series, error) {
	var models []SeriesModel
	err := s.db.WithContext(ctx).
		Where("active = ? AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Series, 0, len(models))
	for _, m := range models {
		res = append(res, seriesFromModel(m))
	}
	return res, nil
}

func (s *GormStore) AdvanceSeries(ctx context.Context, id string, nextRun time.Time, active bool) error {
	res := s.db.WithContext(ctx).Model(&SeriesModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"next_run_at": nextRun, "active": active})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateBinding(ctx context.Context, b domain.SheetBinding) (string, error) {
	model := bindingToModel(b)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", err
	}
	return model.ID, nil
}

func (s *GormStore) GetBinding(ctx context.Context, id string) (domain.SheetBinding, error) {
	var model SheetBindingModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SheetBinding{}, ErrNotFound
		}
		return domain.SheetBinding{}, err
	}
	return bindingFromModel(model), nil
}

func (s *GormStore) ListActiveBindings(ctx context.Context) ([]domain.SheetBinding, error) {
	var models []SheetBindingModel
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.SheetBinding, 0, len(models))
	for _, m := range models {
		res = append(res, bindingFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeactivateBinding(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&SheetBindingModel{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) TouchBinding(ctx context.Context, id string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&SheetBindingModel{}).
		Where("id = ?", id).
		Update("last_sync_at", now).Error
}
