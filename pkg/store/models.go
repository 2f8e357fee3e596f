package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"postflow/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID               string `gorm:"primaryKey"`
	Username         string
	FullName         string
	Role             string `gorm:"not null"`
	Active           bool   `gorm:"not null"`
	CurrentChannelID string
	CreatedAt        time.Time `gorm:"not null"`
	LastActiveAt     *time.Time
}

type ChannelModel struct {
	ID        string `gorm:"primaryKey"`
	Title     string `gorm:"not null"`
	OwnerID   string `gorm:"not null;index"`
	Active    bool   `gorm:"not null"`
	Settings  datatypes.JSON
	CreatedAt time.Time `gorm:"not null"`
}

type PostModel struct {
	ID        string `gorm:"primaryKey"`
	ChannelID string `gorm:"not null;index"`
	Body      string `gorm:"not null"`
	MediaRef  string
	PublishAt *time.Time `gorm:"index:idx_posts_due,priority:2"`
	CreatedBy string     `gorm:"not null"`
	Status    string     `gorm:"not null;index:idx_posts_due,priority:1"`
	Published bool       `gorm:"not null"`
	Origin    string     `gorm:"not null"`
	// sheet-origin idempotence key, unique per (binding, row);
	// NULL for non-sheet posts so the unique index does not collide
	BindingID     *string `gorm:"index:idx_posts_sheet_ref,unique,priority:1"`
	SheetRowID    *string `gorm:"index:idx_posts_sheet_ref,unique,priority:2"`
	SeriesID      string
	DispatchToken string
	DispatchedAt  *time.Time
	ErrorReason   string
	SentAt        *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type SeriesModel struct {
	ID                string `gorm:"primaryKey"`
	ChannelID         string `gorm:"not null;index"`
	Prompt            string `gorm:"not null"`
	Cadence           string `gorm:"not null"`
	NextRunAt         time.Time
	PerRunLimit       int  `gorm:"not null"`
	RequireModeration bool `gorm:"not null"`
	Active            bool `gorm:"not null"`
	CreatedBy         string
	CreatedAt         time.Time `gorm:"not null"`
}

type SheetBindingModel struct {
	ID                string `gorm:"primaryKey"`
	ChannelID         string `gorm:"not null;index:idx_bindings_channel_active,priority:1"`
	SpreadsheetID     string `gorm:"not null"`
	Worksheet         string `gorm:"not null"`
	SyncInterval      int    `gorm:"not null"`
	RequireModeration bool   `gorm:"not null"`
	LastSyncAt        *time.Time
	Active            bool `gorm:"not null;index:idx_bindings_channel_active,priority:2"`
	CreatedBy         string
	CreatedAt         time.Time `gorm:"not null"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:               u.ID,
		Username:         u.Username,
		FullName:         u.FullName,
		Role:             string(u.Role),
		Active:           u.Active,
		CurrentChannelID: u.CurrentChannelID,
		CreatedAt:        u.CreatedAt,
		LastActiveAt:     u.LastActiveAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:               m.ID,
		Username:         m.Username,
		FullName:         m.FullName,
		Role:             domain.UserRole(m.Role),
		Active:           m.Active,
		CurrentChannelID: m.CurrentChannelID,
		CreatedAt:        m.CreatedAt,
		LastActiveAt:     m.LastActiveAt,
	}
}

func channelToModel(c domain.Channel) (ChannelModel, error) {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return ChannelModel{}, err
	}
	return ChannelModel{
		ID:        c.ID,
		Title:     c.Title,
		OwnerID:   c.OwnerID,
		Active:    c.Active,
		Settings:  datatypes.JSON(settings),
		CreatedAt: c.CreatedAt,
	}, nil
}

func channelFromModel(m ChannelModel) domain.Channel {
	c := domain.Channel{
		ID:        m.ID,
		Title:     m.Title,
		OwnerID:   m.OwnerID,
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Settings) > 0 {
		_ = json.Unmarshal(m.Settings, &c.Settings)
	}
	return c
}

func postToModel(p domain.Post) PostModel {
	m := PostModel{
		ID:            p.ID,
		ChannelID:     p.ChannelID,
		Body:          p.Body,
		MediaRef:      p.MediaRef,
		PublishAt:     p.PublishAt,
		CreatedBy:     p.CreatedBy,
		Status:        string(p.Status),
		Published:     p.Published,
		Origin:        string(p.Origin),
		SeriesID:      p.SeriesID,
		DispatchToken: p.DispatchToken,
		DispatchedAt:  p.DispatchedAt,
		ErrorReason:   p.ErrorReason,
		SentAt:        p.SentAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.SheetRowRef != nil {
		bindingID, rowID := p.SheetRowRef.BindingID, p.SheetRowRef.RowID
		m.BindingID = &bindingID
		m.SheetRowID = &rowID
	}
	return m
}

func postFromModel(m PostModel) domain.Post {
	p := domain.Post{
		ID:            m.ID,
		ChannelID:     m.ChannelID,
		Body:          m.Body,
		MediaRef:      m.MediaRef,
		PublishAt:     m.PublishAt,
		CreatedBy:     m.CreatedBy,
		Status:        domain.PostStatus(m.Status),
		Published:     m.Published,
		Origin:        domain.PostOrigin(m.Origin),
		SeriesID:      m.SeriesID,
		DispatchToken: m.DispatchToken,
		DispatchedAt:  m.DispatchedAt,
		ErrorReason:   m.ErrorReason,
		SentAt:        m.SentAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.BindingID != nil && m.SheetRowID != nil {
		p.SheetRowRef = &domain.SheetRowRef{BindingID: *m.BindingID, RowID: *m.SheetRowID}
	}
	return p
}

func seriesToModel(s domain.Series) SeriesModel {
	return SeriesModel{
		ID:                s.ID,
		ChannelID:         s.ChannelID,
		Prompt:            s.Prompt,
		Cadence:           string(s.Cadence),
		NextRunAt:         s.NextRunAt,
		PerRunLimit:       s.PerRunLimit,
		RequireModeration: s.RequireModeration,
		Active:            s.Active,
		CreatedBy:         s.CreatedBy,
		CreatedAt:         s.CreatedAt,
	}
}

func seriesFromModel(m SeriesModel) domain.Series {
	return domain.Series{
		ID:                m.ID,
		ChannelID:         m.ChannelID,
		Prompt:            m.Prompt,
		Cadence:           domain.Cadence(m.Cadence),
		NextRunAt:         m.NextRunAt,
		PerRunLimit:       m.PerRunLimit,
		RequireModeration: m.RequireModeration,
		Active:            m.Active,
		CreatedBy:         m.CreatedBy,
		CreatedAt:         m.CreatedAt,
	}
}

func bindingToModel(b domain.SheetBinding) SheetBindingModel {
	return SheetBindingModel{
		ID:                b.ID,
		ChannelID:         b.ChannelID,
		SpreadsheetID:     b.SpreadsheetID,
		Worksheet:         b.Worksheet,
		SyncInterval:      b.SyncInterval,
		RequireModeration: b.RequireModeration,
		LastSyncAt:        b.LastSyncAt,
		Active:            b.Active,
		CreatedBy:         b.CreatedBy,
		CreatedAt:         b.CreatedAt,
	}
}

func bindingFromModel(m SheetBindingModel) domain.SheetBinding {
	return domain.SheetBinding{
		ID:                m.ID,
		ChannelID:         m.ChannelID,
		SpreadsheetID:     m.SpreadsheetID,
		Worksheet:         m.Worksheet,
		SyncInterval:      m.SyncInterval,
		RequireModeration: m.RequireModeration,
		LastSyncAt:        m.LastSyncAt,
		Active:            m.Active,
		CreatedBy:         m.CreatedBy,
		CreatedAt:         m.CreatedAt,
	}
}
