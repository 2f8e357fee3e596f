package domain

import "time"

type PostStatus string

const (
	StatusDraft    PostStatus = "draft"
	StatusPending  PostStatus = "pending"
	StatusApproved PostStatus = "approved"
	StatusSent     PostStatus = "sent"
	StatusRejected PostStatus = "rejected"
	StatusError    PostStatus = "error"
)

// Terminal reports whether no further transitions are allowed from s.
// An errored post can still be requeued by an operator.
func (s PostStatus) Terminal() bool {
	return s == StatusSent || s == StatusRejected
}

type PostOrigin string

const (
	OriginManual    PostOrigin = "manual"
	OriginGenerated PostOrigin = "generated"
	OriginSheet     PostOrigin = "sheet"
)

type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleOwner UserRole = "owner"
)

type Cadence string

const (
	CadenceOnce   Cadence = "once"
	CadenceDaily  Cadence = "daily"
	CadenceHourly Cadence = "hourly"
)

type User struct {
	ID               string     `json:"id"`
	Username         string     `json:"username,omitempty"`
	FullName         string     `json:"fullName,omitempty"`
	Role             UserRole   `json:"role"`
	Active           bool       `json:"active"`
	CurrentChannelID string     `json:"currentChannelId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastActiveAt     *time.Time `json:"lastActiveAt,omitempty"`
}

// ChannelSettings carries per-channel publication preferences. The
// timezone applies only at the spreadsheet edge; publish instants are
// stored in UTC everywhere else.
type ChannelSettings struct {
	Timezone  string   `json:"timezone,omitempty"`
	Signature string   `json:"signature,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
}

type Channel struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	OwnerID   string          `json:"ownerId"`
	Active    bool            `json:"active"`
	Settings  ChannelSettings `json:"settings"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SheetRowRef identifies the spreadsheet row a post was ingested from.
// It is the idempotence key for ingestion: unique per (binding, row).
type SheetRowRef struct {
	BindingID string `json:"bindingId"`
	RowID     string `json:"rowId"`
}

type Post struct {
	ID            string       `json:"id"`
	ChannelID     string       `json:"channelId"`
	Body          string       `json:"body"`
	MediaRef      string       `json:"mediaRef,omitempty"`
	PublishAt     *time.Time   `json:"publishAt,omitempty"`
	CreatedBy     string       `json:"createdBy"`
	Status        PostStatus   `json:"status"`
	Published     bool         `json:"published"`
	Origin        PostOrigin   `json:"origin"`
	SheetRowRef   *SheetRowRef `json:"sheetRowRef,omitempty"`
	SeriesID      string       `json:"seriesId,omitempty"`
	DispatchToken string       `json:"-"`
	DispatchedAt  *time.Time   `json:"-"`
	ErrorReason   string       `json:"errorReason,omitempty"`
	SentAt        *time.Time   `json:"sentAt,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type Series struct {
	ID                string    `json:"id"`
	ChannelID         string    `json:"channelId"`
	Prompt            string    `json:"prompt"`
	Cadence           Cadence   `json:"cadence"`
	NextRunAt         time.Time `json:"nextRunAt"`
	PerRunLimit       int       `json:"perRunLimit"`
	RequireModeration bool      `json:"requireModeration"`
	Active            bool      `json:"active"`
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
}

type SheetBinding struct {
	ID                string     `json:"id"`
	ChannelID         string     `json:"channelId"`
	SpreadsheetID     string     `json:"spreadsheetId"`
	Worksheet         string     `json:"worksheet"`
	SyncInterval      int        `json:"syncIntervalMinutes"`
	RequireModeration bool       `json:"requireModeration"`
	LastSyncAt        *time.Time `json:"lastSyncAt,omitempty"`
	Active            bool       `json:"active"`
	CreatedBy         string     `json:"createdBy"`
	CreatedAt         time.Time  `json:"createdAt"`
}
