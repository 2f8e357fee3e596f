package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"postflow/pkg/domain"
)

// MemoryStore keeps everything in process. It mirrors the optimistic
// concurrency semantics of the Postgres store and backs the loop
// tests.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]domain.User
	channels map[string]domain.Channel
	posts    map[string]domain.Post
	series   map[string]domain.Series
	bindings map[string]domain.SheetBinding
	sheetRef map[domain.SheetRowRef]string // (binding, row) -> post ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		channels: make(map[string]domain.Channel),
		posts:    make(map[string]domain.Post),
		series:   make(map[string]domain.Series),
		bindings: make(map[string]domain.SheetBinding),
		sheetRef: make(map[domain.SheetRowRef]string),
	}
}

func (m *MemoryStore) UpsertUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
		u.CurrentChannelID = existing.CurrentChannelID
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) DeactivateUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = false
	m.users[id] = u
	return nil
}

func (m *MemoryStore) SetCurrentChannel(_ context.Context, userID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.CurrentChannelID = channelID
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) SaveChannel(_ context.Context, c domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.ID] = c
	return nil
}

func (m *MemoryStore) GetChannel(_ context.Context, id string) (domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	if !ok {
		return domain.Channel{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ListChannels(_ context.Context) ([]domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Channel, 0, len(m.channels))
	for _, c := range m.channels {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) DeactivateChannel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	if !ok {
		return ErrNotFound
	}
	c.Active = false
	m.channels[id] = c
	return nil
}

func (m *MemoryStore) CreatePost(_ context.Context, p domain.Post) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.SheetRowRef != nil {
		if _, dup := m.sheetRef[*p.SheetRowRef]; dup {
			return "", ErrConflict
		}
	}
	m.posts[p.ID] = p
	if p.SheetRowRef != nil {
		m.sheetRef[*p.SheetRowRef] = p.ID
	}
	return p.ID, nil
}

func (m *MemoryStore) GetPost(_ context.Context, id string) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return domain.Post{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) FindDuePosts(_ context.Context, now time.Time, limit int) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Post
	for _, p := range m.posts {
		if p.Status == domain.StatusApproved && !p.Published && p.PublishAt != nil && !p.PublishAt.After(now) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PublishAt.Before(*res[j].PublishAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) FindSheetPost(_ context.Context, bindingID, rowID string) (domain.Post, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sheetRef[domain.SheetRowRef{BindingID: bindingID, RowID: rowID}]
	if !ok {
		return domain.Post{}, false, nil
	}
	return m.posts[id], true, nil
}

func (m *MemoryStore) UpdatePost(_ context.Context, id string, patch PostPatch, expected domain.PostStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != expected {
		return ErrStale
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Published != nil {
		p.Published = *patch.Published
	}
	if patch.Body != nil {
		p.Body = *patch.Body
	}
	if patch.MediaRef != nil {
		p.MediaRef = *patch.MediaRef
	}
	if patch.PublishAt != nil {
		at := *patch.PublishAt
		p.PublishAt = &at
	}
	if patch.ErrorReason != nil {
		p.ErrorReason = *patch.ErrorReason
	}
	if patch.DispatchToken != nil {
		p.DispatchToken = *patch.DispatchToken
		if p.DispatchToken == "" {
			p.DispatchedAt = nil
		}
	}
	if patch.SentAt != nil {
		at := *patch.SentAt
		p.SentAt = &at
	}
	p.UpdatedAt = time.Now().UTC()
	m.posts[id] = p
	return nil
}

func (m *MemoryStore) ClaimDispatch(_ context.Context, id, token string, at, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrStale
	}
	if p.Status != domain.StatusApproved {
		return ErrStale
	}
	claimLive := p.DispatchToken != "" && p.DispatchedAt != nil && !p.DispatchedAt.Before(staleBefore)
	if claimLive {
		return ErrStale
	}
	claimedAt := at
	p.DispatchToken = token
	p.DispatchedAt = &claimedAt
	p.UpdatedAt = time.Now().UTC()
	m.posts[id] = p
	return nil
}

func (m *MemoryStore) ClearDispatchToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil
	}
	p.DispatchToken = ""
	p.DispatchedAt = nil
	p.UpdatedAt = time.Now().UTC()
	m.posts[id] = p
	return nil
}

func (m *MemoryStore) ListQueuedPosts(_ context.Context, channelID string) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Post
	for _, p := range m.posts {
		if p.ChannelID == channelID && !p.Published &&
			(p.Status == domain.StatusPending || p.Status == domain.StatusApproved) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].PublishAt == nil || res[j].PublishAt == nil {
			return res[i].ID < res[j].ID
		}
		return res[i].PublishAt.Before(*res[j].PublishAt)
	})
	return res, nil
}

func (m *MemoryStore) CreateSeries(_ context.Context, s domain.Series) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.ID] = s
	return s.ID, nil
}

func (m *MemoryStore) GetSeries(_ context.Context, id string) (domain.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return domain.Series{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) FindDueSeries(_ context.Context, now time.Time) ([]domain.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Series
	for _, s := range m.series {
		if s.Active && !s.NextRunAt.After(now) {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].NextRunAt.Before(res[j].NextRunAt) })
	return res, nil
}

func (m *MemoryStore) AdvanceSeries(_ context.Context, id string, nextRun time.Time, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return ErrNotFound
	}
	s.NextRunAt = nextRun
	s.Active = active
	m.series[id] = s
	return nil
}

func (m *MemoryStore) CreateBinding(_ context.Context, b domain.SheetBinding) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.ID] = b
	return b.ID, nil
}

func (m *MemoryStore) GetBinding(_ context.Context, id string) (domain.SheetBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return domain.SheetBinding{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) ListActiveBindings(_ context.Context) ([]domain.SheetBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.SheetBinding
	for _, b := range m.bindings {
		if b.Active {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) DeactivateBinding(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return ErrNotFound
	}
	b.Active = false
	m.bindings[id] = b
	return nil
}

func (m *MemoryStore) TouchBinding(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return ErrNotFound
	}
	at := now
	b.LastSyncAt = &at
	m.bindings[id] = b
	return nil
}
