package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mikequentel/wird/internal/model"
)

// Memory keeps everything in process memory. State is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	verses   []model.Verse
	accounts map[int64]model.Account
	posts    []model.PostRecord
	nextAcct int64
	nextPost int64
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[int64]model.Account),
		nextAcct: 1,
		nextPost: 1,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) VerseCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.verses), nil
}

func (m *Memory) VerseByIndex(_ context.Context, i int) (model.Verse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.verses) == 0 {
		return model.Verse{}, ErrNoVerses
	}
	return m.verses[wrapIndex(i, len(m.verses))], nil
}

func (m *Memory) AddVerses(_ context.Context, vs []model.Verse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		v.Index = len(m.verses)
		m.verses = append(m.verses, v)
	}
	return nil
}

func (m *Memory) Account(_ context.Context, id int64) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) AccountByUsername(_ context.Context, username string) (model.Account, error) {
	return m.find(func(a model.Account) bool { return a.Username == username })
}

func (m *Memory) AccountByExternalID(_ context.Context, provider, instance, externalID string) (model.Account, error) {
	return m.find(func(a model.Account) bool {
		return a.Link.Provider == provider && a.Link.Instance == instance && a.Link.ExternalID == externalID
	})
}

// find returns the lowest-id match.
func (m *Memory) find(match func(model.Account) bool) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  model.Account
		found bool
	)
	for _, a := range m.accounts {
		if match(a) && (!found || a.ID < best.ID) {
			best, found = a, true
		}
	}
	if !found {
		return model.Account{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) CreateAccount(_ context.Context, a model.Account) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Username == a.Username {
			return model.Account{}, ErrConflict
		}
	}
	a.ID = m.nextAcct
	m.nextAcct++
	if a.StartDate != nil {
		t := *a.StartDate
		a.StartDate = &t
	}
	m.accounts[a.ID] = a
	return a, nil
}

func (m *Memory) UpdateAccount(_ context.Context, id int64, u model.AccountUpdate) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	applyUpdate(&a, u)
	m.accounts[id] = a
	return a, nil
}

func (m *Memory) LinkedAccounts(context.Context) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Account
	for _, a := range m.accounts {
		if a.Link.Complete() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendPost(_ context.Context, p model.PostRecord) (model.PostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextPost
	m.nextPost++
	m.posts = append(m.posts, p)
	return p, nil
}

func (m *Memory) RecentPosts(_ context.Context, accountID int64, limit int) ([]model.PostRecord, error) {
	m.mu.RLock()
	var out []model.PostRecord
	for _, p := range m.posts {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.After(out[j].PostedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
