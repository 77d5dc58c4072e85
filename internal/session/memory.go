package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

// usedHash records a retired refresh hash so a replayed token can be detected even after rotation.
type usedHash struct {
	retiredAt time.Time
}

// MemoryStore is an in-memory Store, generalized from the teacher's miniredis test double into a
// first-class backend rather than only a fixture — useful for single-process deployments and tests.
type MemoryStore struct {
	mu            sync.Mutex
	sessions      map[idkit.SessionID]Session
	byUser        map[idkit.UserID][]idkit.SessionID
	used          map[idkit.SessionID]map[[32]byte]usedHash
	lastSweepUnix atomic.Int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[idkit.SessionID]Session),
		byUser:   make(map[idkit.UserID][]idkit.SessionID),
		used:     make(map[idkit.SessionID]map[[32]byte]usedHash),
	}
}

func (m *MemoryStore) Create(_ context.Context, userID idkit.UserID) (Session, string, error) {
	secret, hash, err := newSecret()
	if err != nil {
		return Session{}, "", err
	}

	now := time.Now()
	s := Session{
		ID:          idkit.New(),
		UserID:      userID,
		RefreshHash: hash,
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(filconst.RefreshTokenTTL),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byUser[userID] = append(m.byUser[userID], s.ID)
	m.mu.Unlock()

	return s, formatToken(s.ID, secret), nil
}

func (m *MemoryStore) Rotate(_ context.Context, refreshToken string) (Session, string, error) {
	sessionID, presentedHash, err := parseToken(refreshToken)
	if err != nil {
		return Session{}, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, "", ErrNotFound
	}

	if retired, ok := m.used[sessionID]; ok {
		if _, wasUsed := retired[presentedHash]; wasUsed {
			s.RevokedAt = ptrTime(time.Now())
			m.sessions[sessionID] = s
			return Session{}, "", ErrReplayed
		}
	}

	if !hashEqual(s.RefreshHash, presentedHash) {
		return Session{}, "", ErrNotFound
	}

	now := time.Now()
	if err := s.isLive(now); err != nil {
		return Session{}, "", err
	}

	newSecretVal, newHash, err := newSecret()
	if err != nil {
		return Session{}, "", err
	}

	if m.used[sessionID] == nil {
		m.used[sessionID] = make(map[[32]byte]usedHash)
	}
	m.used[sessionID][s.RefreshHash] = usedHash{retiredAt: now}

	s.RefreshHash = newHash
	s.LastUsedAt = now
	s.ExpiresAt = now.Add(filconst.RefreshTokenTTL)
	m.sessions[sessionID] = s

	return s, formatToken(sessionID, newSecretVal), nil
}

func (m *MemoryStore) Revoke(_ context.Context, sessionID idkit.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt == nil {
		s.RevokedAt = ptrTime(time.Now())
		m.sessions[sessionID] = s
	}
	return nil
}

func (m *MemoryStore) RevokeAllForUser(_ context.Context, userID idkit.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range m.byUser[userID] {
		s := m.sessions[id]
		if s.RevokedAt == nil {
			s.RevokedAt = ptrTime(now)
			m.sessions[id] = s
		}
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID idkit.SessionID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID idkit.UserID) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byUser[userID]
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.sessions[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[j].ID.Less(out[i].ID)
	})
	return out, nil
}

// sweepMinInterval bounds how often a single MemoryStore actually performs the scan, so a caller invoking
// Sweep on every request doesn't turn it into an O(n) tax on every request.
const sweepMinInterval = 10 * time.Second

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) error {
	last := m.lastSweepUnix.Load()
	if now.Unix()-last < int64(sweepMinInterval.Seconds()) {
		return nil
	}
	if !m.lastSweepUnix.CompareAndSwap(last, now.Unix()) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.RevokedAt != nil && now.Sub(*s.RevokedAt) > filconst.UsedRefreshHashRetention {
			delete(m.sessions, id)
			delete(m.used, id)
			m.removeFromUserIndex(s.UserID, id)
			continue
		}
		if now.After(s.ExpiresAt) && now.Sub(s.ExpiresAt) > filconst.UsedRefreshHashRetention {
			delete(m.sessions, id)
			delete(m.used, id)
			m.removeFromUserIndex(s.UserID, id)
			continue
		}

		if retired, ok := m.used[id]; ok {
			for hash, u := range retired {
				if now.Sub(u.retiredAt) > filconst.UsedRefreshHashRetention {
					delete(retired, hash)
				}
			}
			if len(retired) == 0 {
				delete(m.used, id)
			}
		}
	}
	return nil
}

func (m *MemoryStore) removeFromUserIndex(userID idkit.UserID, sessionID idkit.SessionID) {
	ids := m.byUser[userID]
	for i, id := range ids {
		if id == sessionID {
			m.byUser[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
