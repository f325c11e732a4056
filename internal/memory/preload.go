package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"familyhub/internal/models"
	"familyhub/internal/store"
)

// inflight tracks users being preloaded so concurrent sweeps never load
// the same user twice
type inflight struct {
	mu    sync.Mutex
	users map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{users: make(map[string]struct{})}
}

func (f *inflight) begin(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.users[userID]; busy {
		return false
	}
	f.users[userID] = struct{}{}
	return true
}

func (f *inflight) end(userID string) {
	f.mu.Lock()
	delete(f.users, userID)
	f.mu.Unlock()
}

// IsPreloaded reports whether userID sits in the in-process tier
func (l *Layer) IsPreloaded(userID string) bool {
	_, ok := l.preloaded.Get(KindUser + ":" + userID)
	return ok
}

// PreloadActiveUsers scans durable session snapshots, collects their
// distinct users and loads contexts for those not yet preloaded.
// It returns the number of users loaded.
func (l *Layer) PreloadActiveUsers(ctx context.Context) (int, error) {
	keys, err := l.kv.Keys(ctx, models.SessionKeyPattern)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool)
	var userIDs []string
	for _, key := range keys {
		raw, err := l.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var snap models.SessionSnapshot
		if json.Unmarshal([]byte(raw), &snap) != nil || snap.UserID == "" || seen[snap.UserID] {
			continue
		}
		seen[snap.UserID] = true
		userIDs = append(userIDs, snap.UserID)
	}

	loaded := 0
	for _, userID := range userIDs {
		if l.IsPreloaded(userID) || !l.inflight.begin(userID) {
			continue
		}
		if l.preloadUser(ctx, userID) {
			loaded++
		}
		l.inflight.end(userID)
	}

	if loaded > 0 {
		log.WithField("users", loaded).Info("📦 [MEMORY] Preloaded active user contexts")
	}
	return loaded, nil
}

func (l *Layer) preloadUser(ctx context.Context, userID string) bool {
	user, err := l.LoadUserContext(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).WithField("user_id", userID).Warn("⚠️  [MEMORY] Preload failed")
		}
		return false
	}
	l.preloaded.SetDefault(KindUser+":"+userID, *user)

	if user.FamilyID != "" {
		if family, err := l.LoadFamilyContext(ctx, user.FamilyID, userID); err == nil {
			l.preloaded.SetDefault(KindFamily+":"+user.FamilyID+":"+userID, *family)
		}
	}
	return true
}
