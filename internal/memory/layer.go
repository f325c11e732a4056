// Package memory holds user and family context, conversation turns and
// knowledge lookups behind a privacy gate and a two-tier cache.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"familyhub/internal/failure"
	"familyhub/internal/logging"
	"familyhub/internal/models"
	"familyhub/internal/store"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/bson"
)

var log = logging.Component("memory")

const (
	// ConversationKeyPattern matches every cached conversation list
	ConversationKeyPattern = "conversation:*"

	defaultHistoryCacheSize = 50
	defaultHistoryTTL       = time.Hour
)

// ConversationKey is the KV key of a session's cached turn list
func ConversationKey(sessionID string) string {
	return "conversation:" + sessionID
}

// Options configure a Layer
type Options struct {
	KV               store.KeyValueStore
	Docs             store.DocumentStore
	Gate             *PrivacyGate
	ContextTTL       time.Duration
	HistoryCacheSize int
	HistoryTTL       time.Duration
}

// Layer is the memory layer
type Layer struct {
	kv       store.KeyValueStore
	docs     store.DocumentStore
	contexts *ContextCache
	gate     *PrivacyGate

	// in-process tier in front of the context cache, filled by the preloader
	preloaded *cache.Cache
	inflight  *inflight

	historySize int
	historyTTL  time.Duration
}

// New creates a memory layer
func New(opts Options) *Layer {
	if opts.ContextTTL <= 0 {
		opts.ContextTTL = time.Hour
	}
	if opts.HistoryCacheSize <= 0 {
		opts.HistoryCacheSize = defaultHistoryCacheSize
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = defaultHistoryTTL
	}
	if opts.Gate == nil {
		opts.Gate = NewPrivacyGate(models.PrivacyShared, 0, opts.HistoryTTL, nil)
	}
	return &Layer{
		kv:          opts.KV,
		docs:        opts.Docs,
		contexts:    NewContextCache(opts.KV, opts.ContextTTL),
		gate:        opts.Gate,
		preloaded:   cache.New(opts.ContextTTL, 10*time.Minute),
		inflight:    newInflight(),
		historySize: opts.HistoryCacheSize,
		historyTTL:  opts.HistoryTTL,
	}
}

// Contexts returns the context cache
func (l *Layer) Contexts() *ContextCache {
	return l.contexts
}

// Gate returns the privacy gate
func (l *Layer) Gate() *PrivacyGate {
	return l.gate
}

func memoryErr(op, msg string, cause error) error {
	return failure.New(failure.CategoryMemoryOperation, failure.SeverityMedium, op, msg, cause)
}

// LoadUserContext looks up a user through the preload cache, the context
// cache and the document store. A store hit backfills the context cache.
func (l *Layer) LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error) {
	if v, ok := l.preloaded.Get(KindUser + ":" + userID); ok {
		u := v.(models.UserContext)
		return &u, nil
	}

	var user models.UserContext
	hit, err := l.contexts.Get(ctx, KindUser, userID, "", &user)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("⚠️  [MEMORY] Context cache read failed, falling through to store")
	}
	if hit {
		return &user, nil
	}

	err = l.docs.FindOne(ctx, store.CollectionUsers, bson.M{"userId": userID}, &user)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, memoryErr("load_user_context", "failed to load user "+userID, err)
	}

	if err := l.contexts.Set(ctx, KindUser, userID, "", &user); err != nil {
		log.WithError(err).Warn("⚠️  [MEMORY] Context cache backfill failed")
	}
	return &user, nil
}

// LoadFamilyContext loads a family for userID and resolves the user's role
func (l *Layer) LoadFamilyContext(ctx context.Context, familyID, userID string) (*models.FamilyContext, error) {
	preloadKey := KindFamily + ":" + familyID + ":" + userID
	if v, ok := l.preloaded.Get(preloadKey); ok {
		f := v.(models.FamilyContext)
		return &f, nil
	}

	var family models.FamilyContext
	hit, err := l.contexts.Get(ctx, KindFamily, familyID, userID, &family)
	if err != nil {
		log.WithError(err).WithField("family_id", familyID).Warn("⚠️  [MEMORY] Context cache read failed, falling through to store")
	}
	if hit {
		return &family, nil
	}

	err = l.docs.FindOne(ctx, store.CollectionFamilies, bson.M{"_id": familyID}, &family)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, memoryErr("load_family_context", "failed to load family "+familyID, err)
	}
	family.Role = family.ResolveRole(userID)

	if err := l.contexts.Set(ctx, KindFamily, familyID, userID, &family); err != nil {
		log.WithError(err).Warn("⚠️  [MEMORY] Context cache backfill failed")
	}
	return &family, nil
}

// SaveUserContext upserts a user record and refreshes its cached copies
func (l *Layer) SaveUserContext(ctx context.Context, user *models.UserContext) error {
	user.UpdatedAt = time.Now()
	if err := l.docs.UpdateOne(ctx, store.CollectionUsers, bson.M{"userId": user.UserID}, bson.M{"$set": user}, true); err != nil {
		return memoryErr("save_user_context", "failed to save user "+user.UserID, err)
	}
	l.preloaded.Delete(KindUser + ":" + user.UserID)
	if err := l.contexts.Set(ctx, KindUser, user.UserID, "", user); err != nil {
		log.WithError(err).Warn("⚠️  [MEMORY] Context cache refresh failed")
	}
	return nil
}

// SaveFamilyContext upserts a family record and drops every cached per-member view
func (l *Layer) SaveFamilyContext(ctx context.Context, family *models.FamilyContext) error {
	family.UpdatedAt = time.Now()
	if err := l.docs.UpdateOne(ctx, store.CollectionFamilies, bson.M{"_id": family.FamilyID}, bson.M{"$set": bson.M{
		"name":      family.Name,
		"members":   family.Members,
		"settings":  family.Settings,
		"updatedAt": family.UpdatedAt,
	}}, true); err != nil {
		return memoryErr("save_family_context", "failed to save family "+family.FamilyID, err)
	}
	for _, m := range family.Members {
		l.preloaded.Delete(KindFamily + ":" + family.FamilyID + ":" + m.UserID)
	}
	if _, err := l.contexts.InvalidateMatching(ctx, ContextKey(KindFamily, family.FamilyID, "*")); err != nil {
		log.WithError(err).Warn("⚠️  [MEMORY] Family context invalidation failed")
	}
	return nil
}

// InvalidateUser drops every cached context of a user
func (l *Layer) InvalidateUser(ctx context.Context, userID string) error {
	l.preloaded.Delete(KindUser + ":" + userID)
	for key := range l.preloaded.Items() {
		if strings.HasPrefix(key, KindFamily+":") && strings.HasSuffix(key, ":"+userID) {
			l.preloaded.Delete(key)
		}
	}
	if err := l.contexts.Invalidate(ctx, KindUser, userID, ""); err != nil {
		return err
	}
	_, err := l.contexts.InvalidateMatching(ctx, ContextKey(KindFamily, "*", userID))
	return err
}

// SetPrivacyMode records a session's privacy mode and owner
func (l *Layer) SetPrivacyMode(sessionID, ownerID string, mode models.PrivacyMode) error {
	return l.gate.SetMode(sessionID, ownerID, mode)
}

// PrivacyMode returns a session's privacy mode
func (l *Layer) PrivacyMode(sessionID string) models.PrivacyMode {
	mode, _ := l.gate.Mode(sessionID)
	return mode
}

// StoreConversationTurn admits a turn through the privacy gate, then caches
// and persists it unless the session is ephemeral. The stored turn is returned.
func (l *Layer) StoreConversationTurn(ctx context.Context, turn models.ConversationTurn) (*models.ConversationTurn, error) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	admission, err := l.gate.Admit(turn)
	if err != nil {
		return nil, err
	}
	if !admission.Persist {
		return &turn, nil
	}

	stored := admission.Turn
	if err := l.appendCachedTurn(ctx, stored); err != nil {
		log.WithError(err).WithField("session_id", turn.SessionID).Warn("⚠️  [MEMORY] Conversation cache append failed")
	}
	if err := l.docs.InsertOne(ctx, store.CollectionConversations, stored); err != nil {
		return nil, memoryErr("store_turn", "failed to persist conversation turn", err)
	}
	return &turn, nil
}

func (l *Layer) cachedTurns(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	raw, err := l.kv.Get(ctx, ConversationKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []models.ConversationTurn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("failed to decode cached conversation: %w", err)
	}
	return turns, nil
}

// appendCachedTurn keeps the most recent historySize turns. Writes for one
// session are serialised by that session's worker.
func (l *Layer) appendCachedTurn(ctx context.Context, turn models.ConversationTurn) error {
	turns, err := l.cachedTurns(ctx, turn.SessionID)
	if err != nil {
		return err
	}
	turns = append(turns, turn)
	if len(turns) > l.historySize {
		turns = turns[len(turns)-l.historySize:]
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, ConversationKey(turn.SessionID), string(data), l.historyTTL)
}

// GetConversationHistory returns the first non-empty authorised history from
// the privacy store, the conversation cache, then the document store.
// limit > 0 keeps the most recent limit turns.
func (l *Layer) GetConversationHistory(ctx context.Context, sessionID, userID string, limit int) ([]models.ConversationTurn, error) {
	if turns := l.gate.History(sessionID, userID); len(turns) > 0 {
		return trimRecent(turns, limit), nil
	}

	cached, err := l.cachedTurns(ctx, sessionID)
	if err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("⚠️  [MEMORY] Conversation cache read failed, falling through to store")
	}
	if turns := l.authorise(cached, userID); len(turns) > 0 {
		return trimRecent(turns, limit), nil
	}

	opts := store.FindOptions{SortField: "timestamp", SortDesc: true}
	if limit > 0 {
		opts.Limit = int64(limit)
	}
	var stored []models.ConversationTurn
	if err := l.docs.Find(ctx, store.CollectionConversations, bson.M{"sessionId": sessionID}, opts, &stored); err != nil {
		return nil, memoryErr("get_history", "failed to load conversation history", err)
	}
	// newest-first from the store; callers expect chronological order
	for i, j := 0, len(stored)-1; i < j; i, j = i+1, j-1 {
		stored[i], stored[j] = stored[j], stored[i]
	}
	return trimRecent(l.authorise(stored, userID), limit), nil
}

func (l *Layer) authorise(turns []models.ConversationTurn, userID string) []models.ConversationTurn {
	out := make([]models.ConversationTurn, 0, len(turns))
	for _, t := range turns {
		if revealed, ok := l.gate.Reveal(t, userID); ok {
			out = append(out, revealed)
		}
	}
	return out
}

func trimRecent(turns []models.ConversationTurn, limit int) []models.ConversationTurn {
	if limit > 0 && len(turns) > limit {
		return turns[len(turns)-limit:]
	}
	return turns
}

// ForgetSession drops a session's cached conversation and privacy record.
// Persisted turns stay until the retention sweep.
func (l *Layer) ForgetSession(ctx context.Context, sessionID string) {
	l.gate.Forget(sessionID)
	if err := l.kv.Delete(ctx, ConversationKey(sessionID)); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("⚠️  [MEMORY] Failed to drop conversation cache")
	}
}

// DeleteTurnsBefore removes persisted turns older than cutoff
func (l *Layer) DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.docs.DeleteMany(ctx, store.CollectionConversations, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, memoryErr("retention", "failed to delete expired turns", err)
	}
	return n, nil
}

// AddKnowledge stores a knowledge item for its user
func (l *Layer) AddKnowledge(ctx context.Context, item models.KnowledgeItem) (*models.KnowledgeItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if err := l.docs.InsertOne(ctx, store.CollectionKnowledge, item); err != nil {
		return nil, memoryErr("add_knowledge", "failed to store knowledge item", err)
	}
	return &item, nil
}

// SearchKnowledge ranks a user's knowledge items by case-insensitive
// substring match: a title hit scores 2, a body hit 1.
func (l *Layer) SearchKnowledge(ctx context.Context, userID, query string, limit int) ([]models.KnowledgeHit, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	var items []models.KnowledgeItem
	if err := l.docs.Find(ctx, store.CollectionKnowledge, bson.M{"userId": userID}, store.FindOptions{}, &items); err != nil {
		return nil, memoryErr("search_knowledge", "failed to load knowledge items", err)
	}

	var hits []models.KnowledgeHit
	for _, item := range items {
		score := 0
		if strings.Contains(strings.ToLower(item.Title), q) {
			score += 2
		}
		if strings.Contains(strings.ToLower(item.Content), q) {
			score++
		}
		if score > 0 {
			hits = append(hits, models.KnowledgeHit{Item: item, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
