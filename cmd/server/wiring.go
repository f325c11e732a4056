package main

import (
	"context"
	"fmt"

	"familyhub/internal/audio"
	"familyhub/internal/config"
	"familyhub/internal/crypto"
	"familyhub/internal/database"
	"familyhub/internal/health"
	"familyhub/internal/inference"
	"familyhub/internal/memory"
	"familyhub/internal/models"
	"familyhub/internal/store"
)

// stores holds the raw and breaker-guarded storage backends
type stores struct {
	kv    store.KeyValueStore
	docs  store.DocumentStore
	redis *store.RedisStore
	mongo *database.MongoDB
}

func (s *stores) close(ctx context.Context) {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.WithError(err).Warn("⚠️  Error closing Redis")
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Close(ctx); err != nil {
			log.WithError(err).Warn("⚠️  Error closing MongoDB")
		}
	}
}

// openStores connects Redis and MongoDB when configured and falls back to
// the in-process stores otherwise. Every store call goes through its breaker.
func openStores(ctx context.Context, cfg *config.Config, healthSvc *health.Service) (*stores, error) {
	s := &stores{}
	storeBreaker := health.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		CallTimeout:      cfg.StoreTimeout,
	}

	var kv store.KeyValueStore = store.NewMemoryStore()
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.redis = redisStore
		kv = redisStore
		log.Info("✅ Redis connected")
	} else {
		log.Warn("⚠️  REDIS_URL not set - using in-process cache store (single instance only)")
	}

	var docs store.DocumentStore = store.NewMemoryDocuments()
	if cfg.MongoURI != "" {
		mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURI)
		if err != nil {
			s.close(ctx)
			return nil, fmt.Errorf("mongodb: %w", err)
		}
		if err := mongoDB.Initialize(ctx); err != nil {
			log.WithError(err).Warn("⚠️  Failed to create MongoDB indexes")
		}
		s.mongo = mongoDB
		docs = mongoDB
		log.Info("✅ MongoDB connected")
	} else {
		log.Warn("⚠️  MONGODB_URI not set - conversations are kept in memory only")
	}

	kvBreaker := healthSvc.Register(health.DependencyCacheStore, storeBreaker)
	docsBreaker := healthSvc.Register(health.DependencyDocumentStore, storeBreaker)
	s.kv = store.NewGuardedKV(kv, kvBreaker)
	s.docs = store.NewGuardedDocuments(docs, docsBreaker)

	healthSvc.AddProbe(health.PingProbe{Name: health.DependencyCacheStore, Ping: kv.Ping})
	healthSvc.AddProbe(health.PingProbe{Name: health.DependencyDocumentStore, Ping: docs.Ping})
	return s, nil
}

// newGateway builds the model backend pool for the configured provider
func newGateway(cfg *config.Config, healthSvc *health.Service) (*inference.Gateway, error) {
	size := cfg.ModelPoolSize
	if size <= 0 {
		size = 1
	}
	pool := make([]inference.Backend, 0, size)
	for i := 0; i < size; i++ {
		name := fmt.Sprintf("%s-%d", cfg.ModelProvider, i)
		switch cfg.ModelProvider {
		case "openai":
			pool = append(pool, inference.NewOpenAIBackend(name, cfg.ModelBaseURL, cfg.ModelAPIKey))
		case "anthropic":
			pool = append(pool, inference.NewAnthropicBackend(name, cfg.ModelBaseURL, cfg.ModelAPIKey))
		default:
			return nil, fmt.Errorf("unknown MODEL_PROVIDER %q (want openai or anthropic)", cfg.ModelProvider)
		}
	}

	breaker := healthSvc.Register(health.DependencyModelBackend, health.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		CallTimeout:      cfg.ModelTimeout,
	})
	return inference.NewGateway(pool, breaker), nil
}

// newMemory builds the memory layer with private-turn encryption when a key is set
func newMemory(cfg *config.Config, st *stores) (*memory.Layer, error) {
	var cipher *crypto.EncryptionService
	if cfg.EncryptionMasterKey != "" {
		var err error
		cipher, err = crypto.NewEncryptionService(cfg.EncryptionMasterKey)
		if err != nil {
			return nil, fmt.Errorf("encryption: %w", err)
		}
		log.Info("✅ Private-turn encryption enabled")
	} else if cfg.IsProduction() {
		return nil, fmt.Errorf("ENCRYPTION_MASTER_KEY is required in production. Generate with: openssl rand -hex 32")
	} else {
		log.Warn("⚠️  ENCRYPTION_MASTER_KEY not set - private turns are stored unencrypted (development only)")
	}

	mode := models.PrivacyMode(cfg.DefaultPrivacyMode)
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid DEFAULT_PRIVACY_MODE %q", cfg.DefaultPrivacyMode)
	}
	return memory.New(memory.Options{
		KV:               st.kv,
		Docs:             st.docs,
		Gate:             memory.NewPrivacyGate(mode, cfg.MaxTurnLength, cfg.SessionTimeout, cipher),
		ContextTTL:       cfg.ContextTTL,
		HistoryCacheSize: cfg.HistoryCacheSize,
	}), nil
}

// newTranscriber returns the speech-to-text service, or nil when no key is configured
func newTranscriber(cfg *config.Config, healthSvc *health.Service) audio.Transcriber {
	svc := audio.NewService([]audio.Provider{{
		Name:    "whisper",
		BaseURL: cfg.SpeechBaseURL,
		APIKey:  cfg.SpeechAPIKey,
		Model:   cfg.SpeechModel,
	}}, healthSvc.Breaker(health.DependencySpeech))
	if !svc.Available() {
		return nil
	}
	return svc
}

// adminGrant gives the configured admin users the admin role
type adminGrant struct {
	users  *memory.Layer
	admins map[string]bool
}

func newAdminGrant(users *memory.Layer, ids []string) *adminGrant {
	g := &adminGrant{users: users, admins: make(map[string]bool, len(ids))}
	for _, id := range ids {
		g.admins[id] = true
	}
	return g
}

func (g *adminGrant) LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error) {
	user, err := g.users.LoadUserContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if g.admins[userID] && !user.IsAdmin() {
		cp := *user
		cp.Roles = append(append([]string(nil), user.Roles...), models.RoleAdmin)
		return &cp, nil
	}
	return user, nil
}
