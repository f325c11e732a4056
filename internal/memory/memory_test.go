package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"familyhub/internal/crypto"
	"familyhub/internal/failure"
	"familyhub/internal/models"
	"familyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	layer *Layer
	kv    *store.MemoryStore
	docs  *store.MemoryDocuments
}

func newFixture(t *testing.T, cipher *crypto.EncryptionService) *fixture {
	t.Helper()
	kv := store.NewMemoryStore()
	docs := store.NewMemoryDocuments()
	layer := New(Options{
		KV:               kv,
		Docs:             docs,
		Gate:             NewPrivacyGate(models.PrivacyShared, 200, time.Hour, cipher),
		HistoryCacheSize: 3,
	})
	return &fixture{layer: layer, kv: kv, docs: docs}
}

func turn(sessionID, userID, content string) models.ConversationTurn {
	return models.ConversationTurn{SessionID: sessionID, UserID: userID, Role: models.TurnUser, Content: content}
}

func TestLoadUserContext_TiersAndBackfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.layer.LoadUserContext(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.docs.InsertOne(ctx, store.CollectionUsers, models.UserContext{UserID: "u1", DisplayName: "Ada", Roles: []string{"parent"}}))

	user, err := f.layer.LoadUserContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.DisplayName)

	raw, err := f.kv.Get(ctx, "context:user:u1")
	require.NoError(t, err, "store hit backfills the context cache")
	assert.Contains(t, raw, "Ada")

	// a cache hit no longer needs the store
	_, err = f.docs.DeleteMany(ctx, store.CollectionUsers, nil)
	require.NoError(t, err)
	user, err = f.layer.LoadUserContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.DisplayName)
}

func TestLoadFamilyContext_ResolvesRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.layer.SaveFamilyContext(ctx, &models.FamilyContext{
		FamilyID: "fam1",
		Name:     "Lovelace",
		Members: []models.FamilyMember{
			{UserID: "u1", Role: models.RoleParent},
			{UserID: "u2", Role: models.RoleChild},
		},
	}))

	fam, err := f.layer.LoadFamilyContext(ctx, "fam1", "u2")
	require.NoError(t, err)
	assert.Equal(t, models.RoleChild, fam.Role)

	fam, err = f.layer.LoadFamilyContext(ctx, "fam1", "stranger")
	require.NoError(t, err)
	assert.Empty(t, fam.Role)

	_, err = f.kv.Get(ctx, "context:family:fam1:u2")
	assert.NoError(t, err)
}

func TestStoreConversationTurn_BoundedCacheAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for _, c := range []string{"one", "two", "three", "four"} {
		_, err := f.layer.StoreConversationTurn(ctx, turn("s1", "u1", c))
		require.NoError(t, err)
	}

	raw, err := f.kv.Get(ctx, ConversationKey("s1"))
	require.NoError(t, err)
	var cached []models.ConversationTurn
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	require.Len(t, cached, 3)
	assert.Equal(t, "two", cached[0].Content)
	assert.Equal(t, 4, f.docs.Count(store.CollectionConversations))

	history, err := f.layer.GetConversationHistory(ctx, "s1", "u1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "three", history[0].Content)
	assert.Equal(t, "four", history[1].Content)
}

func TestGetConversationHistory_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	base := time.Now().Add(-time.Hour)
	for i, c := range []string{"a", "b", "c"} {
		tt := turn("s1", "u1", c)
		tt.Timestamp = base.Add(time.Duration(i) * time.Minute)
		_, err := f.layer.StoreConversationTurn(ctx, tt)
		require.NoError(t, err)
	}
	require.NoError(t, f.kv.Delete(ctx, ConversationKey("s1")))

	history, err := f.layer.GetConversationHistory(ctx, "s1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{history[0].Content, history[1].Content, history[2].Content})
}

func TestPrivacyGate_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.layer.SetPrivacyMode("s1", "owner", models.PrivacyPrivate))

	cases := map[string]models.ConversationTurn{
		"empty":     turn("s1", "owner", ""),
		"too long":  turn("s1", "owner", string(make([]byte, 201))),
		"non-owner": turn("s1", "intruder", "hello"),
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.layer.StoreConversationTurn(ctx, tt)
			require.Error(t, err)
			fe, ok := failure.As(err)
			require.True(t, ok)
			assert.Equal(t, failure.CategoryMemoryOperation, fe.Category)
			assert.False(t, fe.Recoverable)
		})
	}
	assert.Equal(t, 0, f.docs.Count(store.CollectionConversations))
}

func TestPrivacyGate_EphemeralNeverPersists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.layer.SetPrivacyMode("s1", "u1", models.PrivacyEphemeral))

	_, err := f.layer.StoreConversationTurn(ctx, turn("s1", "u1", "forget me"))
	require.NoError(t, err)

	assert.Equal(t, 0, f.docs.Count(store.CollectionConversations))
	_, err = f.kv.Get(ctx, ConversationKey("s1"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	history, err := f.layer.GetConversationHistory(ctx, "s1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "forget me", history[0].Content)

	history, err = f.layer.GetConversationHistory(ctx, "s1", "someone-else", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPrivacyGate_PrivateTurnsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	cipher, err := crypto.NewEncryptionService(key)
	require.NoError(t, err)
	f := newFixture(t, cipher)
	require.NoError(t, f.layer.SetPrivacyMode("s1", "u1", models.PrivacyPrivate))

	_, err = f.layer.StoreConversationTurn(ctx, turn("s1", "u1", "my diary entry"))
	require.NoError(t, err)

	raw, err := f.kv.Get(ctx, ConversationKey("s1"))
	require.NoError(t, err)
	assert.NotContains(t, raw, "diary")

	history, err := f.layer.GetConversationHistory(ctx, "s1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "my diary entry", history[0].Content)

	history, err = f.layer.GetConversationHistory(ctx, "s1", "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSearchKnowledge_Scoring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	items := []models.KnowledgeItem{
		{UserID: "u1", Title: "Wifi password", Content: "taped under the router"},
		{UserID: "u1", Title: "Router notes", Content: "reset the wifi weekly"},
		{UserID: "u1", Title: "Wifi and router", Content: "wifi extender upstairs"},
		{UserID: "u1", Title: "Groceries", Content: "milk"},
		{UserID: "u2", Title: "Wifi", Content: "not yours"},
	}
	for _, it := range items {
		_, err := f.layer.AddKnowledge(ctx, it)
		require.NoError(t, err)
	}

	hits, err := f.layer.SearchKnowledge(ctx, "u1", "WIFI", 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "Wifi and router", hits[0].Item.Title)
	assert.Equal(t, 3, hits[0].Score)
	assert.Equal(t, 2, hits[1].Score)
	assert.Equal(t, 1, hits[2].Score)

	hits, err = f.layer.SearchKnowledge(ctx, "u1", "wifi", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestPreloadActiveUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.docs.InsertOne(ctx, store.CollectionUsers, models.UserContext{UserID: "u1"}))
	require.NoError(t, f.docs.InsertOne(ctx, store.CollectionUsers, models.UserContext{UserID: "u2"}))

	for i, uid := range []string{"u1", "u1", "u2", "ghost"} {
		snap, _ := json.Marshal(models.SessionSnapshot{ID: string(rune('a' + i)), UserID: uid})
		require.NoError(t, f.kv.Set(ctx, models.SessionKey(string(rune('a'+i))), string(snap), time.Hour))
	}

	n, err := f.layer.PreloadActiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, f.layer.IsPreloaded("u1"))
	assert.True(t, f.layer.IsPreloaded("u2"))

	n, err = f.layer.PreloadActiveUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already preloaded users are skipped")
}

func TestInflightDedupe(t *testing.T) {
	f := newInflight()
	assert.True(t, f.begin("u1"))
	assert.False(t, f.begin("u1"))
	f.end("u1")
	assert.True(t, f.begin("u1"))
}

func TestDeleteTurnsBefore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	old := turn("s1", "u1", "old")
	old.Timestamp = time.Now().AddDate(0, 0, -100)
	_, err := f.layer.StoreConversationTurn(ctx, old)
	require.NoError(t, err)
	_, err = f.layer.StoreConversationTurn(ctx, turn("s1", "u1", "new"))
	require.NoError(t, err)

	n, err := f.layer.DeleteTurnsBefore(ctx, time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
