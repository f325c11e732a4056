package memory

import (
	"sync"
	"time"

	"familyhub/internal/crypto"
	"familyhub/internal/failure"
	"familyhub/internal/models"
	"github.com/patrickmn/go-cache"
)

type sessionPrivacy struct {
	owner string
	mode  models.PrivacyMode
}

// PrivacyGate decides whether and how a turn may be persisted. Ephemeral
// turns live only in the gate's own TTL store.
type PrivacyGate struct {
	mu          sync.RWMutex
	sessions    map[string]sessionPrivacy
	defaultMode models.PrivacyMode
	maxLength   int
	cipher      *crypto.EncryptionService
	ephemeral   *cache.Cache
}

// Admission is the gate's decision for an accepted turn
type Admission struct {
	Mode    models.PrivacyMode
	Turn    models.ConversationTurn // sealed when the mode is private and a cipher is set
	Persist bool                    // false for ephemeral turns
}

// NewPrivacyGate creates a gate. cipher may be nil, in which case private
// turns are stored in clear text but still readable only by the owner.
func NewPrivacyGate(defaultMode models.PrivacyMode, maxLength int, ephemeralTTL time.Duration, cipher *crypto.EncryptionService) *PrivacyGate {
	if !defaultMode.Valid() {
		defaultMode = models.PrivacyShared
	}
	return &PrivacyGate{
		sessions:    make(map[string]sessionPrivacy),
		defaultMode: defaultMode,
		maxLength:   maxLength,
		cipher:      cipher,
		ephemeral:   cache.New(ephemeralTTL, ephemeralTTL),
	}
}

// SetMode records the owner and privacy mode of a session
func (g *PrivacyGate) SetMode(sessionID, ownerID string, mode models.PrivacyMode) error {
	if !mode.Valid() {
		return failure.New(failure.CategoryMemoryOperation, failure.SeverityLow, "privacy.set_mode", "unknown privacy mode "+string(mode), nil)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = sessionPrivacy{owner: ownerID, mode: mode}
	return nil
}

// Mode returns the session's privacy mode and owner
func (g *PrivacyGate) Mode(sessionID string) (models.PrivacyMode, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.sessions[sessionID]; ok {
		return p.mode, p.owner
	}
	return g.defaultMode, ""
}

// Forget drops the session's privacy record and ephemeral turns
func (g *PrivacyGate) Forget(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
	g.ephemeral.Delete(sessionID)
}

func rejected(msg string) error {
	return failure.Fatal(failure.CategoryMemoryOperation, failure.SeverityMedium, "privacy.admit", msg, nil)
}

// Admit runs a turn through the gate. Rejections are non-recoverable
// memory-operation failures.
func (g *PrivacyGate) Admit(turn models.ConversationTurn) (*Admission, error) {
	if turn.Content == "" {
		return nil, rejected("empty turn content")
	}
	if g.maxLength > 0 && len(turn.Content) > g.maxLength {
		return nil, rejected("turn content exceeds maximum length")
	}

	mode, owner := g.Mode(turn.SessionID)
	if owner != "" && mode != models.PrivacyShared && turn.UserID != owner {
		return nil, rejected("only the session owner may write to a " + string(mode) + " session")
	}

	switch mode {
	case models.PrivacyEphemeral:
		g.appendEphemeral(turn)
		return &Admission{Mode: mode, Turn: turn, Persist: false}, nil
	case models.PrivacyPrivate:
		if g.cipher != nil {
			sealed, err := g.cipher.SealTurn(turn.UserID, turn.SessionID, turn.Content)
			if err != nil {
				return nil, failure.New(failure.CategoryMemoryOperation, failure.SeverityHigh, "privacy.seal", "failed to encrypt private turn", err)
			}
			turn.Content = sealed
			turn.Encrypted = true
		}
	}
	return &Admission{Mode: mode, Turn: turn, Persist: true}, nil
}

func (g *PrivacyGate) appendEphemeral(turn models.ConversationTurn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var turns []models.ConversationTurn
	if v, ok := g.ephemeral.Get(turn.SessionID); ok {
		turns = v.([]models.ConversationTurn)
	}
	turns = append(turns[:len(turns):len(turns)], turn)
	g.ephemeral.SetDefault(turn.SessionID, turns)
}

// History returns the gate-held turns of a session readable by userID
func (g *PrivacyGate) History(sessionID, userID string) []models.ConversationTurn {
	_, owner := g.Mode(sessionID)
	if owner != "" && owner != userID {
		return nil
	}
	v, ok := g.ephemeral.Get(sessionID)
	if !ok {
		return nil
	}
	turns := v.([]models.ConversationTurn)
	out := make([]models.ConversationTurn, len(turns))
	copy(out, turns)
	return out
}

// Reveal makes a stored turn readable for userID. It reports false when
// userID may not read it.
func (g *PrivacyGate) Reveal(turn models.ConversationTurn, userID string) (models.ConversationTurn, bool) {
	if !turn.Encrypted {
		mode, owner := g.Mode(turn.SessionID)
		if mode == models.PrivacyPrivate && owner != "" && owner != userID {
			return turn, false
		}
		return turn, true
	}
	if g.cipher == nil || turn.UserID != userID {
		return turn, false
	}
	plain, err := g.cipher.OpenTurn(turn.UserID, turn.SessionID, turn.Content)
	if err != nil {
		return turn, false
	}
	turn.Content = plain
	turn.Encrypted = false
	return turn, true
}
