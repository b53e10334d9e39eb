package handoff

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	engerr "github.com/hrygo/recall/internal/errors"
	"github.com/hrygo/recall/internal/observability"
	"github.com/hrygo/recall/store"
)

// Config holds the handoff knobs.
type Config struct {
	// RecentWindow bounds the event snapshot.
	RecentWindow time.Duration
	// TopK bounds the semantic-context snapshot.
	TopK int
	// ExpireAfter is the token lifetime.
	ExpireAfter time.Duration
}

// DefaultConfig returns the default handoff configuration.
func DefaultConfig() Config {
	return Config{
		RecentWindow: 2 * time.Hour,
		TopK:         10,
		ExpireAfter:  24 * time.Hour,
	}
}

// Package is an encrypted snapshot of one thread's active memory, decryptable
// at most once by the named target.
type Package struct {
	ThreadID     string `json:"thread_id"`
	TargetDevice string `json:"target_device"`
	Token        string `json:"token"`
	Ciphertext   []byte `json:"ciphertext"`
	CreatedTs    int64  `json:"created_ts"`
}

// ValidationResult enumerates what Import restored and which layers failed
// reconciliation.
type ValidationResult struct {
	EventsRestored      int
	VectorsRestored     int
	NodesRestored       int
	EdgesRestored       int
	MemoriesRestored    int
	PreferencesRestored int
	FailedLayers        []string
}

// snapshot is the cleartext package payload.
type snapshot struct {
	ThreadID    string                      `json:"thread_id"`
	Events      []*store.Event              `json:"events"`
	Vectors     []*store.VectorRecord       `json:"vectors"`
	Nodes       []*store.GraphNode          `json:"nodes"`
	Edges       []*store.GraphEdge          `json:"edges"`
	Memories    []*store.ConsolidatedMemory `json:"memories"`
	Preferences []*store.AgentPreference    `json:"preferences"`
	CreatedTs   int64                       `json:"created_ts"`
}

// Serializer builds and restores encrypted handoff packages. Each package is
// sealed with a key derived from the engine secret plus the one-time token
// and target device, so a package only opens on the device it was built for.
type Serializer struct {
	store  *store.Store
	secret []byte
	config Config
	logger *slog.Logger
}

// New creates a handoff serializer. secret must be non-empty and shared by
// the exporting and importing engines.
func New(s *store.Store, secret []byte, config Config, logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{store: s, secret: secret, config: config, logger: logger}
}

// Export snapshots the thread's recent events, top-k semantic context, graph
// neighborhood and preference state, then encrypts the bundle for the target.
func (s *Serializer) Export(ctx context.Context, threadID, targetDevice string) (*Package, error) {
	if threadID == "" {
		return nil, engerr.Validation("thread id is required")
	}
	if targetDevice == "" {
		return nil, engerr.Validation("target device is required")
	}
	if len(s.secret) == 0 {
		return nil, engerr.Validation("handoff secret is not configured")
	}
	reqCtx := observability.NewRequestContext(s.logger, "handoff", threadID)

	snap, err := s.buildSnapshot(ctx, threadID)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return nil, engerr.Validation("failed to serialize snapshot")
	}

	token := uuid.New().String()
	now := time.Now()
	if _, err := s.store.CreateHandoffToken(ctx, &store.HandoffToken{
		Token:        token,
		ThreadID:     threadID,
		TargetDevice: targetDevice,
		CreatedTs:    now.Unix(),
		ExpiresTs:    now.Add(s.config.ExpireAfter).Unix(),
	}); err != nil {
		return nil, engerr.TransientStore("failed to persist handoff token", err)
	}

	ciphertext, err := s.seal(plaintext, token, targetDevice)
	if err != nil {
		return nil, err
	}

	reqCtx.Info("handoff package exported",
		slog.String("target_device", targetDevice),
		slog.Int("events", len(snap.Events)),
		slog.Int("memories", len(snap.Memories)),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
	)
	return &Package{
		ThreadID:     threadID,
		TargetDevice: targetDevice,
		Token:        token,
		Ciphertext:   ciphertext,
		CreatedTs:    now.Unix(),
	}, nil
}

// Import decrypts the package, consumes its one-time token, and restores
// every layer with the same idempotent upserts ingestion uses. A replayed
// package fails with a replay error, an expired one with an expiry error;
// neither is a generic decryption failure.
func (s *Serializer) Import(ctx context.Context, pkg *Package) (*ValidationResult, error) {
	if pkg == nil || pkg.Token == "" {
		return nil, engerr.Validation("package token is required")
	}

	token, err := s.store.GetHandoffToken(ctx, pkg.Token)
	if err != nil {
		return nil, engerr.TransientStore("failed to look up handoff token", err)
	}
	if token == nil {
		return nil, engerr.Validation("unknown handoff token")
	}
	if time.Now().Unix() >= token.ExpiresTs {
		return nil, engerr.HandoffExpired(pkg.Token)
	}

	// Decrypt before consuming the token: a package corrupted in transit must
	// not burn its one attempt, so the intact bytes can still be retried.
	plaintext, err := s.open(pkg.Ciphertext, pkg.Token, token.TargetDevice)
	if err != nil {
		return nil, engerr.Validation("failed to decrypt handoff package")
	}
	var snap snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return nil, engerr.Validation("malformed handoff payload")
	}

	consumed, err := s.store.ConsumeHandoffToken(ctx, pkg.Token)
	if err != nil {
		return nil, engerr.TransientStore("failed to consume handoff token", err)
	}
	if !consumed {
		return nil, engerr.HandoffReplay(pkg.Token)
	}

	return s.restore(ctx, &snap), nil
}

func (s *Serializer) buildSnapshot(ctx context.Context, threadID string) (*snapshot, error) {
	now := time.Now()
	after := now.Add(-s.config.RecentWindow).Unix()
	events, err := s.store.ListEvents(ctx, &store.FindEvent{
		ThreadID: &threadID,
		AfterTs:  &after,
		OrderAsc: true,
	})
	if err != nil {
		return nil, engerr.TransientStore("failed to snapshot events", err)
	}

	memories, err := s.store.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{
		ThreadID:   &threadID,
		ActiveOnly: true,
		Limit:      s.config.TopK,
	})
	if err != nil {
		return nil, engerr.TransientStore("failed to snapshot memories", err)
	}

	vectors := []*store.VectorRecord{}
	for _, ev := range events {
		if r, err := s.store.GetVectorRecord(ctx, ev.ID); err == nil && r != nil {
			vectors = append(vectors, r)
		}
	}
	for _, m := range memories {
		if r, err := s.store.GetVectorRecord(ctx, m.ID); err == nil && r != nil {
			vectors = append(vectors, r)
		}
	}

	edges, err := s.store.ListGraphEdges(ctx, &store.FindGraphEdge{ThreadID: &threadID, OpenOnly: true})
	if err != nil {
		return nil, engerr.TransientStore("failed to snapshot graph edges", err)
	}
	nodeKeys := map[string]bool{}
	keys := []string{}
	for _, e := range edges {
		for _, k := range []string{e.SubjectKey, e.ObjectKey} {
			if !nodeKeys[k] {
				nodeKeys[k] = true
				keys = append(keys, k)
			}
		}
	}
	nodes := []*store.GraphNode{}
	if len(keys) > 0 {
		nodes, err = s.store.ListGraphNodes(ctx, &store.FindGraphNode{Keys: keys})
		if err != nil {
			return nil, engerr.TransientStore("failed to snapshot graph nodes", err)
		}
	}

	prefs := []*store.AgentPreference{}
	seenAgents := map[string]bool{}
	for _, ev := range events {
		if seenAgents[ev.AgentName] {
			continue
		}
		seenAgents[ev.AgentName] = true
		if pref, err := s.store.GetAgentPreference(ctx, ev.AgentName); err == nil && pref != nil {
			prefs = append(prefs, pref)
		}
	}

	return &snapshot{
		ThreadID:    threadID,
		Events:      events,
		Vectors:     vectors,
		Nodes:       nodes,
		Edges:       edges,
		Memories:    memories,
		Preferences: prefs,
		CreatedTs:   now.Unix(),
	}, nil
}

// restore upserts every layer; a layer that errors is reported, the rest
// still restore. Restoring twice cannot duplicate rows because every write
// is keyed by stable ids.
func (s *Serializer) restore(ctx context.Context, snap *snapshot) *ValidationResult {
	result := &ValidationResult{}
	fail := func(layer string) {
		for _, f := range result.FailedLayers {
			if f == layer {
				return
			}
		}
		result.FailedLayers = append(result.FailedLayers, layer)
	}

	for _, ev := range snap.Events {
		if _, err := s.store.UpsertEvent(ctx, ev); err != nil {
			fail("events")
			continue
		}
		if ev.EnhancedTs > 0 {
			ts := ev.EnhancedTs
			if _, err := s.store.UpdateEvent(ctx, &store.UpdateEvent{ID: ev.ID, EnhancedTs: &ts}); err != nil {
				fail("events")
				continue
			}
		}
		result.EventsRestored++
	}
	for _, r := range snap.Vectors {
		if _, err := s.store.UpsertVectorRecord(ctx, r); err != nil {
			fail("vectors")
			continue
		}
		result.VectorsRestored++
	}
	for _, n := range snap.Nodes {
		if _, err := s.store.UpsertGraphNode(ctx, n); err != nil {
			fail("graph")
			continue
		}
		result.NodesRestored++
	}
	for _, e := range snap.Edges {
		obs := &store.GraphEdgeObservation{
			SubjectType: e.SubjectType, SubjectKey: e.SubjectKey,
			Predicate:  e.Predicate,
			ObjectType: e.ObjectType, ObjectKey: e.ObjectKey,
			ThreadID: e.ThreadID, Value: e.Value,
			Strength: e.Strength, ObservedTs: e.StartTs,
		}
		if _, err := s.store.ObserveGraphEdge(ctx, obs); err != nil {
			fail("graph")
			continue
		}
		result.EdgesRestored++
	}
	for _, m := range snap.Memories {
		existing, err := s.store.ListConsolidatedMemories(ctx, &store.FindConsolidatedMemory{ID: &m.ID})
		if err != nil {
			fail("memories")
			continue
		}
		if len(existing) == 0 {
			if _, err := s.store.CreateConsolidatedMemory(ctx, m); err != nil {
				fail("memories")
				continue
			}
		}
		result.MemoriesRestored++
	}
	for _, p := range snap.Preferences {
		if _, err := s.store.UpsertAgentPreference(ctx, &store.UpsertAgentPreference{
			AgentName:    p.AgentName,
			TopicWeights: p.TopicWeights,
			Traits:       p.Traits,
		}); err != nil {
			fail("preferences")
			continue
		}
		result.PreferencesRestored++
	}
	return result
}

// seal encrypts with XChaCha20-Poly1305 under a key derived from the engine
// secret, the token and the target device. The random nonce is prepended.
func (s *Serializer) seal(plaintext []byte, token, targetDevice string) ([]byte, error) {
	aead, err := s.aead(token, targetDevice)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, engerr.TransientStore("failed to generate nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(targetDevice)), nil
}

func (s *Serializer) open(ciphertext []byte, token, targetDevice string) ([]byte, error) {
	aead, err := s.aead(token, targetDevice)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, engerr.Validation("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, []byte(targetDevice))
}

func (s *Serializer) aead(token, targetDevice string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, s.secret, nil, []byte("handoff:"+token+":"+targetDevice))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, engerr.TransientStore("failed to derive package key", err)
	}
	return chacha20poly1305.NewX(key)
}
