package handoff

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/recall/engine/enhance"
	"github.com/hrygo/recall/engine/ingest"
	engerr "github.com/hrygo/recall/internal/errors"
	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/plugin/ai"
	"github.com/hrygo/recall/store"
	"github.com/hrygo/recall/store/db/sqlite"
)

var testSecret = []byte("shared-engine-secret")

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "recall_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	s := store.New(driver, p)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedThread(t *testing.T, s *store.Store, threadID string) {
	t.Helper()
	ctx := context.Background()
	pipeline := ingest.New(s, ai.NewDeterministicEmbedder(16), nil)
	now := time.Now().Unix()
	for i, content := range []string{"starting the rollout", "rollout of service-api finished"} {
		_, err := pipeline.Ingest(ctx, &ingest.ApprovedEvent{
			ThreadID: threadID, AgentName: "agent-a",
			EventType: store.EventTypeMessage, Content: content,
			Tags: []string{"deploy"}, CreatedTs: now - int64(60-i*30),
		})
		require.NoError(t, err)
	}
	enhancer := enhance.New(s, enhance.DefaultConfig(), nil)
	_, err := enhancer.EnhanceBatch(ctx, 10)
	require.NoError(t, err)

	_, err = s.CreateConsolidatedMemory(ctx, &store.ConsolidatedMemory{
		ID: "m1", Kind: store.MemoryKindSemantic, ThreadID: threadID,
		SourceEventIDs: []string{"e1"}, Summary: "deploys recur here",
		Topic: "deploy", WindowStartTs: now - 3600, WindowEndTs: now,
	})
	require.NoError(t, err)
	_, err = s.UpsertAgentPreference(ctx, &store.UpsertAgentPreference{
		AgentName:    "agent-a",
		TopicWeights: map[string]float64{"deploy": 0.8},
	})
	require.NoError(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newTestStore(t)
	seedThread(t, source, "t1")

	exporter := New(source, testSecret, DefaultConfig(), nil)
	pkg, err := exporter.Export(ctx, "t1", "laptop")
	require.NoError(t, err)
	require.NotEmpty(t, pkg.Token)
	require.NotEmpty(t, pkg.Ciphertext)
	require.Equal(t, "laptop", pkg.TargetDevice)

	// The ciphertext never contains cleartext content.
	require.NotContains(t, string(pkg.Ciphertext), "rollout")

	// Import into a fresh engine that shares the secret and token state.
	target := newTestStore(t)
	copyTokenState(t, source, target, pkg.Token)

	importer := New(target, testSecret, DefaultConfig(), nil)
	result, err := importer.Import(ctx, pkg)
	require.NoError(t, err)
	require.Empty(t, result.FailedLayers)
	require.Equal(t, 2, result.EventsRestored)
	require.Equal(t, 2, result.VectorsRestored)
	require.Equal(t, 1, result.MemoriesRestored)
	require.Equal(t, 1, result.PreferencesRestored)
	require.Greater(t, result.NodesRestored, 0)
	require.Greater(t, result.EdgesRestored, 0)

	threadID := "t1"
	events, err := target.ListEvents(ctx, &store.FindEvent{ThreadID: &threadID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		require.NotZero(t, ev.EnhancedTs)
	}

	pref, err := target.GetAgentPreference(ctx, "agent-a")
	require.NoError(t, err)
	require.InDelta(t, 0.8, pref.TopicWeights["deploy"], 1e-9)
}

func TestImportReplayFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedThread(t, s, "t1")

	serializer := New(s, testSecret, DefaultConfig(), nil)
	pkg, err := serializer.Export(ctx, "t1", "laptop")
	require.NoError(t, err)

	_, err = serializer.Import(ctx, pkg)
	require.NoError(t, err)

	_, err = serializer.Import(ctx, pkg)
	require.Error(t, err)
	require.Equal(t, engerr.ErrCodeHandoffReplay, engerr.CodeOf(err))
}

func TestImportExpiredTokenFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedThread(t, s, "t1")

	config := DefaultConfig()
	config.ExpireAfter = -time.Hour
	serializer := New(s, testSecret, config, nil)
	pkg, err := serializer.Export(ctx, "t1", "laptop")
	require.NoError(t, err)

	_, err = serializer.Import(ctx, pkg)
	require.Error(t, err)
	require.Equal(t, engerr.ErrCodeHandoffExpired, engerr.CodeOf(err))

	// Expiry is reported before consumption, so the token is still intact.
	token, err := s.GetHandoffToken(ctx, pkg.Token)
	require.NoError(t, err)
	require.Nil(t, token.ConsumedTs)
}

func TestImportUnknownTokenFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	serializer := New(s, testSecret, DefaultConfig(), nil)

	_, err := serializer.Import(ctx, &Package{Token: "never-issued"})
	require.Error(t, err)
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))

	_, err = serializer.Import(ctx, nil)
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))
}

func TestImportTamperedCiphertextFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedThread(t, s, "t1")

	serializer := New(s, testSecret, DefaultConfig(), nil)
	pkg, err := serializer.Export(ctx, "t1", "laptop")
	require.NoError(t, err)

	pkg.Ciphertext[len(pkg.Ciphertext)-1] ^= 0xff
	_, err = serializer.Import(ctx, pkg)
	require.Error(t, err)
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))

	// The failed decrypt must not burn the one-time token; retrying with the
	// intact bytes still succeeds.
	token, err := s.GetHandoffToken(ctx, pkg.Token)
	require.NoError(t, err)
	require.Nil(t, token.ConsumedTs)

	pkg.Ciphertext[len(pkg.Ciphertext)-1] ^= 0xff
	result, err := serializer.Import(ctx, pkg)
	require.NoError(t, err)
	require.Empty(t, result.FailedLayers)
}

func TestPackageOnlyOpensOnTargetDevice(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedThread(t, s, "t1")

	serializer := New(s, testSecret, DefaultConfig(), nil)
	pkg, err := serializer.Export(ctx, "t1", "laptop")
	require.NoError(t, err)

	// The stored token pins the target device; decrypting against any other
	// device identity fails.
	_, err = serializer.open(pkg.Ciphertext, pkg.Token, "phone")
	require.Error(t, err)

	plaintext, err := serializer.open(pkg.Ciphertext, pkg.Token, "laptop")
	require.NoError(t, err)
	require.Contains(t, string(plaintext), "rollout")
}

func TestExportValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := New(s, testSecret, DefaultConfig(), nil).Export(ctx, "", "laptop")
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))

	_, err = New(s, testSecret, DefaultConfig(), nil).Export(ctx, "t1", "")
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))

	_, err = New(s, nil, DefaultConfig(), nil).Export(ctx, "t1", "laptop")
	require.Equal(t, engerr.ErrCodeValidation, engerr.CodeOf(err))
}

// copyTokenState mirrors the issued token into the importing engine's store,
// standing in for the shared token state of a real deployment.
func copyTokenState(t *testing.T, source, target *store.Store, token string) {
	t.Helper()
	ctx := context.Background()
	issued, err := source.GetHandoffToken(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, issued)
	_, err = target.CreateHandoffToken(ctx, issued)
	require.NoError(t, err)
}
