package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("RECALL_MODE", "")
	t.Setenv("RECALL_DRIVER", "")
	t.Setenv("RECALL_EMBEDDING_PROVIDER", "")
	t.Setenv("RECALL_EMBEDDING_DIMENSIONS", "")

	p := &Profile{}
	p.FromEnv()

	require.Equal(t, "dev", p.Mode)
	require.Equal(t, "sqlite", p.Driver)
	require.Equal(t, "deterministic", p.EmbeddingProvider)
	require.Equal(t, "text-embedding-3-small", p.EmbeddingModel)
	require.Equal(t, 1536, p.EmbeddingDimensions)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RECALL_MODE", "prod")
	t.Setenv("RECALL_DRIVER", "postgres")
	t.Setenv("RECALL_DSN", "postgres://localhost/recall")
	t.Setenv("RECALL_EMBEDDING_PROVIDER", "openai")
	t.Setenv("RECALL_EMBEDDING_DIMENSIONS", "256")
	t.Setenv("RECALL_HANDOFF_SECRET", "s3cret")

	p := &Profile{}
	p.FromEnv()

	require.Equal(t, "prod", p.Mode)
	require.Equal(t, "postgres", p.Driver)
	require.Equal(t, "postgres://localhost/recall", p.DSN)
	require.Equal(t, "openai", p.EmbeddingProvider)
	require.Equal(t, 256, p.EmbeddingDimensions)
	require.Equal(t, "s3cret", p.HandoffSecret)
}

func TestValidateDerivesSQLiteDSN(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{Mode: "dev", Driver: "sqlite", Data: dir}
	require.NoError(t, p.Validate())
	require.Equal(t, filepath.Join(dir, "recall_dev.db"), p.DSN)
}

func TestValidateRejectsPostgresWithoutDSN(t *testing.T) {
	p := &Profile{Mode: "prod", Driver: "postgres", Data: t.TempDir()}
	require.Error(t, p.Validate())
}

func TestValidateNormalizesUnknownMode(t *testing.T) {
	p := &Profile{Mode: "staging", Driver: "sqlite", Data: t.TempDir()}
	require.NoError(t, p.Validate())
	require.Equal(t, "demo", p.Mode)
}
