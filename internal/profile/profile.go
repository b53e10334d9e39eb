package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the memory engine.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Data is the data directory
	Data string
	// DSN points to where recall stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of the engine
	Version string

	// Embedding configuration
	EmbeddingProvider   string // RECALL_EMBEDDING_PROVIDER (openai|deterministic, default: deterministic)
	EmbeddingAPIKey     string // RECALL_EMBEDDING_API_KEY
	EmbeddingBaseURL    string // RECALL_EMBEDDING_BASE_URL
	EmbeddingModel      string // RECALL_EMBEDDING_MODEL (default: text-embedding-3-small)
	EmbeddingDimensions int    // RECALL_EMBEDDING_DIMENSIONS (default: 1536)

	// HandoffSecret is the base secret for handoff package key derivation.
	HandoffSecret string // RECALL_HANDOFF_SECRET
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FromEnv loads configuration from RECALL_* environment variables.
// Empty values are skipped so defaults take effect.
func (p *Profile) FromEnv() {
	if p.Mode == "" {
		p.Mode = getEnvOrDefault("RECALL_MODE", "dev")
	}
	if p.Data == "" {
		p.Data = os.Getenv("RECALL_DATA")
	}
	if p.DSN == "" {
		p.DSN = os.Getenv("RECALL_DSN")
	}
	if p.Driver == "" {
		p.Driver = getEnvOrDefault("RECALL_DRIVER", "sqlite")
	}

	p.EmbeddingProvider = getEnvOrDefault("RECALL_EMBEDDING_PROVIDER", "deterministic")
	p.EmbeddingAPIKey = os.Getenv("RECALL_EMBEDDING_API_KEY")
	p.EmbeddingBaseURL = os.Getenv("RECALL_EMBEDDING_BASE_URL")
	p.EmbeddingModel = getEnvOrDefault("RECALL_EMBEDDING_MODEL", "text-embedding-3-small")
	if v := os.Getenv("RECALL_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.EmbeddingDimensions = n
		}
	}
	if p.EmbeddingDimensions == 0 {
		p.EmbeddingDimensions = 1536
	}

	p.HandoffSecret = os.Getenv("RECALL_HANDOFF_SECRET")
}

// Validate normalizes and validates the profile.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/recall"
	}

	if p.Data == "" {
		dir, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "failed to get current working directory")
		}
		p.Data = dir
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrapf(err, "failed to check data directory: %s", p.Data)
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := "recall_" + p.Mode + ".db"
		p.DSN = filepath.Join(p.Data, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires RECALL_DSN")
	}

	return nil
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing "/" in case user supplies
	dataDir = strings.TrimRight(dataDir, "/")

	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}

	return dataDir, nil
}
