package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/recall/engine/consolidate"
	"github.com/hrygo/recall/engine/enhance"
	"github.com/hrygo/recall/engine/handoff"
	"github.com/hrygo/recall/engine/ingest"
	"github.com/hrygo/recall/engine/retrieval"
	"github.com/hrygo/recall/engine/tiering"
	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/plugin/ai"
	"github.com/hrygo/recall/store"
	"github.com/hrygo/recall/store/db"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Memory consolidation and retrieval engine",
	Long:  "recall ingests interaction events across event, vector and graph stores, consolidates them into higher-level memories, and serves fused retrieval to agents.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		driver, err := db.NewDBDriver(p)
		if err != nil {
			return err
		}
		defer driver.Close()
		return driver.Migrate(cmd.Context())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print keyspace counts and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, _, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("events: %d (unenhanced %d, partially linked %d)\n",
			stats.Events, stats.UnenhancedEvents, stats.PartiallyLinked)
		fmt.Printf("vector records: %d\n", stats.VectorRecords)
		fmt.Printf("graph: %d nodes, %d edges\n", stats.GraphNodes, stats.GraphEdges)
		fmt.Printf("consolidated memories: %d\n", stats.ConsolidatedMemories)
		return nil
	},
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Run a fused retrieval query against a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, _ := cmd.Flags().GetString("thread")
		limit, _ := cmd.Flags().GetInt("limit")

		s, p, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		embedder, err := ai.NewEmbeddingService(ai.NewConfigFromProfile(p))
		if err != nil {
			return err
		}
		retriever := retrieval.New(s, embedder, retrieval.DefaultConfig(), nil, slog.Default())
		mc, err := retriever.Retrieve(cmd.Context(), args[0], threadID, limit)
		if err != nil {
			return err
		}

		for _, line := range mc.Summary {
			fmt.Println(line)
		}
		fmt.Printf("confidence: %.2f", mc.Confidence)
		if mc.Partial {
			fmt.Printf(" (partial, failed: %s)", strings.Join(mc.FailedSources, ","))
		}
		fmt.Println()
		return nil
	},
}

var tombstoneCmd = &cobra.Command{
	Use:   "tombstone <event-id>",
	Short: "Logically delete an event so retrieval stops returning it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, p, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		embedder, err := ai.NewEmbeddingService(ai.NewConfigFromProfile(p))
		if err != nil {
			return err
		}
		pipeline := ingest.New(s, embedder, slog.Default())
		if err := pipeline.Tombstone(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("event %s tombstoned\n", args[0])
		return nil
	},
}

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Export or import encrypted thread handoff packages",
}

var handoffExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Build a one-time encrypted package for a target device",
	RunE: func(cmd *cobra.Command, _ []string) error {
		threadID, _ := cmd.Flags().GetString("thread")
		target, _ := cmd.Flags().GetString("target")

		s, p, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		serializer := handoff.New(s, []byte(p.HandoffSecret), handoff.DefaultConfig(), slog.Default())
		pkg, err := serializer.Export(cmd.Context(), threadID, target)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(pkg)
	},
}

var handoffImportCmd = &cobra.Command{
	Use:   "import <package-file>",
	Short: "Consume and restore a handoff package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var pkg handoff.Package
		if err := json.Unmarshal(raw, &pkg); err != nil {
			return err
		}

		s, p, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		serializer := handoff.New(s, []byte(p.HandoffSecret), handoff.DefaultConfig(), slog.Default())
		result, err := serializer.Import(cmd.Context(), &pkg)
		if err != nil {
			return err
		}
		fmt.Printf("restored: %d events, %d vectors, %d nodes, %d edges, %d memories, %d preferences\n",
			result.EventsRestored, result.VectorsRestored, result.NodesRestored,
			result.EdgesRestored, result.MemoriesRestored, result.PreferencesRestored)
		if len(result.FailedLayers) > 0 {
			fmt.Printf("failed layers: %s\n", strings.Join(result.FailedLayers, ","))
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of the engine ("prod", "dev" or "demo")`)
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", `database driver ("sqlite" or "postgres")`)
	flags.String("dsn", "", "database source name")

	for _, name := range []string{"mode", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("recall")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	retrieveCmd.Flags().String("thread", "", "thread to search")
	retrieveCmd.Flags().Int("limit", 10, "maximum results")
	handoffExportCmd.Flags().String("thread", "", "thread to export")
	handoffExportCmd.Flags().String("target", "", "target device identity")
	handoffCmd.AddCommand(handoffExportCmd, handoffImportCmd)

	rootCmd.AddCommand(migrateCmd, statsCmd, retrieveCmd, tombstoneCmd, handoffCmd)
}

// openStore loads the profile and opens the configured database.
func openStore() (*store.Store, *profile.Profile, error) {
	p, err := loadProfile()
	if err != nil {
		return nil, nil, err
	}
	driver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, nil, err
	}
	return store.New(driver, p), p, nil
}

func loadProfile() (*profile.Profile, error) {
	p := &profile.Profile{
		Mode:    viper.GetString("mode"),
		Data:    viper.GetString("data"),
		Driver:  viper.GetString("driver"),
		DSN:     viper.GetString("dsn"),
		Version: version,
	}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func run(ctx context.Context) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if p.IsDev() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	driver, err := db.NewDBDriver(p)
	if err != nil {
		return err
	}
	s := store.New(driver, p)
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		return err
	}

	embedder, err := ai.NewEmbeddingService(ai.NewConfigFromProfile(p))
	if err != nil {
		return err
	}

	pipeline := ingest.New(s, embedder, logger)
	enhancer := enhance.New(s, enhance.DefaultConfig(), logger)
	consolidator := consolidate.New(s, embedder, consolidate.DefaultConfig(), logger)
	queryCache := retrieval.NewQueryCache(5*time.Minute, 256)
	defer queryCache.Close()
	manager := tiering.New(s, pipeline, queryCache, tiering.DefaultConfig(), logger)
	runner := consolidate.NewRunner(s, consolidator, time.Hour, 24*time.Hour, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		enhancer.Start(ctx, 10*time.Second, 50)
	}()
	go func() {
		defer wg.Done()
		runner.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		manager.Start(ctx)
	}()

	logger.Info("recall started",
		slog.String("version", version),
		slog.String("mode", p.Mode),
		slog.String("driver", p.Driver),
	)
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
