package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chronofact/internal/config"
	"chronofact/internal/core"
	"chronofact/internal/embedding"
	"chronofact/internal/generator"
	"chronofact/internal/logging"
	"chronofact/internal/memory"
	"chronofact/internal/pipeline"
	"chronofact/internal/retrieval"
	"chronofact/internal/server"
	"chronofact/internal/vectorstore"
	"chronofact/internal/vision"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	watchConfig bool

	// Loaded in PersistentPreRunE, shared by all subcommands
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chronofact",
	Short: "Chronofact - fact-grounded timeline construction service",
	Long: `Chronofact builds chronological timelines of real-world events from a
corpus of social media posts and extracted facts.

Every timeline event cites the posts it is grounded in; hybrid retrieval
(dense + sparse + multimodal, fused with reciprocal rank fusion) selects
the evidence, and a schema-constrained LLM synthesizes events, credibility
assessments, and misinformation analyses from it. Per-session memory decays,
reinforces, and consolidates over time.

Run "chronofact serve" to start the HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real env vars win either way
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the timeline construction HTTP API",
	Long: `Connects to the vector store, bootstraps collections, wires the
retrieval, generation, and memory components, and serves the HTTP API
until SIGINT or SIGTERM.`,
	RunE: runServe,
}

// setupCmd provisions vector store collections
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create or verify the vector store collections",
	Long: `Creates the posts, facts, and session memory collections with their
dense, sparse, and multimodal vector schemas and payload indexes.
Existing collections are verified against the expected dimensions.`,
	RunE: runSetup,
}

// sweepCmd runs one maintenance pass over session memory
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one memory decay and consolidation pass",
	Long: `Applies time decay to all session memories, deletes entries whose
relevance fell below the deletion floor, and consolidates near-duplicate
memories within each session. The serve command runs this on a schedule;
sweep exists for cron-style operation against a shared store.`,
	RunE: runSweep,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chronofact.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Serve flags
	serveCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Hot-reload tunables (fusion weights, memory rates) on config file changes")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe wires every component and serves until a shutdown signal.
func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := vectorstore.New(storeConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to connect vector store: %w", err)
	}
	defer store.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()
	if err := vectorstore.Bootstrap(bootCtx, store, cfg.Embedder.TextDimensions, cfg.Embedder.MultimodalDimensions); err != nil {
		return fmt.Errorf("failed to bootstrap collections: %w", err)
	}

	text, err := embedding.NewTextEngine(embedderConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build text embedder: %w", err)
	}

	// The CLIP sidecar is optional: without it the image channel of
	// retrieval degrades to text-only, which the pipeline tolerates.
	var multimodal embedding.MultimodalEngine
	if clip, err := embedding.NewCLIPEngine(cfg.Embedder.MultimodalEndpoint, cfg.Embedder.MultimodalModel, cfg.Embedder.MultimodalDimensions); err != nil {
		logger.Warn("Multimodal embedder disabled", zap.Error(err))
	} else {
		multimodal = clip
	}

	client, err := generator.NewClient(generator.ClientConfig{
		Provider:        cfg.Generator.Provider,
		Model:           cfg.Generator.Model,
		APIKey:          cfg.Generator.APIKey,
		BaseURL:         cfg.Generator.BaseURL,
		MaxOutputTokens: cfg.Generator.MaxOutputTokens,
		Timeout:         cfg.GetGeneratorTimeout(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build generator client: %w", err)
	}
	gen := generator.New(client, cfg.Limits.LLMRatePerMin, cfg.Limits.LLMBurst, logger)

	analyzer := vision.NewAnalyzer(gen, int(cfg.Limits.ImageMaxBytes), logger)

	retriever := retrieval.New(store, text, retrievalParams(cfg, cfg.Tunables()), logger)

	engine := memory.NewEngine(store, text, memoryParams(cfg.Tunables()), logger)
	queue := memory.NewReinforceQueue(cfg.Memory.QueueSize, 0, logger)
	defer queue.Close()

	sweeper := memory.NewSweeper(engine, cfg.GetSweepInterval(), logger)
	sweeper.Start()
	defer sweeper.Stop()

	pparams := pipeline.DefaultParams()
	pparams.RequestDeadline = cfg.GetRequestDeadline()
	pparams.ImageMaxBytes = cfg.Limits.ImageMaxBytes
	pl := pipeline.New(pipeline.Deps{
		Generator:  gen,
		Retriever:  retriever,
		Vision:     analyzer,
		Multimodal: multimodal,
		Text:       text,
		Memory:     engine,
		Queue:      queue,
	}, pparams, logger)

	srv := server.New(server.Options{
		Addr:    cfg.Server.Addr,
		Version: cfg.Version,
		// Room for a base64-encoded image at the cap plus the JSON envelope.
		MaxBodyBytes: cfg.Limits.ImageMaxBytes*4/3 + 1<<16,
		MaxConns:     cfg.Server.MaxConnections,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		CORSEnabled:  cfg.Server.CORSEnabled,
	}, server.Deps{
		Pipeline:  pl,
		Generator: gen,
		Store:     store,
		Embedder:  text,
	}, logger)

	if watchConfig {
		watcher, err := config.NewWatcher(configPath, logger, func(t config.Tunables) {
			retriever.SetParams(retrievalParams(cfg, t))
			engine.SetParams(memoryParams(t))
			logger.Info("Tunables reloaded",
				zap.Float64("weight_dense", t.Weights.Dense),
				zap.Float64("tau_delete", t.TauDelete))
		})
		if err != nil {
			logger.Warn("Config watcher unavailable, hot reload disabled", zap.Error(err))
		} else {
			if err := watcher.Start(); err != nil {
				logger.Warn("Config watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	logger.Info("Chronofact starting",
		zap.String("version", cfg.Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store_mode", cfg.VectorStore.Mode),
		zap.String("generator", gen.ClientName()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Chronofact stopped")
	return nil
}

// runSetup provisions the vector store collections and exits.
func runSetup(cmd *cobra.Command, args []string) error {
	store, err := vectorstore.New(storeConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to connect vector store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := vectorstore.Bootstrap(ctx, store, cfg.Embedder.TextDimensions, cfg.Embedder.MultimodalDimensions); err != nil {
		return fmt.Errorf("failed to bootstrap collections: %w", err)
	}

	fmt.Printf("Collections ready (%s mode):\n", cfg.VectorStore.Mode)
	fmt.Printf("  %s: dense %dd + sparse + image %dd\n", core.CollectionPosts, cfg.Embedder.TextDimensions, cfg.Embedder.MultimodalDimensions)
	fmt.Printf("  %s: dense %dd\n", core.CollectionFacts, cfg.Embedder.TextDimensions)
	fmt.Printf("  %s: dense %dd\n", core.CollectionMemory, cfg.Embedder.TextDimensions)
	return nil
}

// runSweep runs a single decay and consolidation pass.
func runSweep(cmd *cobra.Command, args []string) error {
	store, err := vectorstore.New(storeConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to connect vector store: %w", err)
	}
	defer store.Close()

	text, err := embedding.NewTextEngine(embedderConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build text embedder: %w", err)
	}

	engine := memory.NewEngine(store, text, memoryParams(cfg.Tunables()), logger)
	sweeper := memory.NewSweeper(engine, cfg.GetSweepInterval(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := sweeper.RunOnce(ctx); err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	return nil
}

func storeConfig(cfg *config.Config) vectorstore.Config {
	return vectorstore.Config{
		Mode:        cfg.VectorStore.Mode,
		URL:         cfg.VectorStore.URL,
		APIKey:      cfg.VectorStore.APIKey,
		StoragePath: cfg.VectorStore.StoragePath,
		PoolSize:    cfg.VectorStore.PoolSize,
		PoolWait:    cfg.GetPoolWait(),
	}
}

func embedderConfig(cfg *config.Config) embedding.Config {
	return embedding.Config{
		Provider:       cfg.Embedder.Provider,
		Dimensions:     cfg.Embedder.TextDimensions,
		OllamaEndpoint: cfg.Embedder.OllamaEndpoint,
		OllamaModel:    cfg.Embedder.TextModel,
		GenAIAPIKey:    cfg.Embedder.APIKey,
		GenAIModel:     cfg.Embedder.TextModel,
		TaskType:       "RETRIEVAL_QUERY",
		CLIPEndpoint:   cfg.Embedder.MultimodalEndpoint,
		CLIPModel:      cfg.Embedder.MultimodalModel,
		CLIPDimensions: cfg.Embedder.MultimodalDimensions,
	}
}

// retrievalParams merges the hot-reloadable tunables with the static
// retrieval settings from the startup config.
func retrievalParams(cfg *config.Config, t config.Tunables) retrieval.Params {
	return retrieval.Params{
		Weights: retrieval.Weights{
			Dense:       t.Weights.Dense,
			Sparse:      t.Weights.Sparse,
			Multimodal:  t.Weights.Multimodal,
			Credibility: t.Weights.Credibility,
		},
		RRFK:            t.RRFK,
		FetchMultiplier: cfg.Retrieval.FetchMultiplier,
		Diversity: retrieval.DiversityParams{
			Enabled:             cfg.Retrieval.Diversity.Enabled,
			MaxAuthorRatio:      cfg.Retrieval.Diversity.MaxAuthorRatio,
			MaxDomainRatio:      cfg.Retrieval.Diversity.MaxDomainRatio,
			MinReplacementRatio: cfg.Retrieval.Diversity.MinReplacementRatio,
		},
	}
}

func memoryParams(t config.Tunables) memory.Params {
	return memory.Params{
		DecayRates: map[string]float64{
			memory.TypeInteraction: t.DecayRates.Interaction,
			memory.TypeFact:        t.DecayRates.Fact,
			memory.TypePreference:  t.DecayRates.Preference,
		},
		TauDelete:              t.TauDelete,
		Beta:                   t.ReinforceBeta,
		ConsolidationThreshold: t.ConsolidationThreshold,
	}
}
