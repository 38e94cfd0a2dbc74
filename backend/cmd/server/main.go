package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/agent"
	"biochat/backend/internal/events"
	"biochat/backend/internal/graph"
	"biochat/backend/internal/index"
	"biochat/backend/internal/memory"
	"biochat/backend/internal/planner"
	"biochat/backend/internal/resolver"
	"biochat/backend/internal/schema"
	"biochat/backend/internal/specialists"
	"biochat/backend/internal/store"
	"biochat/backend/pkg/config"
	"biochat/backend/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting HTTP API server...", zap.String("env", cfg.Server.Env))

	ctx := context.Background()

	// Load the schema registry
	registry, err := schema.LoadFiles(cfg.Schema.OntologyPath, cfg.Schema.EnhancedPath)
	if err != nil {
		log.Fatal("Failed to load schema", zap.Error(err))
	}

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4j.URI,
		neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	graphRepo := graph.NewRepository(driver, cfg.Neo4j.Database, cfg.Timeouts.Graph)
	defer graphRepo.Close(context.Background())

	// Verify Neo4j connection
	if err := graphRepo.Ping(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	// Vector store
	var idx index.Index
	if cfg.UsesWeaviate() {
		client, err := index.NewWeaviateClient(cfg.VectorStore.Host, cfg.VectorStore.Scheme, cfg.VectorStore.APIKey)
		if err != nil {
			log.Fatal("Failed to create Weaviate client", zap.Error(err))
		}
		idx = index.NewWeaviateIndex(client, cfg.Models.Embedding.Dimension, cfg.Timeouts.Vector)
	} else {
		log.Warn("No vector store host configured, using the in-process index")
		idx = index.NewMemoryIndex(cfg.Models.Embedding.Dimension)
	}
	if err := idx.Ensure(ctx, cfg.VectorStore.SharedCollection); err != nil {
		log.Fatal("Failed to ensure shared collection", zap.Error(err))
	}

	// Conversation store
	turnStore, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatal("Failed to open conversation store", zap.Error(err))
	}
	defer turnStore.Close()

	// Models
	basic := adapter.NewLLMAdapter("basic", cfg.Models.Basic.BaseURL, cfg.Models.Basic.APIKey, cfg.Models.Basic.ModelID, cfg.Timeouts.Model)
	advanced := adapter.NewLLMAdapter("advanced", cfg.Models.Advanced.BaseURL, cfg.Models.Advanced.APIKey, cfg.Models.Advanced.ModelID, cfg.Timeouts.Model)
	embedder := adapter.NewEmbedder(cfg.Models.Embedding.BaseURL, cfg.Models.Embedding.APIKey, cfg.Models.Embedding.ModelID,
		cfg.Models.Embedding.Dimension, cfg.Timeouts.Model)

	hub := events.NewHub(originChecker(cfg.Server.CORSOrigins))
	defer hub.Close()

	// Initialize dependencies
	mem := memory.New(basic, embedder, idx, cfg.VectorStore.MemoryCollection, cfg.Limits.MemoryThreshold)
	if err := mem.Ensure(ctx); err != nil {
		log.Fatal("Failed to ensure memory collection", zap.Error(err))
	}

	pdfs := specialists.NewPDF(embedder, idx, advanced, cfg.VectorStore.PDFCollection, cfg.Limits.PDFQuota)
	if err := pdfs.Ensure(ctx); err != nil {
		log.Fatal("Failed to ensure PDF collection", zap.Error(err))
	}

	breaker := specialists.DefaultBreakerConfig()
	res := resolver.New(graphRepo, basic, cfg.Limits.ResolverTopK, cfg.Limits.ResolverThreshold)
	orch := agent.NewOrchestrator(basic, agent.Specialists{
		Planner:    planner.New(registry, advanced, res, cfg.Limits.BFSTimeout, hub),
		Annotation: specialists.NewAnnotationBackend(cfg.Backends.AnnotationURL, cfg.Timeouts.Backend, breaker),
		Summariser: specialists.NewGraphSummariser(advanced),
		RAG: specialists.NewRAG(embedder, idx, advanced, specialists.RAGConfig{
			SharedCollection: cfg.VectorStore.SharedCollection,
			PDFCollection:    cfg.VectorStore.PDFCollection,
			ScoreFloor:       cfg.Limits.SearchScoreFloor,
		}, hub),
		Hypothesis: specialists.NewHypothesis(cfg.Backends.HypothesisURL, cfg.Timeouts.Backend, breaker, advanced, hub),
		Platform:   specialists.NewPlatform(cfg.Backends.PlatformURL, cfg.Timeouts.Backend, breaker, advanced),
		PDF:        pdfs,
	}, mem, turnStore, hub, agent.Options{HistoryTurns: cfg.Limits.HistoryTurns})

	limiter := newCallerLimiter(cfg.Limits.RequestsPerMinute, cfg.Limits.Burst, 10*time.Minute)
	stopEviction := make(chan struct{})
	go limiter.run(time.Minute, stopEviction)
	defer close(stopEviction)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(routerDeps{
		turns:     orch,
		documents: pdfs,
		memory:    mem,
		push:      hub,
		checks: map[string]Pinger{
			"neo4j": graphRepo,
			"store": turnStore,
		},
		limiter:     limiter,
		corsOrigins: cfg.Server.CORSOrigins,
		log:         log,
	})

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Server.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Let in-flight memory and turn writes finish before the store closes.
	if err := orch.Wait(shutdownCtx); err != nil {
		log.Warn("Pending turn persistence abandoned", zap.Error(err))
	}

	log.Info("Server exited")
}

// originChecker accepts websocket upgrades from the configured CORS origins.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
