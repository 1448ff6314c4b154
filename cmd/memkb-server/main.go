package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/memkb/memkb/internal/aggregate"
	"github.com/memkb/memkb/internal/config"
	"github.com/memkb/memkb/internal/extract"
	"github.com/memkb/memkb/internal/index"
	"github.com/memkb/memkb/internal/ingest"
	"github.com/memkb/memkb/internal/notify"
	"github.com/memkb/memkb/internal/registry"
	"github.com/memkb/memkb/internal/server"
	"github.com/memkb/memkb/internal/storage"
	"github.com/memkb/memkb/internal/storage/postgres"
	"github.com/memkb/memkb/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, embStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	reg, err := registry.New(store)
	if err != nil {
		log.Fatalf("Failed to initialize registry: %v", err)
	}
	validator, err := registry.NewValidator()
	if err != nil {
		log.Fatalf("Failed to initialize validator: %v", err)
	}

	var embedder index.Embedder = index.HashEmbedder{}
	if cfg.Embedding.EndpointURL != "" {
		embedder = index.NewRemoteEmbedder(index.RemoteEmbedderConfig{
			BaseURL: cfg.Embedding.EndpointURL,
			Model:   cfg.Embedding.Model,
		})
		log.Printf("Using remote embeddings at %s", cfg.Embedding.EndpointURL)
	}
	ix, err := index.New(embedder, embStore)
	if err != nil {
		log.Fatalf("Failed to initialize index: %v", err)
	}

	var extractor extract.Extractor = extract.Heuristic{}
	if cfg.Extraction.EndpointURL != "" {
		extractor = extract.NewRemote(extract.RemoteConfig{
			BaseURL: cfg.Extraction.EndpointURL,
			Model:   cfg.Extraction.Model,
			Timeout: cfg.Extraction.Timeout.Std(),
		})
		log.Printf("Using remote extraction at %s", cfg.Extraction.EndpointURL)
	} else {
		log.Printf("No extraction endpoint configured, using heuristic extractor")
	}

	var hub *notify.Hub
	if cfg.Server.EnableNotify {
		hub = notify.NewHub()
	}

	pipeline := ingest.New(reg, validator, extractor, aggregate.New(store), ix, store, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rebuildIndex(ctx, store, reg, ix)

	srv, err := server.Start(ctx, cfg, server.Deps{
		Registry: reg,
		Pipeline: pipeline,
		Index:    ix,
		Hub:      hub,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("memkb running at http://%s", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}
	cancel()
}

// openStore builds the configured storage engine. The embedding store is
// non-nil only for postgres with the pgvector extension available.
func openStore(cfg *config.Config) (storage.Store, storage.EmbeddingStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.New(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if store.VectorSearchAvailable() {
			return store, store, nil
		}
		return store, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DataPath), 0o755); err != nil {
			return nil, nil, err
		}
		store, err := sqlite.New(cfg.Storage.DataPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

// rebuildIndex restores the in-memory retrieval index from persistent state
// on startup.
func rebuildIndex(ctx context.Context, store storage.Store, reg *registry.Registry, ix *index.Index) {
	names, err := store.ListCollections(ctx)
	if err != nil {
		log.Printf("Warning: failed to list collections for index rebuild: %v", err)
		return
	}
	for _, name := range names {
		schema, err := reg.Get(ctx, name)
		if err != nil {
			log.Printf("Warning: failed to load collection %s: %v", name, err)
			continue
		}
		if err := ix.Rebuild(ctx, store, schema); err != nil {
			log.Printf("Warning: failed to rebuild index for %s: %v", name, err)
			continue
		}
	}
	log.Printf("Rebuilt retrieval index for %d collection(s)", len(names))
}
