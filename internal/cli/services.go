package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/chat"
	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/embeddings"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/gitrepo"
	"github.com/nickcecere/codechat/internal/ingest"
	"github.com/nickcecere/codechat/internal/llm"
	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
)

const shutdownTimeout = 15 * time.Second

// services is the object graph behind every command that touches the index.
type services struct {
	cfg         *config.Config
	store       *store.SQLiteStore
	embedder    *embeddings.Batcher
	coordinator *ingest.Coordinator
	chunker     *fs.SourceChunker
	retriever   *search.Retriever
	model       llm.Service
	chat        *chat.Orchestrator
}

// openStore opens the configured database.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// newServices wires the store, embedder, coordinator and retriever.
// withChat also creates the language model and the chat orchestrator.
func newServices(ctx context.Context, cfg *config.Config, withChat bool) (*services, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := embeddingService(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create embedding service: %w", err)
	}
	emb := embeddings.NewBatcher(svc, embeddings.BatcherOptionsFromConfig(cfg.Embeddings))

	chunker := fs.NewSourceChunker(fs.ChunkOptions{
		ChunkSize:    cfg.Indexing.ChunkSize,
		ChunkOverlap: cfg.Indexing.ChunkOverlap,
		MaxChunkSize: cfg.Indexing.MaxChunkChars,
	})
	ingestOpts := ingest.OptionsFromConfig(cfg)
	ingestOpts.EmbeddingProvider = string(svc.Provider())
	ingestOpts.EmbeddingModel = svc.ModelName()

	s := &services{
		cfg:         cfg,
		store:       st,
		embedder:    emb,
		coordinator: ingest.New(st, emb, chunker, gitrepo.NewClient(), ingestOpts),
		chunker:     chunker,
		retriever:   search.New(st, emb, search.OptionsFromConfig(cfg.Retrieval)),
	}

	if withChat {
		model, err := llm.NewService(cfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create LLM service: %w", err)
		}
		s.model = model
		s.chat = chat.New(st, st, s.retriever, model, chat.OptionsFromConfig(cfg.Chat))
	}
	return s, nil
}

// embeddingService returns the configured embedding service, or the one the
// index was built with when they differ, since vectors from different models
// cannot be compared.
func embeddingService(ctx context.Context, cfg *config.Config, st store.Index) (embeddings.Service, error) {
	svc, err := embeddings.NewService(cfg)
	if err != nil {
		return nil, err
	}
	info, err := st.EmbeddingInfo(ctx)
	if err != nil || info == nil {
		return svc, nil
	}
	if info.Provider == string(svc.Provider()) && info.Model == svc.ModelName() {
		return svc, nil
	}

	log.Warn("Index was built with a different embedding model, using it instead",
		"index", info.Provider+"/"+info.Model,
		"configured", string(svc.Provider())+"/"+svc.ModelName())
	return embeddings.NewServiceForStore(info.Provider, info.Model, cfg)
}

// Close stops running ingestions and closes the store.
func (s *services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.coordinator.Shutdown(ctx); err != nil {
		log.Warn("Ingestion did not stop cleanly", "error", err)
	}
	if err := s.store.Close(); err != nil {
		log.Warn("Failed to close store", "error", err)
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
