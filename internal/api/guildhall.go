package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/teris-io/shortid"

	"github.com/guildhall-io/guildhall/internal/agent"
	"github.com/guildhall-io/guildhall/internal/config"
	"github.com/guildhall-io/guildhall/internal/database"
	"github.com/guildhall-io/guildhall/internal/rag"
	"github.com/guildhall-io/guildhall/internal/realtime"
)

// DocumentIndex is the retrieval surface the handlers need from the
// document store.
type DocumentIndex interface {
	Ingest(sourceType, sourceId, content string, metadata map[string]string) (int, error)
	Search(query string, opts rag.SearchOptions) ([]rag.Passage, error)
}

// AgentStreamer streams model output for an agent conversation.
type AgentStreamer interface {
	Stream(ctx context.Context, system string, messages []agent.Message, onDelta func(text string) error) error
}

type GuildhallApp struct {
	log             *log.Logger
	db              database.GuildhallRepository
	mux             *http.Server
	broker          *realtime.Broker
	feed            *realtime.FeedStore
	docs            DocumentIndex
	agent           AgentStreamer
	signingKey      []byte
	allowedOrigins  []string
	generateShortId func() (string, error)
}

func NewGuildhallApp(mux *http.ServeMux, logger *log.Logger, broker *realtime.Broker, feed *realtime.FeedStore,
	docs DocumentIndex, agentClient AgentStreamer, db database.GuildhallRepository, cfg *config.Config) *GuildhallApp {

	s := &GuildhallApp{
		log:             logger,
		db:              db,
		broker:          broker,
		feed:            feed,
		docs:            docs,
		agent:           agentClient,
		signingKey:      cfg.SigningKey,
		allowedOrigins:  cfg.AllowedOrigins,
		generateShortId: shortid.Generate,
	}

	mux.HandleFunc("GET /api/channels", s.listChannels)
	mux.Handle("POST /api/channels", s.authMiddleware(s.createChannel))
	mux.HandleFunc("GET /api/channels/{slug}", s.getChannel)
	mux.HandleFunc("GET /api/messages", s.getMessages)
	mux.Handle("POST /api/messages", s.authMiddleware(s.createMessage))
	mux.Handle("DELETE /api/messages", s.authMiddleware(s.deleteMessage))
	mux.Handle("POST /api/embeddings/ingest", s.authMiddleware(s.ingestDocument))
	mux.Handle("POST /api/chat/engagement", s.authMiddleware(s.chatEngagement))
	mux.Handle("POST /api/chat/recommend", s.authMiddleware(s.chatRecommend))
	mux.Handle("GET /ws", s.identityMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *GuildhallApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GuildhallApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
