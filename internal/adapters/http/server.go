package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/almudeer/engine/internal/domain/background"
	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/credential"
	"github.com/almudeer/engine/internal/domain/delivery"
	"github.com/almudeer/engine/internal/domain/ingest"
	"github.com/almudeer/engine/internal/domain/license"
	"github.com/almudeer/engine/internal/domain/outbound"
	"github.com/almudeer/engine/internal/domain/taskqueue"
	"github.com/almudeer/engine/internal/infra/store"
	"github.com/almudeer/engine/internal/infra/wsfanout"
)

// Server is the JSON external interface: webhook intake, inbox and
// conversation reads/actions, offline-sync replay, and the push
// websocket. It holds no business logic of its own beyond request
// parsing and response shaping — every mutation goes through one of
// the domain packages it wires together here.
type Server struct {
	backend    store.Backend
	creds      *credential.Repository
	ingest     *ingest.Scheduler
	outbound   *outbound.Dispatcher
	conv       *conversation.Engine
	reconcile  *delivery.Reconciler
	license    *license.Validator
	wsRegistry *wsfanout.Registry
	queue      *taskqueue.Queue
	jobs       *background.Jobs
	adminKey   string

	engine *gin.Engine
	http   *http.Server
}

// Config collects Server's dependencies. Every field is required except
// AdminKey, which Server keeps but no registered route checks.
type Config struct {
	Backend    store.Backend
	Creds      *credential.Repository
	Ingest     *ingest.Scheduler
	Outbound   *outbound.Dispatcher
	Conv       *conversation.Engine
	Reconcile  *delivery.Reconciler
	License    *license.Validator
	WSRegistry *wsfanout.Registry
	Queue      *taskqueue.Queue
	Jobs       *background.Jobs
	AdminKey   string
}

// NewServer builds a Server and registers every route. Route groups are
// registered specific-path-first, then parameterized-path, the ordering
// orris-inc-orris's router uses to keep e.g. "/conversations/stats" from
// being swallowed by a "/conversations/:sender" handler.
func NewServer(cfg Config) *Server {
	s := &Server{
		backend:    cfg.Backend,
		creds:      cfg.Creds,
		ingest:     cfg.Ingest,
		outbound:   cfg.Outbound,
		conv:       cfg.Conv,
		reconcile:  cfg.Reconcile,
		license:    cfg.License,
		wsRegistry: cfg.WSRegistry,
		queue:      cfg.Queue,
		jobs:       cfg.Jobs,
		adminKey:   cfg.AdminKey,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	integrations := r.Group("/api/integrations")
	{
		integrations.POST("/telegram/webhook/:license", s.telegramWebhook)
		integrations.GET("/whatsapp/webhook", s.whatsappVerify)
		integrations.POST("/whatsapp/webhook", s.whatsappIntake)
	}

	r.GET("/ws", s.websocketUpgrade)

	api := r.Group("/api/v1")
	api.Use(licenseAuth(s.license))
	{
		api.GET("/inbox", s.listInbox)
		api.POST("/inbox/cleanup", s.cleanupInbox)
		api.GET("/inbox/:id", s.getInboxMessage)
		api.POST("/inbox/:id/approve", s.approveInbox)

		api.GET("/conversations/stats", s.conversationStats)
		api.GET("/conversations/search", s.searchConversations)
		api.DELETE("/conversations", s.deleteAllConversations)
		api.GET("/conversations", s.listConversations)
		api.GET("/conversations/:sender/messages", s.conversationMessages)
		api.POST("/conversations/:sender/typing", s.typingNotify)
		api.POST("/conversations/:sender/send", s.sendMessage)
		api.DELETE("/conversations/:sender", s.deleteConversation)
		api.GET("/conversations/:sender", s.conversationHistory)

		api.PATCH("/messages/:id/edit", s.editMessage)
		api.DELETE("/messages/:id", s.deleteMessage)

		sync := api.Group("/sync")
		{
			sync.POST("/batch", s.syncBatch)
			sync.GET("/status", s.syncStatus)
			sync.GET("/delta", s.syncDelta)
		}
	}

	s.engine = r
	return s
}

// Start runs the HTTP server until ctx is cancelled or ListenAndServe
// returns a non-shutdown error.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
