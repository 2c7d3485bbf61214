package main

import (
	"context"
	"database/sql"
	"flag"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpadapter "github.com/almudeer/engine/internal/adapters/http"
	"github.com/almudeer/engine/internal/domain/analysis"
	"github.com/almudeer/engine/internal/domain/background"
	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/credential"
	"github.com/almudeer/engine/internal/domain/delivery"
	"github.com/almudeer/engine/internal/domain/ingest"
	"github.com/almudeer/engine/internal/domain/license"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/outbound"
	"github.com/almudeer/engine/internal/domain/ratelimit"
	"github.com/almudeer/engine/internal/domain/taskqueue"
	"github.com/almudeer/engine/internal/domain/transport"
	"github.com/almudeer/engine/internal/infra/ai"
	"github.com/almudeer/engine/internal/infra/config"
	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
	"github.com/almudeer/engine/internal/infra/telegram/peersmgr"
	"github.com/almudeer/engine/internal/infra/transport/email"
	"github.com/almudeer/engine/internal/infra/transport/telegrambot"
	"github.com/almudeer/engine/internal/infra/transport/telegramuser"
	"github.com/almudeer/engine/internal/infra/transport/whatsapp"
	"github.com/almudeer/engine/internal/infra/wsfanout"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	taskQueueMaxAttempts = 5
	pollInterval         = 5 * time.Minute
	pollStagger          = 10 * time.Second
	pollStaggerJitter    = 5 * time.Second
)

func main() {
	envPath := flag.String("env", "assets/.env", "path to the environment file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("config: load failed", zap.Error(err))
	}
	cfg := config.Env()

	logger.Init(cfg.LogLevel, cfg.LogJSON)
	for _, w := range config.Warnings() {
		logger.Warn("config: " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialect, driverName, dsn := backendParams(cfg)
	if err := migrateSchema(ctx, driverName, dsn, dialect); err != nil {
		logger.Fatal("store: migrate failed", zap.Error(err))
	}

	backend, err := store.Open(dialect, driverName, dsn)
	if err != nil {
		logger.Fatal("store: open failed", zap.Error(err))
	}
	defer backend.Close()

	secretStore, err := credential.New(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("credential: init secret store failed", zap.Error(err))
	}
	creds := credential.NewRepository(backend, secretStore)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis: parse url failed", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
	}

	wsRegistry := wsfanout.New(redisClient)
	lic := license.New(backend)
	conv := conversation.New(backend, wsRegistry)
	reconcile := delivery.New(backend, conv)
	queue := taskqueue.New(backend, taskQueueMaxAttempts)

	adapters := buildAdapters(cfg)
	attachMTProto(ctx, cfg, creds, adapters)
	credLookup := func(ctx context.Context, licenseID int64, channel model.Channel) (model.Credential, error) {
		return creds.Load(ctx, licenseID, model.CredentialKind(channel))
	}
	outDispatcher := outbound.New(backend, conv, adapters, credLookup, wsRegistry, queue)
	ingestSched := ingest.New(backend, creds, adapters, queue, conv, reconcile, cfg.BackfillDays)

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient)
	} else {
		limiter = ratelimit.NewInProc()
	}
	analyzer := buildAnalyzer(cfg)
	var speaker analysis.Speaker
	if cfg.OpenAIAPIKey != "" {
		speaker = ai.NewOpenAITTSSpeaker(cfg.OpenAIAPIKey, "alloy", cfg.UploadDir, cfg.BaseURL)
	}
	orchestrator := analysis.New(backend, analyzer, speaker, limiter, outDispatcher, cfg.MaxMessagesPerUserDay, cfg.MaxMessagesPerUserMinute)

	jobs := background.New(backend, wsRegistry)
	jobScheduler := background.NewScheduler(jobs)
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Fatal("background: start scheduler failed", zap.Error(err))
	}
	defer jobScheduler.Stop()

	if _, err := jobs.StaleInboxRepair(ctx, nil); err != nil {
		logger.Warn("background: startup stale-inbox repair failed", zap.Error(err))
	}

	server := httpadapter.NewServer(httpadapter.Config{
		Backend:    backend,
		Creds:      creds,
		Ingest:     ingestSched,
		Outbound:   outDispatcher,
		Conv:       conv,
		Reconcile:  reconcile,
		License:    lic,
		WSRegistry: wsRegistry,
		Queue:      queue,
		Jobs:       jobs,
		AdminKey:   cfg.AdminKey,
	})

	go runTaskQueueWorker(ctx, queue, orchestrator, outDispatcher)
	go runPollLoop(ctx, creds, ingestSched)
	go runLeaseReaper(ctx, queue)

	logger.Info("almudeer: starting", zap.String("addr", cfg.HTTPAddr))
	if err := server.Start(ctx, cfg.HTTPAddr); err != nil {
		logger.Fatal("http: server failed", zap.Error(err))
	}
	logger.Info("almudeer: shut down cleanly")
}

func backendParams(cfg config.EnvConfig) (dialect store.Dialect, driverName, dsn string) {
	switch cfg.DBType {
	case "postgres", "postgresql":
		return store.DialectPostgres, "pgx", cfg.DatabaseURL
	default:
		return store.DialectSQLite, "sqlite3", cfg.DatabasePath
	}
}

// migrateSchema opens a throwaway *sql.DB for goose/AdaptSchema migration
// only: store.Backend deliberately never exposes the raw *sql.DB it
// wraps, so migration runs against its own short-lived connection before
// store.Open hands the long-lived pool to the rest of the process.
func migrateSchema(ctx context.Context, driverName, dsn string, dialect store.Dialect) error {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return store.Migrate(ctx, db, dialect)
}

// buildAnalyzer returns the Claude analyzer. original_source/ai_service.py
// tries OpenAI and Google providers first; OPENAI_API_KEY and
// GOOGLE_API_KEY are still accepted in config (nothing else reads
// GOOGLE_API_KEY either) but neither selects a different Analyzer
// implementation here.
func buildAnalyzer(cfg config.EnvConfig) analysis.Analyzer {
	return ai.NewClaudeAnalyzer(cfg.AnthropicKey, cfg.AnthropicModel)
}

// buildAdapters wires the one-per-channel transport.Adapter set every
// license's credentials are dispatched through. email/telegram_bot/
// whatsapp are genuinely multi-tenant (the credential, not the adapter,
// carries the per-license secret); telegram (MTProto) is not — a
// MTProto session is one live connection, so this entrypoint brings up
// at most one, for the first active telegram credential it finds, and
// omits the channel entirely when none exists.
func buildAdapters(cfg config.EnvConfig) map[model.Channel]transport.Adapter {
	// The Gmail OAuth app's own client id/secret (as opposed to a
	// mailbox's per-license access/refresh token pair, which lives on
	// the credential row) isn't part of EnvConfig; oauthConfig carries
	// only the shared endpoint and scope, and token refresh relies on
	// Google accepting public-client requests for this installed app.
	oauthCfg := &oauth2.Config{
		Endpoint: google.Endpoint,
		Scopes:   []string{"https://www.googleapis.com/auth/gmail.modify"},
	}

	return map[model.Channel]transport.Adapter{
		model.ChannelTelegramBot: telegrambot.New(),
		model.ChannelWhatsApp:    whatsapp.New(),
		model.ChannelEmail:       email.New(oauthCfg, ""),
	}
}

// attachMTProto connects the process-wide MTProto session, if any active
// telegram credential exists, and adds it to adapters. Runs after the
// store is open since it needs the credential repository.
func attachMTProto(ctx context.Context, cfg config.EnvConfig, creds *credential.Repository, adapters map[model.Channel]transport.Adapter) {
	if cfg.TelegramAPIID == 0 || cfg.TelegramAPIHash == "" {
		return
	}
	channels, err := creds.ActiveLicenseChannels(ctx)
	if err != nil {
		logger.Warn("mtproto: list active channels failed", zap.Error(err))
		return
	}
	for _, ch := range channels {
		if ch.Kind != model.CredentialTelegram {
			continue
		}
		cred, err := creds.Load(ctx, ch.LicenseID, model.CredentialTelegram)
		if err != nil {
			logger.Warn("mtproto: load credential failed", zap.Int64("license_id", ch.LicenseID), zap.Error(err))
			continue
		}
		api, peers, err := connectMTProto(ctx, cfg.TelegramAPIID, cfg.TelegramAPIHash, cred.SessionString, cfg.UploadDir)
		if err != nil {
			logger.Warn("mtproto: connect failed", zap.Int64("license_id", ch.LicenseID), zap.Error(err))
			continue
		}
		// No persisted sender_contact -> dialog-kind mapping exists yet,
		// so the alias-resolver fallback step is a permanent miss here;
		// resolveInputPeer's direct-id, access-hash and dialog-scan steps
		// still cover every real lookup.
		var noAlias telegramuser.AliasResolver = func(context.Context, string) (peersmgr.DialogKind, int64, bool) {
			return "", 0, false
		}
		adapters[model.ChannelTelegram] = telegramuser.New(api, peers, noAlias)
		logger.Info("mtproto: connected", zap.Int64("license_id", ch.LicenseID))
		return
	}
}

func runTaskQueueWorker(ctx context.Context, queue *taskqueue.Queue, orchestrator *analysis.Orchestrator, outDispatcher *outbound.Dispatcher) {
	dispatch := func(taskType string) (taskqueue.Handler, bool) {
		switch taskType {
		case ingest.AnalyzeTaskType:
			return func(ctx context.Context, task taskqueue.Task) error {
				var payload ingest.AnalyzePayload
				if err := task.Decode(&payload); err != nil {
					return err
				}
				return orchestrator.Analyze(ctx, analysis.Input{
					MessageID:         payload.MessageID,
					LicenseID:         payload.LicenseID,
					Channel:           payload.Channel,
					Body:              payload.Body,
					SenderContact:     payload.SenderContact,
					PlatformMessageID: payload.PlatformMessageID,
					ReplyToPlatformID: payload.ReplyToPlatformID,
					Attachments:       payload.Attachments,
					AutoReply:         payload.AutoReply,
				})
			}, true
		case outbound.SendTaskType:
			return func(ctx context.Context, task taskqueue.Task) error {
				var payload outbound.SendPayload
				if err := task.Decode(&payload); err != nil {
					return err
				}
				return outDispatcher.Send(ctx, payload.LicenseID, payload.OutboxID)
			}, true
		default:
			return nil, false
		}
	}

	if err := queue.Run(ctx, "almudeer-worker", dispatch); err != nil && ctx.Err() == nil {
		logger.Warn("taskqueue: worker exited", zap.Error(err))
	}
}

// runPollLoop drives the poll side of ingestion (C6): every pollInterval
// it walks every active (license, channel) pair and fetches new
// messages, staggering each call by a random 10-15s (pollStagger plus up
// to pollStaggerJitter) so a large license count
// doesn't thunder against the same upstream APIs all at once.
func runPollLoop(ctx context.Context, creds *credential.Repository, sched *ingest.Scheduler) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		channels, err := creds.ActiveLicenseChannels(ctx)
		if err != nil {
			logger.Warn("poll: list active channels failed", zap.Error(err))
			continue
		}

		for _, ch := range channels {
			if err := sched.PollLicense(ctx, ch.LicenseID, ch.Kind); err != nil {
				logger.Warn("poll: license failed",
					zap.Int64("license_id", ch.LicenseID), zap.String("kind", string(ch.Kind)), zap.Error(err))
			}
			select {
			case <-time.After(pollStagger + time.Duration(rand.Int64N(int64(pollStaggerJitter)))):
			case <-ctx.Done():
				return
			}
		}
	}
}

func runLeaseReaper(ctx context.Context, queue *taskqueue.Queue) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := queue.ReapExpiredLeases(ctx); err != nil {
			logger.Warn("taskqueue: reap expired leases failed", zap.Error(err))
		}
	}
}
