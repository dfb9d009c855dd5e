// Package bootstrap wires configuration, adapters and services into the API
// server and the notification worker.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"tracker_server/adapter/out/memory"
	"tracker_server/adapter/out/messaging"
	"tracker_server/adapter/out/mongodb"
	"tracker_server/adapter/out/persistence"
	"tracker_server/adapter/out/provider"
	"tracker_server/config"
	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/bounce"
	"tracker_server/core/service/detection"
	"tracker_server/core/service/followup"
	"tracker_server/core/service/notification"
	"tracker_server/core/service/security"
	"tracker_server/infra/database"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/cache"
	"tracker_server/pkg/httputil"
	"tracker_server/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const jwksRefresh = 15 * time.Minute

type Dependencies struct {
	Config *config.Config
	Policy *config.Policy

	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client
	Events  *messaging.EventPublisher

	// Repositories
	Conversations out.ConversationRepository
	Responses     out.ResponseRepository
	Followups     out.FollowupRepository
	DetectionLogs out.DetectionLogRepository
	Settings      out.SettingsRepository
	Mailboxes     out.MailboxRegistry

	// Services
	Processor       *notification.Processor
	SettingsService *followup.SettingsService
	FollowupService *followup.Service
}

// NewDependencies connects every configured backend. Postgres falls back to
// the in-memory store when DATABASE_URL is empty; Redis, Mongo and NATS are
// optional.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fail(err)
	}
	deps.Policy = policy

	// Postgres
	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		deps.DB = db
		deps.SQLDB = database.NewSQLX(db)
		cleanups = append(cleanups, func() {
			deps.SQLDB.Close()
			db.Close()
		})

		if err := persistence.Migrate(ctx, deps.SQLDB); err != nil {
			return fail(fmt.Errorf("migrate: %w", err))
		}
		logger.Info("PostgreSQL connected and schema applied")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Redis
	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, nil)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		deps.Redis = client
		cleanups = append(cleanups, func() { client.Close() })
		logger.Info("Redis connected")
	}

	// MongoDB
	var snapshots out.MessageSnapshotStore
	if cfg.MongoDBURL != "" {
		client, err := mongodb.NewClient(ctx, cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed, snapshots disabled: %v", err)
		} else {
			deps.MongoDB = client
			cleanups = append(cleanups, func() { client.Disconnect(context.Background()) })

			adapter := mongodb.NewSnapshotAdapter(client.Database(cfg.MongoDBName))
			if err := adapter.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to ensure snapshot indexes: %v", err)
			}
			snapshots = adapter
			logger.Info("MongoDB snapshot store initialized")
		}
	}

	// NATS
	var events out.EventPublisher
	if cfg.NatsURL != "" {
		publisher, err := messaging.NewEventPublisher(cfg.NatsURL)
		if err != nil {
			logger.Warn("NATS connection failed, events disabled: %v", err)
		} else {
			deps.Events = publisher
			events = publisher
			cleanups = append(cleanups, publisher.Close)
			logger.Info("NATS JetStream event publisher initialized")
		}
	}

	// Repositories
	if deps.SQLDB != nil {
		deps.Conversations = persistence.NewConversationAdapter(deps.SQLDB)
		deps.Responses = persistence.NewResponseAdapter(deps.SQLDB)
		deps.Followups = persistence.NewFollowupAdapter(deps.SQLDB)
		deps.DetectionLogs = persistence.NewDetectionLogAdapter(deps.SQLDB)
		deps.Settings = persistence.NewSettingsAdapter(deps.SQLDB)
		deps.Mailboxes = persistence.NewMailboxAdapter(deps.SQLDB)
	} else {
		store := memory.NewStore()
		deps.Conversations = store.Conversations()
		deps.Responses = store.Responses()
		deps.Followups = store.Followups()
		deps.DetectionLogs = store.DetectionLogs()
		deps.Settings = store.Settings()
		deps.Mailboxes = store.Mailboxes()
	}

	// Webhook security
	validator, err := newValidator(ctx, cfg, deps.Redis)
	if err != nil {
		return fail(err)
	}

	// Graph
	var gateway out.MessageGateway = unconfiguredGateway{}
	if cfg.GraphConfigured() {
		g, err := provider.NewGraphGateway(&provider.GraphConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			TenantID:     cfg.MicrosoftTenantID,
			Timeout:      cfg.GraphTimeout,
		})
		if err != nil {
			return fail(fmt.Errorf("graph: %w", err))
		}
		gateway = g
	} else if cfg.IsProduction() {
		return fail(apperr.ConfigError("MICROSOFT_CLIENT_ID, MICROSOFT_CLIENT_SECRET and MICROSOFT_TENANT_ID are required"))
	} else {
		logger.Warn("Graph credentials not set, message fetches will fail")
	}

	var deduper out.NotificationDeduper
	if deps.Redis != nil {
		deduper = cache.NewDeduper(deps.Redis, cfg.DedupeTTL)
	}

	// Services
	deps.SettingsService = followup.NewSettingsService(deps.Settings, policy.Followup)
	deps.FollowupService = followup.NewService(deps.Conversations, deps.Followups, deps.SettingsService, events)

	deps.Processor = notification.NewProcessor(notification.Deps{
		Validator:     validator,
		Mailboxes:     deps.Mailboxes,
		Conversations: deps.Conversations,
		Responses:     deps.Responses,
		Logs:          deps.DetectionLogs,
		Gateway:       gateway,
		Deduper:       deduper,
		Events:        events,
		Snapshots:     snapshots,
		Followups:     deps.FollowupService,
		Detector:      detection.NewEngine(deps.Conversations, deps.DetectionLogs, policy.Detection),
		Bounces:       bounce.NewService(deps.Conversations, deps.Responses, deps.DetectionLogs, events),
		Tenant: domain.TenantConfig{
			Domain:          cfg.TenantDomain,
			ExcludeInternal: cfg.ExcludeInternal,
		},
		Concurrency: cfg.BatchConcurrency,
	})

	return deps, cleanup, nil
}

func newValidator(ctx context.Context, cfg *config.Config, client *redis.Client) (*security.Validator, error) {
	var tokens security.TokenChecker
	if cfg.WebhookJWKSURL != "" {
		keys, err := security.NewCachedKeySet(ctx, cfg.WebhookJWKSURL, jwksRefresh, httputil.NewClient(httputil.KeySetClientConfig()))
		if err != nil {
			if cfg.WebhookRequireTokens {
				return nil, fmt.Errorf("jwks: %w", err)
			}
			logger.Warn("JWKS unavailable, batches carrying validation tokens will be rejected: %v", err)
		} else {
			tokens = security.NewTokenVerifier(keys, cfg.WebhookPartnerAppID, cfg.WebhookAudience)
		}
	}

	var dataKeys security.DataKeyDecrypter
	if cfg.WebhookEncryptionKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.WebhookEncryptionKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read encryption key: %w", err)
		}
		decrypter, err := security.NewRSADataKeyDecrypter(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		dataKeys = decrypter
	}

	var audit out.SecurityAuditLog
	if client != nil {
		audit = messaging.NewAuditStream(client)
	}

	return security.NewValidator(security.Config{
		ClientState:             cfg.WebhookClientState,
		RequireValidationTokens: cfg.WebhookRequireTokens,
		ReplayWindow:            cfg.WebhookReplayWindow,
	}, tokens, dataKeys, audit), nil
}

// unconfiguredGateway fails every fetch so notifications settle as failed
// instead of panicking when Graph credentials are missing.
type unconfiguredGateway struct{}

func (unconfiguredGateway) GetMessage(context.Context, string, string) (*domain.Message, error) {
	return nil, apperr.ConfigError("graph credentials are not configured")
}
