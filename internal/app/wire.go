package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/gridcarbon/creditmarket/internal/blob/s3"
	"github.com/gridcarbon/creditmarket/internal/cache/redis"
	"github.com/gridcarbon/creditmarket/internal/config"
	"github.com/gridcarbon/creditmarket/internal/crypto"
	"github.com/gridcarbon/creditmarket/internal/domain"
	"github.com/gridcarbon/creditmarket/internal/gateway"
	"github.com/gridcarbon/creditmarket/internal/notify"
	"github.com/gridcarbon/creditmarket/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	ListingStore     domain.ListingStore
	TransactionStore domain.TransactionStore
	CreditLedger     domain.CreditLedger
	WalletLedger     domain.WalletLedger
	SettlementUnit   domain.SettlementUnit
	AuditStore       domain.AuditStore

	// Caches
	BalanceCache domain.BalanceCache
	PriceCache   domain.PriceCache
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	// Blob storage
	BlobWriter  domain.BlobWriter
	BlobChecker domain.BlobChecker
	Archiver    domain.Archiver

	// Gateway. Nil when the external payment gateway is disabled.
	Gateway *gateway.Client

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that require object storage.
func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "archive" || cfg.Pipeline.ArchiveEnabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.ListingStore = postgres.NewListingStore(pool)
	deps.TransactionStore = postgres.NewTransactionStore(pool)
	deps.CreditLedger = postgres.NewCreditStore(pool)
	deps.WalletLedger = postgres.NewWalletStore(pool)
	deps.SettlementUnit = postgres.NewSettlementStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.BalanceCache = redis.NewBalanceCache(redisClient)
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only when archiving) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobChecker = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobChecker,
			postgres.NewTransactionStore(pool),
			postgres.NewListingStore(pool),
			deps.AuditStore,
		)
	}

	// --- Payment gateway ---
	if cfg.Gateway.Enabled {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:           cfg.Gateway.Secret,
			EncryptedSecretPath: cfg.Gateway.EncryptedSecretPath,
			Password:            cfg.Gateway.SecretPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: gateway secret: %w", err)
		}
		deps.Gateway = gateway.NewClient(gateway.ClientConfig{
			BaseURL:     cfg.Gateway.BaseURL,
			MerchantID:  cfg.Gateway.MerchantID,
			Secret:      secret,
			CallbackURL: cfg.Gateway.CallbackURL,
			Timeout:     cfg.Gateway.Timeout.Duration,
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
