package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/config"
	"github.com/Layr-Labs/payload-relay-go/pkg/coordinator"
	"github.com/Layr-Labs/payload-relay-go/pkg/logger"
	"github.com/Layr-Labs/payload-relay-go/pkg/sequencer"
	"github.com/Layr-Labs/payload-relay-go/pkg/server"
	"github.com/Layr-Labs/payload-relay-go/pkg/signer"
	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	badgerstore "github.com/Layr-Labs/payload-relay-go/pkg/storage/badger"
	"github.com/Layr-Labs/payload-relay-go/pkg/storage/memory"
	"github.com/Layr-Labs/payload-relay-go/pkg/storage/postgres"
	"github.com/Layr-Labs/payload-relay-go/pkg/submitter"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "relay-server",
		Usage: "Payload Relay Server",
		Description: `Sequences, signs and anchors structured payloads on an EVM chain.

The server:
- Allocates gap-free per-signer nonces
- Computes canonical content hashes and structured-data signatures
- Submits anchoring transactions and tracks confirmation
- Sweeps expired payloads and reconciles in-flight submissions`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvRelayPort},
			},
			&cli.Uint64Flag{
				Name:     "chain-id",
				Aliases:  []string{"chain"},
				Usage:    fmt.Sprintf("Ethereum chain ID: %s", config.GetSupportedChainIDsString()),
				EnvVars:  []string{config.EnvRelayChainID},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "rpc-url",
				Usage:    "Ledger RPC endpoint",
				EnvVars:  []string{config.EnvRelayRPCURL},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "verifying-contract",
				Usage:    "Address of the anchoring/verifying contract",
				EnvVars:  []string{config.EnvRelayVerifyingContract},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "relayer-private-key",
				Usage:    "Hex private key that signs outer anchoring transactions",
				EnvVars:  []string{config.EnvRelayRelayerPrivateKey},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "store",
				Value:   "memory",
				Usage:   "Payload store backend: memory, postgres or badger",
				EnvVars: []string{config.EnvRelayStoreType},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "Postgres connection string (store=postgres)",
				EnvVars: []string{config.EnvRelayPostgresDSN},
			},
			&cli.StringFlag{
				Name:    "badger-dir",
				Usage:   "Badger data directory (store=badger)",
				EnvVars: []string{config.EnvRelayBadgerDir},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Optional Redis address for the advisory nonce cache",
				EnvVars: []string{config.EnvRelayRedisAddress},
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Value:   config.DefaultMaxAttempts,
				Usage:   "Submission attempts before a record is dead-lettered",
				EnvVars: []string{config.EnvRelayMaxAttempts},
			},
			&cli.DurationFlag{
				Name:    "expiry-ttl",
				Value:   config.DefaultExpiryTTL,
				Usage:   "Default payload validity window",
				EnvVars: []string{config.EnvRelayExpiryTTL},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvRelayVerbose},
			},
		},
		Action: runRelayServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func parseConfig(c *cli.Context) (*config.RelayConfig, error) {
	cfg := config.NewRelayConfig()
	cfg.Port = c.Int("port")
	cfg.ChainID = config.ChainId(c.Uint64("chain-id"))
	cfg.RPCURL = c.String("rpc-url")
	cfg.VerifyingContract = c.String("verifying-contract")
	cfg.RelayerPrivateKey = c.String("relayer-private-key")
	cfg.StoreType = c.String("store")
	cfg.PostgresDSN = c.String("postgres-dsn")
	cfg.BadgerDir = c.String("badger-dir")
	cfg.RedisAddress = c.String("redis-address")
	cfg.MaxAttempts = c.Int("max-attempts")
	cfg.ExpiryTTL = c.Duration("expiry-ttl")
	cfg.Verbose = c.Bool("verbose")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildStore returns the configured backend. Every backend implements
// both the payload and the sequence store over the same storage so the
// two stay transactionally adjacent.
func buildStore(cfg *config.RelayConfig, l *zap.Logger) (storage.IPayloadStore, storage.ISequenceStore, error) {
	switch cfg.StoreType {
	case "memory":
		s := memory.NewMemoryStore()
		return s, s, nil
	case "postgres":
		s, err := postgres.NewPostgresStore(cfg.PostgresDSN, l)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "badger":
		s, err := badgerstore.NewBadgerStore(cfg.BadgerDir, l)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store type %q", cfg.StoreType)
	}
}

func runRelayServer(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Verbose})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	payloadStore, sequenceStore, err := buildStore(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer payloadStore.Close()

	var nonceCache sequencer.INonceCache
	if cfg.RedisAddress != "" {
		redisCache, err := sequencer.NewRedisNonceCache(cfg.RedisAddress, "", 0, cfg.NonceCacheTTL, l)
		if err != nil {
			return fmt.Errorf("failed to connect nonce cache: %w", err)
		}
		defer redisCache.Close()
		nonceCache = redisCache
	} else {
		nonceCache = sequencer.NewMemoryNonceCache(cfg.NonceCacheTTL)
	}

	ethClient, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial ledger RPC: %w", err)
	}
	defer ethClient.Close()
	ledgerClient := submitter.NewRateLimitedClient(ethClient, cfg.RPCRateLimit)

	ledgerSubmitter, err := submitter.NewLedgerSubmitter(cfg, ledgerClient, payloadStore, l)
	if err != nil {
		return fmt.Errorf("failed to build submitter: %w", err)
	}

	allocator := sequencer.NewSequenceAllocator(sequenceStore, nonceCache, l)
	structuredSigner := signer.NewStructuredSigner(config.DomainName, config.DomainVersion, uint64(cfg.ChainID), cfg.VerifyingContract)
	coord := coordinator.NewCoordinator(payloadStore, allocator, structuredSigner, ledgerSubmitter, cfg, l)

	// Records left SUBMITTED by a previous process get their monitors
	// re-armed before we accept new traffic.
	if err := ledgerSubmitter.ReconcileSubmitted(context.Background()); err != nil {
		l.Sugar().Warnw("Reconciliation failed", "error", err)
	}

	srv := server.NewServer(coord, cfg.Port, l)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runSweeps(sweepCtx, coord, sequenceStore, cfg, l)

	l.Sugar().Infow("Relay server running",
		"port", cfg.Port,
		"chain", config.ChainIdToName[cfg.ChainID],
		"store", cfg.StoreType,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Sugar().Infow("Shutting down")
	stopSweep()
	if err := srv.Stop(); err != nil {
		l.Sugar().Warnw("Server stop error", "error", err)
	}
	ledgerSubmitter.WaitForMonitors()
	return nil
}

// runSweeps periodically fails expired payloads and prunes sequence
// rows for signers that never allocated.
func runSweeps(ctx context.Context, coord *coordinator.Coordinator, sequenceStore storage.ISequenceStore, cfg *config.RelayConfig, l *zap.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := coord.SweepExpired(ctx); err != nil {
				l.Sugar().Warnw("Expiry sweep failed", "error", err)
			}
			cutoff := time.Now().UTC().Add(-24 * time.Hour)
			if _, err := sequenceStore.SweepInactive(ctx, cutoff); err != nil {
				l.Sugar().Warnw("Sequence sweep failed", "error", err)
			}
		}
	}
}
