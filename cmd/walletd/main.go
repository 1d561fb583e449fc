package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"

	"github.com/rawblock/coinjoin-wallet/internal/api"
	"github.com/rawblock/coinjoin-wallet/internal/bitcoin"
	"github.com/rawblock/coinjoin-wallet/internal/config"
	"github.com/rawblock/coinjoin-wallet/internal/db"
	"github.com/rawblock/coinjoin-wallet/internal/service"
	"github.com/rawblock/coinjoin-wallet/internal/wallet"
)

func main() {
	log.Println("Starting RawBlock CoinJoin wallet daemon...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values.
	// ────────────────────────────────────────────────────────────────────

	cfg := configFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	walletFile := requireEnv("WALLET_FILE")
	w, err := openOrCreateWallet(walletFile, cfg)
	if err != nil {
		log.Fatalf("FATAL: could not open wallet: %v", err)
	}
	defer w.Close()
	log.Printf("Wallet %s loaded (%s, %s, max mixdepth %d)",
		w.WalletID(), w.TxType(), w.Network(), w.MaxMixdepth())

	btcClient, err := bitcoin.NewClient(bitcoin.Config{
		Host: getEnvOrDefault("BTC_RPC_HOST", "localhost:8332"),
		User: requireEnv("BTC_RPC_USER"),
		Pass: requireEnv("BTC_RPC_PASS"),
	})
	if err != nil {
		log.Fatalf("FATAL: failed to connect to Bitcoin RPC: %v", err)
	}
	defer btcClient.Shutdown()

	svc := service.NewWalletService(w, btcClient, cfg)

	// Optional event journal
	var dbConn *db.PostgresStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbConn, err = db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without event journal: %v", err)
		} else {
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: journal schema init failed: %v", err)
			}
			svc.SetJournal(dbConn)
		}
	}

	// WebSocket hub for wallet event streaming
	wsHub := api.NewHub()
	go wsHub.Run()
	svc.SetEventSink(wsHub)

	svc.AddRestartCallback(func(msg string) {
		log.Printf("RESTART REQUIRED: %s", msg)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := getEnvOrDefault("SYNC_MODE", "fast") != "recover"
	synced, err := svc.StartService(ctx, fast)
	if err != nil {
		var syncErr *service.SyncError
		if errors.As(err, &syncErr) && syncErr.RescanRequired {
			log.Fatalf("Sync requires a node rescan; restart after it completes: %v", err)
		}
		log.Fatalf("FATAL: failed to sync the wallet: %v", err)
	}
	for !synced {
		// recover sync may need several passes as the gap window advances
		log.Println("Sync incomplete, running another recover pass...")
		synced, err = svc.StartService(ctx, false)
		if err != nil {
			log.Fatalf("FATAL: failed to sync the wallet: %v", err)
		}
	}
	if err := svc.SaveWallet(); err != nil {
		log.Printf("Warning: failed to persist wallet after sync: %v", err)
	}
	defer svc.StopService()

	r := api.SetupRouter(svc, dbConn, wsHub, api.RouterConfig{
		AuthToken:      os.Getenv("API_AUTH_TOKEN"),
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
	})

	port := getEnvOrDefault("PORT", "5340")
	log.Printf("Wallet daemon running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func configFromEnv() *config.Config {
	cfg := config.Default()
	cfg.Network = getEnvOrDefault("WALLET_NETWORK", cfg.Network)
	cfg.Policy.MergeAlgorithm = getEnvOrDefault("MERGE_ALGORITHM", cfg.Policy.MergeAlgorithm)
	cfg.Policy.TxFees = envInt64("TX_FEES", cfg.Policy.TxFees)
	cfg.Policy.AbsurdFeePerKB = envInt64("ABSURD_FEE_PER_KB", cfg.Policy.AbsurdFeePerKB)
	cfg.Policy.MaxSatsFreezeReuse = envInt64("MAX_SATS_FREEZE_REUSE", cfg.Policy.MaxSatsFreezeReuse)
	cfg.GapLimit = int(envInt64("GAP_LIMIT", int64(cfg.GapLimit)))
	return cfg
}

// openOrCreateWallet loads the wallet file, initializing a fresh wallet
// with generated entropy when the file does not exist yet.
func openOrCreateWallet(path string, cfg *config.Config) (*wallet.Wallet, error) {
	opts := wallet.Options{
		GapLimit:       cfg.GapLimit,
		MergeAlgorithm: cfg.Policy.MergeAlgorithm,
	}
	if _, err := os.Stat(path); err == nil {
		storage, err := wallet.OpenStorage(path, false)
		if err != nil {
			return nil, err
		}
		return wallet.OpenWallet(storage, opts)
	}

	log.Printf("Wallet file %s not found, creating a new wallet", path)
	storage, err := wallet.CreateStorage(path)
	if err != nil {
		return nil, err
	}
	walletType := wallet.TypeP2WPKH
	switch getEnvOrDefault("WALLET_TYPE", "p2wpkh") {
	case "p2pkh":
		walletType = wallet.TypeP2PKH
	case "p2sh-p2wpkh":
		walletType = wallet.TypeP2SHP2WPKH
	}
	maxMixdepth := uint32(envInt64("MAX_MIXDEPTH", 4))
	if err := wallet.InitializeStorage(storage, cfg.Network, walletType, maxMixdepth, nil, nil, ""); err != nil {
		return nil, err
	}
	return wallet.OpenWallet(storage, opts)
}

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set.", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
		log.Fatalf("FATAL: environment variable %s must be an integer, got %q", key, os.Getenv(key))
	}
	return fallback
}
