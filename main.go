package main

import (
	"context"
	"crypto/sha256"
	"log"
	"os/signal"
	"syscall"
	"time"

	"tradebot-core/internal/api"
	"tradebot-core/internal/bot"
	"tradebot-core/internal/events"
	"tradebot-core/internal/ledger"
	"tradebot-core/internal/monitor"
	"tradebot-core/internal/order"
	"tradebot-core/internal/registry"
	"tradebot-core/pkg/config"
	"tradebot-core/pkg/crypto"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("tradebot-core starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer database.Close()

	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	queries := database.Queries()

	encryptor, err := crypto.NewEncryptor(credentialKey(cfg), 1)
	if err != nil {
		log.Fatalf("encryptor: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	factory := exchanges.NewFactory(cfg, database, encryptor)
	defer factory.Close()

	ldg := ledger.New(queries)
	positions := ledger.NewPositions(queries)
	executor := order.NewExecutor(ldg, positions, queries, bus)
	executor.VerifyVenueBalance = !cfg.PaperOnly

	var model *bot.ModelClient
	if cfg.ModelServiceURL != "" {
		model = bot.NewModelClient(cfg.ModelServiceURL)
	}
	reg := registry.New(factory, executor, positions, queries, bus, model)

	mon := monitor.New()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mon.Run(rootCtx, bus)
	go ledger.NewReconciler(queries).Run(rootCtx)

	if n, err := bot.SyncPresets(rootCtx, queries, cfg.BotsConfigPath); err != nil {
		log.Printf("presets: %v", err)
	} else if n > 0 {
		log.Printf("presets: synced %d bot definitions", n)
	}
	reg.ResumeAutoStart(rootCtx)

	server := api.NewServer(":"+cfg.Port, api.NewAuth(cfg.JWTSecret), queries, reg, encryptor, mon)
	go func() {
		if err := server.Run(); err != nil {
			log.Printf("api: server error: %v", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	reg.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("api: shutdown: %v", err)
	}
	log.Println("tradebot-core stopped")
}

// credentialKey derives the 32-byte AES key. An unset CREDENTIAL_KEY falls
// back to a key derived from the JWT secret; fine for development, and the
// log line makes sure nobody ships it.
func credentialKey(cfg *config.Config) []byte {
	raw := cfg.CredentialKey
	if raw == "" {
		log.Println("WARNING: CREDENTIAL_KEY not set, deriving development key from JWT secret")
		raw = cfg.JWTSecret
	}
	if len(raw) == crypto.KeySize {
		return []byte(raw)
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}
