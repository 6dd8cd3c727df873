package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lokalkasir/terminal/internal/auth"
	"lokalkasir/terminal/internal/cart"
	"lokalkasir/terminal/internal/cashbox"
	"lokalkasir/terminal/internal/config"
	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/events"
	"lokalkasir/terminal/internal/products"
	"lokalkasir/terminal/internal/queue"
	"lokalkasir/terminal/internal/remote"
	remotememory "lokalkasir/terminal/internal/remote/memory"
	pgremote "lokalkasir/terminal/internal/remote/postgres"
	"lokalkasir/terminal/internal/remote/redisdoc"
	"lokalkasir/terminal/internal/schedule"
	"lokalkasir/terminal/internal/store"
	storememory "lokalkasir/terminal/internal/store/memory"
	"lokalkasir/terminal/internal/store/sqlite"
	syncengine "lokalkasir/terminal/internal/sync"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	limits := store.Limits{
		Cap:               cfg.CollectionCap,
		ClearanceMargin:   cfg.EvictionMargin,
		LargePayloadBytes: store.DefaultLimits().LargePayloadBytes,
	}
	var local store.Store
	if cfg.DataPath != "" {
		st, err := sqlite.New(ctx, cfg.DataPath, limits)
		if err != nil {
			log.Fatalf("local store unavailable: %v", err)
		}
		local = st
		log.Printf("local store: sqlite at %s", cfg.DataPath)
	} else {
		local = storememory.New(limits)
		log.Println("local store: in-memory")
	}
	closers = append(closers, local.Close)

	var rem remote.Store
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgremote.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start detached", err)
		}
		rem = pg
		log.Println("remote store: postgres")
	case cfg.RedisAddr != "":
		rd, err := redisdoc.New(ctx, redisdoc.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Fatalf("redis unavailable (%v) and REDIS_ADDR is set; refusing to start detached", err)
		}
		rem = rd
		log.Println("remote store: redis")
	default:
		rem = remotememory.New()
		log.Println("remote store: in-memory (standalone mode, nothing leaves this terminal)")
	}
	closers = append(closers, rem.Close)

	bus := events.NewBus()
	unsubscribe := bus.Subscribe(func(evt events.Event) {
		switch evt.Type {
		case events.SyncError:
			log.Printf("[events] WARN: %s: %v", evt.Type, evt.Payload)
		case events.StockLow:
			if low, ok := evt.Payload.([]domain.Product); ok {
				for _, p := range low {
					log.Printf("[stock] WARN: %s (%s) down to %d", p.Name, p.ID, p.Stock)
				}
			}
		case events.CartUpdated:
		default:
			log.Printf("[events] %s", evt.Type)
		}
	})
	defer unsubscribe()

	clock := store.NewClock()
	q := queue.New(local, rem, clock, queue.Config{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: time.Duration(cfg.RetryInitialSeconds) * time.Second,
		MaxDelay:     time.Duration(cfg.RetryMaxSeconds) * time.Second,
	})

	cache := products.NewCache(0)
	engine := syncengine.NewEngine(local, rem, q, bus, cache, clock, syncengine.Config{
		PageSize:          cfg.SyncPageSize,
		LowStockThreshold: cfg.LowStockThreshold,
	})
	defer engine.Close()

	authm := auth.NewManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.SupervisorPIN)

	carts := cart.NewManager(local, q, bus, cache, clock, authm, cart.Config{
		TerminalID:             cfg.TerminalID,
		TaxRatePercent:         cfg.TaxRatePercent,
		MaxGlobalDiscountCents: cfg.MaxGlobalDiscountCents,
		HoldTimeout:            time.Duration(cfg.HoldTimeoutMinutes) * time.Minute,
	})
	// Each operator change starts a clean cart for the session.
	cancelAuth := authm.OnAuthChange(func(actor domain.Actor) {
		if actor.ID != "" {
			carts.NewCart()
		}
	})
	defer cancelAuth()

	boxes := cashbox.NewManager(local, q, bus, clock, authm, cashbox.Config{
		TerminalID:               cfg.TerminalID,
		DifferenceThresholdCents: cfg.DifferenceThresholdCents,
	})

	daily := schedule.EveryMidnight(func() {
		closeCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if _, err := boxes.AutoClose(closeCtx); err != nil {
			log.Printf("[cashbox] WARN: auto-close failed: %v", err)
		}
	})
	defer daily.Stop()

	engine.SetOnline(true)
	if err := engine.WatchRemote(); err != nil {
		log.Printf("[sync] WARN: remote watch unavailable: %v", err)
	}

	ticker := time.NewTicker(time.Duration(cfg.SyncIntervalSeconds) * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			syncCtx, done := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := engine.Sync(syncCtx); err != nil {
				log.Printf("[sync] WARN: periodic cycle: %v", err)
			}
			done()
		}
	}()

	log.Printf("terminal %s ready (store %s)", cfg.TerminalID, cfg.StoreID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}
	log.Println("terminal stopped")
}
