// syncd is the field-device sync daemon: it keeps the local Odoo record
// cache warm, replays offline writes, and serves the loopback control
// API used by the UI shell and fieldctl.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldlink/odoofield/internal/bus"
	"github.com/fieldlink/odoofield/internal/cachestore"
	"github.com/fieldlink/odoofield/internal/config"
	"github.com/fieldlink/odoofield/internal/connectivity"
	"github.com/fieldlink/odoofield/internal/credentials"
	"github.com/fieldlink/odoofield/internal/database"
	"github.com/fieldlink/odoofield/internal/entitycache"
	"github.com/fieldlink/odoofield/internal/httpapi"
	"github.com/fieldlink/odoofield/internal/models"
	"github.com/fieldlink/odoofield/internal/odoo"
	"github.com/fieldlink/odoofield/internal/queue"
	"github.com/fieldlink/odoofield/internal/scheduler"
	"github.com/fieldlink/odoofield/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open local store: %v", err)
	}
	defer db.Close()

	deviceID, err := utils.LoadOrCreateDeviceID(cfg.DataDir)
	if err != nil {
		log.Fatalf("❌ Failed to resolve device id: %v", err)
	}
	log.Printf("🚀 odoofield syncd starting (device %s, env %s)", deviceID, cfg.NodeEnv)

	settings := config.LoadSyncSettingsFile()

	storeOpts := []cachestore.Option{
		// Scheduler bookkeeping and credentials must survive any TTL.
		cachestore.WithMaxAge("sync/", 0),
		cachestore.WithMaxAge("credentials/", 0),
	}
	for _, desc := range entitycache.DefaultDescriptors() {
		storeOpts = append(storeOpts, cachestore.WithMaxAge(desc.Name+"/", desc.MaxAge))
	}
	if cfg.Crypto.Passphrase != "" {
		cipher, err := utils.NewCipher(cfg.Crypto.Passphrase, cfg.Crypto.Salt)
		if err != nil {
			log.Fatalf("❌ Failed to initialize cache encryption: %v", err)
		}
		storeOpts = append(storeOpts, cachestore.WithCipher(cipher))
		log.Printf("🔐 Cache payload encryption enabled")
	}

	store, err := cachestore.New(db.DB, storeOpts...)
	if err != nil {
		log.Fatalf("❌ Failed to open cache store: %v", err)
	}

	q, err := queue.New(db.DB)
	if err != nil {
		log.Fatalf("❌ Failed to open offline queue: %v", err)
	}

	var transport odoo.Transport
	switch cfg.Server.Transport {
	case "xmlrpc":
		transport = odoo.NewXMLRPCTransport(cfg.Server.URL, cfg.Server.Database,
			cfg.Server.Username, cfg.Server.Password)
		log.Printf("🔌 Using XML-RPC transport against %s", cfg.Server.URL)
	default:
		creds := credentials.NewOAuthProvider(cfg.Server.TokenURL, cfg.Server.ClientID,
			cfg.Server.RefreshToken, store)
		transport = odoo.NewJSONRPCTransport(cfg.Server.URL, creds, deviceID)
		log.Printf("🔌 Using JSON-RPC transport against %s", cfg.Server.URL)
	}

	gw := odoo.NewGateway(transport,
		odoo.WithTimeouts(cfg.Server.Timeout, cfg.Server.BulkTimeout))

	monitor := connectivity.New(cfg.Server.URL+"/web/health", cfg.Server.ProbeInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The managers read live settings through the scheduler, which is
	// built after them; the indirection closes the cycle.
	var sched *scheduler.Scheduler
	preferBulk := func() bool {
		if sched == nil {
			return settings.PreferBulkFetch
		}
		return sched.Settings().PreferBulkFetch
	}

	var managers []*entitycache.Manager
	for _, desc := range entitycache.DefaultDescriptors() {
		managers = append(managers, entitycache.NewManager(desc, store, gw, q, monitor.IsOnline, preferBulk))
	}

	sched = scheduler.New(store, gw, q, monitor, managers, settings)

	monitor.Start(ctx)
	sched.Initialize(ctx)
	defer sched.Cleanup()
	defer monitor.Stop()

	var busListener *bus.Listener
	if cfg.Server.BusEnabled {
		busListener = bus.New(cfg.Server.URL, []string{"res.partner", "discuss.channel", "mail.message", "helpdesk.ticket"}, func() {
			go sched.SyncNow(ctx, models.SyncModeIncremental)
		})
		busListener.Start(ctx)
		defer busListener.Stop()
	}

	api := httpapi.New(cfg.ListenAddr, sched, q, monitor, managers)
	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("❌ Control API failed: %v", err)
		}
	}()

	// First pass as soon as connectivity is confirmed; OnChange fires it.
	go sched.SyncIfNeeded(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("🛑 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Control API shutdown: %v", err)
	}
	cancel()
}
