package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/arcfence/controlplane/internal/banqueue"
	"github.com/arcfence/controlplane/internal/bansync"
	"github.com/arcfence/controlplane/internal/broadcaster"
	"github.com/arcfence/controlplane/internal/certorch"
	"github.com/arcfence/controlplane/internal/config"
	"github.com/arcfence/controlplane/internal/credcrypto"
	"github.com/arcfence/controlplane/internal/detection"
	"github.com/arcfence/controlplane/internal/nginxops"
	"github.com/arcfence/controlplane/internal/providers"
	"github.com/arcfence/controlplane/internal/reconciler"
	"github.com/arcfence/controlplane/internal/reloadmgr"
	"github.com/arcfence/controlplane/internal/scheduler"
	"github.com/arcfence/controlplane/internal/statscache"
	"github.com/arcfence/controlplane/internal/store"
	"github.com/arcfence/controlplane/internal/wafingest"
)

func main() {
	cfg := config.Load()

	s, err := store.Connect(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	if err := s.EnsureDefaults(); err != nil {
		log.Printf("Warning: failed to seed default settings: %v", err)
	}

	for _, dir := range []string{cfg.NginxConfDir, cfg.NginxModulesDir, cfg.NginxModsecDir, cfg.SSLDir, cfg.LetsEncryptDir, cfg.CertbotCredsDir, cfg.ErrorPagesDir, cfg.ACMEWebrootDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create data directory %s: %v", dir, err)
		}
	}

	var ops nginxops.Ops
	if cfg.NginxMode == "signal" {
		ops = nginxops.NewSignalFile(cfg.SignalFilePath, cfg.TestResultPath, cfg.ReloadResultPath, cfg.SignalPollEvery, cfg.NginxOpTimeout)
	} else {
		ops = nginxops.NewDirect(cfg.NginxBinary, cfg.NginxOpTimeout)
	}

	reloadMgr := reloadmgr.New(ops, cfg.NginxOpTimeout)
	reloadMgr.Start()

	recon := reconciler.New(s, cfg.NginxConfDir, reloadMgr)

	certCipher := credcrypto.New(cfg.JWTSecret, credcrypto.DomainCert)
	orchestrator := certorch.New(s, recon, certCipher, cfg.ACMEBinary, cfg.ACMETimeout, cfg.ACMEWebrootDir, cfg.LetsEncryptDir, cfg.SSLDir, cfg.CertbotCredsDir)

	bcast := broadcaster.New()
	bcast.Start()

	engine := detection.New(s)

	registry := providers.NewRegistry()
	registerProviders(s, registry, certCipher)

	banQueue := banqueue.New(s, registry, nil)
	banQueue.Start()

	syncer := bansync.New(s, registry, banQueue, engine, 5*time.Minute, nil)
	syncer.Start()

	ingestor, err := wafingest.New(s, bcast, engine, banQueue, cfg.WAFAuditLogPaths, nil)
	if err != nil {
		log.Fatalf("Failed to construct WAF ingestor: %v", err)
	}
	if err := ingestor.Start(context.Background()); err != nil {
		log.Printf("Warning: WAF ingestor failed to start: %v", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	}
	statsCache := statscache.New(s, rdb, time.Minute)

	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		CertRenewer:  orchestrator,
		BanQueue:     banQueue,
		Engine:       engine,
		Backfiller:   ingestor,
		BanSyncer:    syncer,
		StatsCache: statsCache,
		SweepExpired: func(bq detection.BanQueue) (int, error) {
			return detection.SweepExpired(s, bq)
		},
	}, nil)
	sched.Start()

	app := newAPI(s, bcast, reloadMgr, recon, statsCache, cfg.ACMEWebrootDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Shutting down control plane...")
		ingestor.Stop()
		sched.Stop()
		syncer.Stop()
		banQueue.Stop()
		bcast.Stop()
		reloadMgr.Stop()
		app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting controlplane API on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// registerProviders loads every enabled BanIntegration row and constructs
// the matching providers.Provider for it, decrypting its Credential (if
// any) via cipher. Integrations with an unrecognized Type or a malformed
// config/credential payload are logged and skipped, not fatal.
func registerProviders(s *store.Store, registry *providers.Registry, cipher *credcrypto.Cipher) {
	var integrations []store.BanIntegration
	if err := s.DB.Where("enabled = ?", true).Find(&integrations).Error; err != nil {
		log.Printf("Warning: failed to load ban integrations: %v", err)
		return
	}

	for _, integ := range integrations {
		cfgMap := map[string]string{}
		if integ.ConfigJSON != "" {
			if err := json.Unmarshal([]byte(integ.ConfigJSON), &cfgMap); err != nil {
				log.Printf("Warning: integration %s (%s) has malformed config_json: %v", integ.Name, integ.Type, err)
				continue
			}
		}

		creds := map[string]string{}
		if integ.CredentialID != nil {
			var cred store.Credential
			if err := s.DB.First(&cred, *integ.CredentialID).Error; err != nil {
				log.Printf("Warning: integration %s references missing credential %d: %v", integ.Name, *integ.CredentialID, err)
				continue
			}
			if err := cipher.DecryptJSON(cred.CredentialsEncrypted, &creds); err != nil {
				log.Printf("Warning: integration %s credential decryption failed: %v", integ.Name, err)
				continue
			}
		}

		provider, err := buildProvider(integ.Type, cfgMap, creds)
		if err != nil {
			log.Printf("Warning: skipping integration %s: %v", integ.Name, err)
			continue
		}
		registry.Register(integ.ID, provider)
	}
}

func buildProvider(providerType string, cfgMap, creds map[string]string) (providers.Provider, error) {
	switch providerType {
	case "unifi":
		return providers.NewUniFi(cfgMap["base_url"], creds["api_key"], cfgMap["site_id"], cfgMap["group_id"]), nil
	case "firewalld":
		return providers.NewFirewalld(cfgMap["zone"]), nil
	case "ufw":
		return providers.NewUFW(), nil
	case "ipset":
		return providers.NewIPSet(cfgMap["set_name"]), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}
}

func newAPI(s *store.Store, bcast *broadcaster.Broadcaster, reloadMgr *reloadmgr.Manager, recon *reconciler.Reconciler, statsCache *statscache.Cache, acmeWebrootDir string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "controlplane",
		ServerHeader: "controlplane",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"success": false, "message": err.Error()})
		},
	})

	app.Use(recover.New())
	app.Use(compress.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "controlplane"})
	})

	app.Static("/.well-known/acme-challenge", acmeWebrootDir+"/.well-known/acme-challenge")

	internalGroup := app.Group("/internal")

	internalGroup.Post("/reload/:id?", func(c *fiber.Ctx) error {
		id := reloadMgr.QueueReload()
		return c.JSON(fiber.Map{"reload_id": id})
	})

	internalGroup.Get("/reload/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseUint(c.Params("id"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid reload id")
		}
		status, ok := reloadMgr.GetReloadStatus(id)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown reload id")
		}
		return c.JSON(status)
	})

	internalGroup.Post("/reconcile/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseUint(c.Params("id"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid proxy id")
		}
		if err := recon.Reconcile(uint(id)); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"success": true})
	})

	internalGroup.Get("/stats/:range", func(c *fiber.Ctx) error {
		r := statscache.Range(c.Params("range"))
		stats, err := statsCache.Get(c.Context(), r, statscache.Options{})
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(stats)
	})

	internalGroup.Get("/events", func(c *fiber.Ctx) error {
		id, ch := bcast.Subscribe([]broadcaster.Topic{broadcaster.TopicWAF, broadcaster.TopicBan})

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer bcast.Unsubscribe(id)
			for payload := range ch {
				data, err := json.Marshal(payload)
				if err != nil {
					continue
				}
				if _, err := w.Write([]byte("data: ")); err != nil {
					return
				}
				if _, err := w.Write(data); err != nil {
					return
				}
				if _, err := w.Write([]byte("\n\n")); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
		return nil
	})

	return app
}
