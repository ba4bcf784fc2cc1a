package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"inkwell/sync/internal/app"
	"inkwell/sync/internal/assistant"
	"inkwell/sync/internal/config"
	"inkwell/sync/internal/draftcache"
	"inkwell/sync/internal/gateway"
	"inkwell/sync/internal/revision"
	"inkwell/sync/internal/search"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var gw gateway.PersistenceGateway
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		log.Printf("Using direct Postgres gateway")
		db, err := gateway.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		gw = gateway.NewPostgresGateway(db)
	} else {
		log.Printf("Using hosted gateway at %s", cfg.GatewayURL)
		gw = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayToken)
	}

	service := app.New(cfg, gw)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		stash, err := draftcache.NewRedisStash(cfg.RedisURL, cfg.DraftTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer stash.Close()
		service.SetDraftStash(stash)
	}

	if strings.TrimSpace(cfg.RevisionsDir) != "" {
		if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
			log.Fatalf("failed to create revisions dir: %v", err)
		}
		service.SetArchiver(revision.New(cfg.RevisionsDir))
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	service.SetSearch(search.NewService(meiliClient, search.NewMemory()))

	assistantCfg := assistant.DefaultConfig()
	assistantCfg.APIKey = cfg.AssistantAPIKey
	if cfg.AssistantModel != "" {
		assistantCfg.Model = cfg.AssistantModel
	}
	if client, err := assistant.New(assistantCfg); err != nil {
		log.Printf("WARNING: assistant disabled: %v", err)
	} else {
		service.SetAssistant(client)
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	log.Printf("inkwell sync core ready (project %s, session %s)", cfg.ProjectID, cfg.SessionID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := service.Close(); err != nil {
		log.Printf("shutdown save error: %v", err)
	}
}
