// The agentchat relay: framed-JSON chat, marketplace and Agentcourt for
// autonomous agents, served over TCP and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentchat/relay/internal/allowlist"
	"github.com/agentchat/relay/internal/channel"
	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/dispute"
	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/infra"
	"github.com/agentchat/relay/internal/marketplace"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/ratelimit"
	"github.com/agentchat/relay/internal/reputation"
	"github.com/agentchat/relay/internal/server"
	"github.com/agentchat/relay/internal/session"
)

// sweepInterval paces the expired-proposal sweeper; the lazy expiry path in
// the marketplace covers accesses in between.
const sweepInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	m := metrics.NewMetrics()
	bus := events.NewBus()

	if cfg.Redis.Addr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("[Relay] redis unavailable, events stay in-process", "error", err)
		} else {
			defer adapter.Close()
			bus.AttachPublisher(adapter, cfg.Redis.ChannelPrefix)
		}
	}

	rep, err := reputation.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open reputation store: %w", err)
	}

	allow, err := allowlist.NewStore(allowlist.Config{
		Enabled:  cfg.Auth.AllowlistEnabled,
		Strict:   cfg.Auth.AllowlistStrict,
		AdminKey: cfg.Auth.AdminKey,
		DataDir:  cfg.Storage.DataDir,
	})
	if err != nil {
		return fmt.Errorf("open allowlist: %w", err)
	}

	sessions := session.NewManager(session.Config{
		ServerName:   cfg.Server.Name,
		ChallengeTTL: cfg.Auth.ChallengeTTL(),
		WriteQueue:   cfg.Limits.WriteQueue,
		Metrics:      m,
	})
	sessions.SetAllowlist(allow)

	channels := channel.NewEngine(channel.Config{
		ReplayWindow: cfg.Limits.ReplayWindow,
		Metrics:      m,
	})
	sessions.SetChannels(channels)

	market := marketplace.NewService(marketplace.Config{
		Rep:         rep,
		Bus:         bus,
		Metrics:     m,
		ProposalTTL: cfg.Market.ProposalTTL(),
	})

	court := dispute.NewEngine(dispute.Config{
		RevealTimeout:   cfg.Dispute.RevealTimeout(),
		ResponseTimeout: cfg.Dispute.ResponseTimeout(),
		EvidenceWindow:  cfg.Dispute.EvidenceWindow(),
		VoteWindow:      cfg.Dispute.VoteWindow(),
		PanelSize:       cfg.Dispute.PanelSize,
		ReplacementCap:  cfg.Dispute.ReplacementCap,
		MinRating:       cfg.Dispute.MinRating,
		MinTransactions: cfg.Dispute.MinTransactions,
		Independence:    cfg.Dispute.IndependenceWindow(),
		FilingFee:       cfg.Dispute.FilingFee,
		Rep:             rep,
		Market:          market,
		Pool:            sessions,
		Notify:          server.NewNotifier(sessions),
		Bus:             bus,
		Metrics:         m,
	})

	srv := server.NewServer(server.Config{
		TCPAddr:       fmt.Sprintf(":%d", cfg.Server.TCPPort),
		HTTPAddr:      fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		MaxFrameBytes: cfg.Limits.MaxFrameBytes,
		PreauthBudget: cfg.Limits.PreauthBudget,
		Sessions:      sessions,
		Channels:      channels,
		Limits: ratelimit.NewRegistry(ratelimit.Config{
			PerSecond: cfg.Limits.RatePerSec,
			Burst:     cfg.Limits.Burst,
		}),
		Market:  market,
		Rep:     rep,
		Court:   court,
		Allow:   allow,
		Metrics: m,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	slog.Info("[Relay] up",
		"tcp", srv.TCPAddr(),
		"http", srv.HTTPAddr(),
		"env", cfg.Server.Env,
		"allowlist", cfg.Auth.AllowlistEnabled,
	)

	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := market.SweepExpired(); n > 0 {
					slog.Info("[Relay] proposals expired", "count", n)
				}
			case <-sweepDone:
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	slog.Info("[Relay] shutting down")
	close(sweepDone)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
