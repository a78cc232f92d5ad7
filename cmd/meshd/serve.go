package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/interplaynetary/mesh/internal/dup"
	"github.com/interplaynetary/mesh/internal/metrics"
	"github.com/interplaynetary/mesh/internal/ratelimit"
	"github.com/interplaynetary/mesh/internal/store"
	"github.com/interplaynetary/mesh/internal/transport"
	"github.com/interplaynetary/mesh/internal/wire"
	"github.com/interplaynetary/mesh/internal/xor"
	"github.com/interplaynetary/mesh/pkg/config"
	"github.com/interplaynetary/mesh/pkg/radisk"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "join the mesh and serve wire traffic until interrupted",
		RunE:  runServe,
	}
	cmd.Flags().String("env", "", "environment name, merges <env>.yaml over mesh.yaml")
	cmd.Flags().String("self-id", "", "overrides network.self_id")
	return cmd
}

// runServe wires every collaborator (disk store, dedup set, finger table,
// rate limiter, metrics, transport) into one Wire instance and runs it to
// completion: configuration and collaborator construction happen once,
// then the node runs until a termination signal arrives.
func runServe(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	env, _ := cmd.Flags().GetString("env")
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if selfID, _ := cmd.Flags().GetString("self-id"); selfID != "" {
		cfg.Network.SelfID = selfID
	}
	if cfg.Network.SelfID == "" {
		return fmt.Errorf("network.self_id is required")
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lv)
	}

	disk, err := radisk.Open(radisk.Options{
		Dir:    cfg.Store.File,
		Size:   cfg.Store.Size,
		Batch:  cfg.Store.Batch,
		Write:  cfg.WriteInterval(),
		Cache:  cfg.Store.Cache,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer disk.Close()

	st := store.New(disk)
	dupSet := dup.New(cfg.DupMaxAge(), 0)
	fingerTable := xor.New(cfg.Network.SelfID)
	rateLimiter := ratelimit.New()
	defer rateLimiter.Close()

	w := wire.New(wire.Config{
		SelfID:         cfg.Network.SelfID,
		MaxQueueLength: cfg.Wire.MaxQueueLength,
		Secure:         cfg.Wire.Secure,
		Wait:           cfg.Wait(),
	}, st, fingerTable, rateLimiter, dupSet, nil, log)

	rep := metrics.New(metrics.Sources{
		SoulCount:     w.SoulCount,
		PeerCount:     w.PeerCount,
		QueueDepth:    w.QueueDepth,
		DeferredCount: w.DeferredCount,
		DupTracked:    w.DupTracked,
	}, log)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.Network.Server {
		srv := transport.NewWSServer(log)
		w.AttachServer(srv)
		addr := fmt.Sprintf(":%d", cfg.Network.Port)
		if err := srv.Start(ctx, addr); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		defer srv.Stop()
		log.WithField("addr", addr).Info("meshd: listening")
	}

	for _, peerAddr := range cfg.Network.Peers {
		c := transport.NewWSClient(log)
		if err := c.Connect(ctx, peerAddr); err != nil {
			log.WithError(err).WithField("peer", peerAddr).Warn("meshd: initial peer dial failed, will not retry")
			continue
		}
		w.AddClient(peerAddr, c)
		if err := fingerTable.AddPeer(peerAddr); err != nil {
			log.WithError(err).WithField("peer", peerAddr).Warn("meshd: add peer to finger table")
		}
	}

	var metricsServer *http.Server
	if cfg.Network.MetricsListen != "" {
		metricsServer = rep.StartServer(cfg.Network.MetricsListen)
		log.WithField("addr", cfg.Network.MetricsListen).Info("meshd: metrics listening")
	}

	go rep.Run(ctx, 5*time.Second)
	go w.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("meshd: shutting down")
	case <-ctx.Done():
	}

	cancel()
	w.Close()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
