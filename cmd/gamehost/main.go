package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agent-racer/gamehost/internal/auth"
	"github.com/agent-racer/gamehost/internal/config"
	"github.com/agent-racer/gamehost/internal/metrics"
	"github.com/agent-racer/gamehost/internal/portpool"
	"github.com/agent-racer/gamehost/internal/process"
	"github.com/agent-racer/gamehost/internal/results"
	"github.com/agent-racer/gamehost/internal/session"
	"github.com/agent-racer/gamehost/internal/ws"
)

func main() {
	configPath := pflag.String("config", "gamehost.yaml", "Path to config file")
	port := pflag.Int("port", 0, "Override server port")
	dev := pflag.Bool("dev", false, "Development logging")
	mintToken := pflag.String("mint-token", "", "Print a participant token for the given user id and exit")
	tokenTTL := pflag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens printed by --mint-token")
	pflag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalw("failed to load config", "path", *configPath, "error", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalw("invalid auth settings", "error", err)
	}
	if *mintToken != "" {
		token, err := tokens.Mint(*mintToken, *tokenTTL)
		if err != nil {
			log.Fatalw("minting token", "error", err)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, tokens, log); err != nil {
		log.Fatalw("server error", "error", err)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, tokens *auth.Tokens, log *zap.SugaredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pools, err := portpool.New(cfg.PortRanges())
	if err != nil {
		return err
	}
	for name := range cfg.Ports {
		metrics.WatchPorts(reg, name, func() int { return pools.InUse(name) })
	}

	hub := ws.NewHub(log)
	svc, err := session.New(cfg.Session, cfg.SessionOptions(), session.Deps{
		Transport: hub,
		Users:     tokens,
		Ports:     pools,
		Launcher:  process.NewSupervisor(log),
		P2P:       tokens,
		Results:   results.NewAggregator(log),
		Observer:  m,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	server := ws.NewServer(svc, hub, m, reg, cfg.Server.AllowedOrigins, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("session loop stopped", "error", err)
		}
	}()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", addr, "public", cfg.Session.Public, "players", cfg.Session.UserIDs)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			svc.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
		log.Infow("shutting down")
	case <-svc.Done():
		log.Infow("game session ended")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	svc.Shutdown(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}
