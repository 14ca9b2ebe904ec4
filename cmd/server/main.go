package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/callroom/internal/bus"
	"github.com/christopherjohns/callroom/internal/config"
	"github.com/christopherjohns/callroom/internal/gate"
	"github.com/christopherjohns/callroom/internal/identity"
	"github.com/christopherjohns/callroom/internal/ratelimit"
	"github.com/christopherjohns/callroom/internal/room"
	"github.com/christopherjohns/callroom/internal/server"
	"github.com/christopherjohns/callroom/internal/session"
	"github.com/christopherjohns/callroom/internal/ws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("failed to load config")
	}
	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(cfg.Log.ZerologLevel())
	gin.SetMode(cfg.GinMode)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Fatal().Str("module", "main").Str("addr", cfg.Redis.Addr()).Err(err).Msg("failed to connect to redis")
	}
	log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr()).Msg("connected to redis")

	var b bus.Bus
	switch cfg.Bus {
	case config.BusRedis:
		b = bus.NewRedis(rdb)
	case config.BusNATS:
		nb, err := bus.NewNATS(cfg.NATSURL)
		if err != nil {
			log.Fatal().Str("module", "main").Err(err).Msg("failed to connect to nats")
		}
		b = nb
	}
	var hubOpts []ws.HubOption
	if b != nil {
		defer b.Close()
		hubOpts = append(hubOpts, ws.WithBus(b))
	} else {
		log.Warn().Str("module", "main").Msg("no bus configured, running as a single replica")
	}

	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.Conn.MaxConns),
		ws.WithIdleTimeout(cfg.Conn.IdleTimeout),
	)
	hubOpts = append(hubOpts, ws.WithConnManager(conns))
	hub := ws.NewHub(hubOpts...)

	store := session.NewRedisStore(rdb, session.WithRetention(cfg.RoomRetention))
	coord := room.NewCoordinator(store, hub)
	gk := gate.New(identity.NewClient(cfg.Heimdall.Endpoint, identity.WithTimeout(cfg.Heimdall.Timeout)), store)

	handlerOpts := []ws.HandlerOption{ws.WithReadLimit(cfg.Conn.ReadLimit)}
	if cfg.Limits.Handshake > 0 {
		handlerOpts = append(handlerOpts, ws.WithHandshakeLimiter(
			ratelimit.NewSlidingWindow(rdb, "handshake", cfg.Limits.Handshake, time.Minute)))
	}
	if cfg.Limits.Signal > 0 {
		handlerOpts = append(handlerOpts, ws.WithSignalLimiter(ratelimit.NewWindow(cfg.Limits.Signal, time.Minute)))
	}
	if len(cfg.AllowedOrigins) > 0 {
		handlerOpts = append(handlerOpts, ws.WithOriginPatterns(cfg.AllowedOrigins...))
	}

	srv := server.New(cfg.Addr(),
		server.WithSocket(ws.NewHandler(hub, gk, coord, handlerOpts...)),
		server.WithRooms(store),
		server.WithConnManager(conns),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	log.Info().Str("module", "main").Str("addr", cfg.Addr()).Str("bus", cfg.Bus).Msg("callroom started")
	if err := g.Wait(); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Str("module", "main").Msg("server exited gracefully")
}
