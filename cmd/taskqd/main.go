package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/taskqd/taskqd/internal/core"
	"github.com/taskqd/taskqd/internal/httpapi"
	"github.com/taskqd/taskqd/internal/ipc"
	"github.com/taskqd/taskqd/internal/plugin"
	"github.com/taskqd/taskqd/internal/settings"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/user"
	"github.com/taskqd/taskqd/pkg/config"
	"github.com/taskqd/taskqd/pkg/database"
	"github.com/taskqd/taskqd/pkg/logger"
	"github.com/taskqd/taskqd/pkg/sysinfo"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadWithValidation("taskqd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("taskqd", cfg.Server.Environment)
	log.Info().Str("version", version).Msg("starting taskqd")

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	st := store.New(db, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare schema")
	}
	adminHash := user.HashPassword(cfg.Administrator.Password, cfg.Administrator.Salt)
	if err := st.EnsureAdministrator(ctx, cfg.Administrator.Username, adminHash, int64(user.SuperAdmin)); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap administrator")
	}

	c := core.New(core.Options{
		Store:      st,
		Host:       sysinfo.Detect(),
		CgroupRoot: cfg.Server.CgroupRoot,
		Salt:       cfg.Administrator.Salt,
		Build:      core.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime},
		Logger:     log,
	})
	c.Load(ctx)
	defer c.Shutdown()

	if url := c.Settings().Get("Plugin.amqp.url"); url != "" {
		sink, err := plugin.NewAMQPSink(url, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect event sink")
		} else {
			defer sink.Close()
			c.Fanout().Register(sink)
		}
	}

	c.Start()

	handler := httpapi.NewRouter(httpapi.NewHandler(c, log), cfg.Server.TokenHeader, log)

	addr := listenAddr(cfg, c)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  serverTimeout(c),
		WriteTimeout: serverTimeout(c),
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("failed to listen")
	}
	if max := maxConnections(c); max > 0 {
		listener = netutil.LimitListener(listener, max)
	}
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	local := ipc.New(cfg.Server.Socket, handler, log)
	go func() {
		if err := local.Serve(); err != nil {
			log.Error().Err(err).Msg("IPC server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := local.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("IPC server forced to shutdown")
	}

	log.Info().Msg("stopped")
}

// listenAddr prefers the persisted ServerAddress/ServerPort settings over
// the static configuration, so the listen endpoint can be changed without
// editing the config file.
func listenAddr(cfg *config.Config, c *core.Core) string {
	address := c.Settings().Get(settings.ServerAddress)
	if address == "" {
		address = cfg.Server.Address
	}

	port := cfg.Server.Port
	if raw := c.Settings().Get(settings.ServerPort); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			port = p
		}
	}
	return fmt.Sprintf("%s:%d", address, port)
}

// maxConnections reads the ServerMaxConnections setting; zero or negative
// leaves the listener unbounded.
func maxConnections(c *core.Core) int {
	raw := c.Settings().Get(settings.ServerMaxConnections)
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// serverTimeout reads the ServerTimeout setting in milliseconds; zero or
// negative means no timeout.
func serverTimeout(c *core.Core) time.Duration {
	raw := c.Settings().Get(settings.ServerTimeout)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
