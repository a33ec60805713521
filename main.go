package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Saidiibrahim/maze-escape/config"
	"github.com/Saidiibrahim/maze-escape/server"
	ws "github.com/Saidiibrahim/maze-escape/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		slog.Error("listen error", "addr", cfg.Addr(), "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, ln); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// run serves on ln until ctx is done, then drains every session before
// stopping the HTTP server.
func run(ctx context.Context, cfg config.Config, ln net.Listener) error {
	if err := cfg.Validate(); err != nil {
		ln.Close()
		return fmt.Errorf("invalid config: %w", err)
	}
	srv := server.New(cfg)
	go srv.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{Handler: newRouter(srv, cfg)}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"addr", ln.Addr().String(),
			"maxConnections", cfg.MaxConnections,
			"maxRooms", cfg.MaxRooms,
			"maxPlayersPerRoom", cfg.MaxPlayersPerRoom,
		)
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("server shutting down", "stats", srv.Stats())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("sessions did not drain", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func setupLogger(logLevel string) {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func newRouter(srv *server.Server, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	r.Use(cors.New(corsConfig))

	var throttle *rate.Limiter
	if cfg.AcceptRate > 0 {
		throttle = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	r.GET("/ws", gin.WrapF(ws.Handler(srv, ws.HandlerOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		Throttle:       throttle,
	})))
	r.GET("/health", healthHandler)
	r.GET("/stats", statsHandler(srv))

	return r
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func statsHandler(srv *server.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Stats())
	}
}
