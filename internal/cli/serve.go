package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/akshayaggarwal99/sandboxd/internal/api"
	"github.com/akshayaggarwal99/sandboxd/internal/config"
	"github.com/akshayaggarwal99/sandboxd/internal/driver/docker"
	"github.com/akshayaggarwal99/sandboxd/internal/identity"
	"github.com/akshayaggarwal99/sandboxd/internal/mcpserver"
	"github.com/akshayaggarwal99/sandboxd/internal/publisher"
	"github.com/akshayaggarwal99/sandboxd/internal/sandbox"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
	"github.com/akshayaggarwal99/sandboxd/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxd server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServer() {
	cfg := config.FromEnv()
	log.Info().Str("listen_addr", cfg.ListenAddr).Str("base_image", cfg.BaseImage).Msg("Starting sandboxd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	st, err := store.Open(cfg.PersistPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.PersistPath).Msg("Failed to open store")
	}
	defer st.Close()

	ident, err := identity.New(st, cfg.SessionSigningKey, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize identity service")
	}

	drv, err := docker.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize docker driver")
	}
	defer drv.Close()

	// Health Check
	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, 5*time.Second)
	if err := drv.Healthy(ctxTimeout); err != nil {
		log.Fatal().Err(err).Msg("Docker health check failed")
	}
	cancelTimeout()

	pub, err := publisher.New(cfg.ResultsRoot, cfg.FileTTL)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.ResultsRoot).Msg("Failed to initialize publisher")
	}

	coord := sandbox.New(drv, st, pub, cfg)
	coord.CleanOrphans(ctx)

	reaper := sandbox.NewReaper(coord, cfg.ReaperInterval, cfg.InactivityThreshold)
	go reaper.Run(ctx)

	surface := tools.New(coord)

	// Init API
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(ident, coord, surface, pub)
	h.RegisterRoutes(e)

	mcp := mcpserver.New(ident, surface, "http://"+cfg.ListenAddr)
	e.GET(mcpserver.SSEPath, echo.WrapHandler(mcp.SSEHandler()))
	e.POST(mcpserver.MessagePath, echo.WrapHandler(mcp.MessageHandler()))

	// Start server
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		serverErr <- e.Start(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("Server startup failed")
	}
}
