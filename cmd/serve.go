package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"famshare/internal/api"
	"famshare/internal/auth"
	"famshare/internal/config"
	fileutil "famshare/internal/file"
	"famshare/internal/objectstore"
	"famshare/internal/store"
	"famshare/internal/upload"
)

const (
	readHeaderTimeout   = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
	archiveFetchTimeout = 30 * time.Second
)

var serveDev bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control endpoint and local object store",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "allow the built-in development jwt_secret")
}

// checkSecret refuses the built-in signing secret unless dev mode is on.
func checkSecret(cfg config.Config, dev bool) error {
	if !cfg.UsesDevelopmentSecret() {
		return nil
	}
	if !dev {
		return errors.New("jwt_secret is the built-in development value; set jwt_secret or pass --dev")
	}
	log.Warn().Msg("using the built-in development jwt_secret; anyone can mint tokens for this server")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := checkSecret(cfg, serveDev); err != nil {
		return err
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	backend, err := objectstore.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	router := setupRouter()
	wireAPI(router, cfg, st, backend)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("storage", backend.Name()).Str("public_url", cfg.PublicURL).Msg("famshare server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-waitForShutdownSignal():
	}
	gracefulShutdown(srv, shutdownTimeout)
	return nil
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func wireAPI(router *gin.Engine, cfg config.Config, st *store.Store, backend objectstore.Backend) {
	apiHandler := api.NewAPI(st, backend, auth.NewService(cfg.JWTSecret), api.Options{
		Validator:           upload.NewValidator(cfg.Limits()),
		UploadURLTTL:        cfg.UploadURLTTL,
		ArchiveFetchTimeout: archiveFetchTimeout,
	})
	apiHandler.RegisterRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	return quit
}

func gracefulShutdown(srv *http.Server, timeout time.Duration) {
	log.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	log.Info().Msg("server exited cleanly")
}
