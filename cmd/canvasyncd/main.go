package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inkfield/canvasync/internal/httpapi"
	"github.com/inkfield/canvasync/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Configuration resolves flag > CANVASYNC_* env var > .env file > default.
func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "canvasyncd",
		Short:         "collaborative canvas synchronization server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env file is not an error.
			_ = godotenv.Load()
		},
		RunE: func(*cobra.Command, []string) error {
			return runServer(v)
		},
	}
	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address")
	flags.String("store-dsn", "memory://", "document store DSN (memory://, file://path, sqlite://path, postgres://...)")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.Int("rate-limit-max", 0, "max requests per user per window, 0 disables")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.Int64("max-body-bytes", 4<<20, "max request body size")

	v.SetEnvPrefix("CANVASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		log.Fatalf("bind flags: %v", err)
	}
	return cmd
}

func runServer(v *viper.Viper) error {
	docStore, err := store.Open(v.GetString("store-dsn"), log.Default())
	if err != nil {
		return err
	}
	defer docStore.Close()

	server := httpapi.NewServerWithConfig(docStore, httpapi.ServerConfig{
		JWTSecret:       v.GetString("jwt-secret"),
		RateLimitMax:    v.GetInt("rate-limit-max"),
		RateLimitWindow: v.GetDuration("rate-limit-window"),
		MaxBodyBytes:    v.GetInt64("max-body-bytes"),
		Logger:          log.Default(),
	})

	httpServer := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("canvasyncd listening on %s (store %s)", httpServer.Addr, redactDSN(v.GetString("store-dsn")))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("canvasyncd stopped")
	return nil
}

// redactDSN strips credentials before the DSN reaches a log line.
func redactDSN(dsn string) string {
	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd < 0 {
		return dsn
	}
	rest := dsn[schemeEnd+3:]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	return dsn[:schemeEnd+3] + "***@" + rest[at+1:]
}
