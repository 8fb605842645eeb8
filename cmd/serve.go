package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/porthorian/rhombus"
	"github.com/porthorian/rhombus/pkg/authority"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/metrics"
	"github.com/porthorian/rhombus/pkg/session"
	httptransport "github.com/porthorian/rhombus/pkg/transport/http"
)

const (
	defaultListenAddress = ":8080"
	shutdownTimeout      = 10 * time.Second
)

type serveConfig struct {
	ConfigPath string
	Listen     string
}

func init() {
	rootCmd.AddCommand(newServeCommand())
}

func newServeCommand() *cobra.Command {
	cfg := serveConfig{Listen: defaultListenAddress}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve login, logout, confirmation and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, newLogger())
		},
	}

	serveCmd.Flags().StringVarP(&cfg.ConfigPath, "config", "c", "", "YAML runtime config file. Can also be set via RHOMBUS_CONFIG.")
	serveCmd.Flags().StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address. Can also be set via RHOMBUS_LISTEN.")
	return serveCmd
}

func runServe(ctx context.Context, cfg serveConfig, logger logr.Logger) error {
	configPath := cfg.ConfigPath
	if configPath == "" {
		configPath = lookupEnv("RHOMBUS_CONFIG")
	}
	runtime, err := loadRuntimeConfig(configPath, os.Getenv)
	if err != nil {
		return err
	}
	listen := cfg.Listen
	if env := lookupEnv("RHOMBUS_LISTEN"); env != "" && listen == defaultListenAddress {
		listen = env
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := rhombus.NewContext(ctx, rhombus.Config{
		Logger:  logger,
		Metrics: metrics.New(metrics.Config{Registry: registry}),
		Runtime: runtime,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error(err, "failed to close client")
		}
	}()

	server := &http.Server{
		Addr:              listen,
		Handler:           newServeRouter(client, runtime, registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", listen, "mode", client.Mode().String())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

func newServeRouter(client *rhombus.Client, runtime rhombus.RuntimeConfig, gatherer prometheus.Gatherer, logger logr.Logger) http.Handler {
	mwConfig := httptransport.DefaultConfig()
	mwConfig.Logger = logger
	mwConfig.Cookie.Secure = runtime.Auth.Cookie.Secure
	mwConfig.Cookie.HTTPOnly = runtime.Auth.Cookie.HTTPOnly
	mwConfig.Cookie.Domain = runtime.Auth.Cookie.Domain
	if runtime.Auth.Cookie.Path != "" {
		mwConfig.Cookie.Path = runtime.Auth.Cookie.Path
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(httptransport.Middleware(client, mwConfig))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Method(http.MethodPost, "/login", httptransport.LoginHandler(client, mwConfig))
	router.Method(http.MethodPost, "/logout", httptransport.LogoutHandler(client, mwConfig))
	router.Method(http.MethodGet, authority.ConfirmPath, authority.Handler(client.Resolver(), logger))
	router.Get("/whoami", whoami)
	return router
}

type whoamiResponse struct {
	Login        string   `json:"login"`
	Domain       string   `json:"domain"`
	UserID       int64    `json:"user_id"`
	PrimaryGroup string   `json:"primary_group"`
	Groups       []string `json:"groups"`
	Roles        []string `json:"roles"`
	RequestID    string   `json:"request_id"`
}

func whoami(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	primary, _ := snapshot.PrimaryGroup()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(whoamiResponse{
		Login:        snapshot.Login,
		Domain:       snapshot.Domain,
		UserID:       snapshot.UserID,
		PrimaryGroup: primary.Name,
		Groups:       snapshot.GroupNames(),
		Roles:        snapshot.RoleNames(),
		RequestID:    httptransport.RequestIDFromContext(r.Context()),
	})
}

func defaultRuntimeConfig() rhombus.RuntimeConfig {
	return rhombus.RuntimeConfig{
		Auth: rhombus.AuthConfig{
			CookieName: session.DefaultCookieName,
			Cookie:     rhombus.CookieConfig{HTTPOnly: true, Path: "/"},
		},
		Session: rhombus.SessionConfig{
			Expiration:      session.DefaultExpiration,
			RefreshFraction: session.DefaultRefreshFraction,
		},
		Cache:     rhombus.CacheConfig{Backend: rhombus.CacheBackendMemory},
		Storage:   rhombus.StorageConfig{Backend: rhombus.StorageBackendMemory},
		Authority: rhombus.AuthorityConfig{Timeout: authority.DefaultTimeout},
	}
}

// loadRuntimeConfig layers defaults, the YAML file at path (if any), then
// RHOMBUS_* environment variables.
func loadRuntimeConfig(path string, getenv func(string) string) (rhombus.RuntimeConfig, error) {
	config := defaultRuntimeConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return rhombus.RuntimeConfig{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return rhombus.RuntimeConfig{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&config, getenv); err != nil {
		return rhombus.RuntimeConfig{}, err
	}
	return config, nil
}

func applyEnvOverrides(config *rhombus.RuntimeConfig, getenv func(string) string) error {
	env := func(key string) string {
		return strings.TrimSpace(getenv("RHOMBUS_" + key))
	}

	values := map[string]*string{
		"AUTH_SECRET":        &config.Auth.Secret,
		"COOKIE_NAME":        &config.Auth.CookieName,
		"COOKIE_DOMAIN":      &config.Auth.Cookie.Domain,
		"DEFAULT_USERCLASS":  &config.Session.DefaultUserClass,
		"REDIS_ADDRESS":      &config.Cache.Redis.Address,
		"REDIS_PASSWORD":     &config.Cache.Redis.Password,
		"DATABASE_URL":       &config.Storage.Postgres.DSN,
		"AUTHORITY_URL":      &config.Authority.URL,
		"CREDENTIAL_SCHEME":  &config.Credential.Scheme,
		"LDAP_URL":           &config.Credential.LDAP.URL,
		"LDAP_BIND_TEMPLATE": &config.Credential.LDAP.BindTemplate,
		"BASIC_AUTH_URL":     &config.Credential.Basic.URL,
	}
	for key, target := range values {
		if value := env(key); value != "" {
			*target = value
		}
	}

	if value := env("CACHE_BACKEND"); value != "" {
		config.Cache.Backend = rhombus.CacheBackend(value)
	}
	if value := env("STORAGE_BACKEND"); value != "" {
		config.Storage.Backend = rhombus.StorageBackend(value)
	}

	durations := map[string]*time.Duration{
		"SESSION_EXPIRATION": &config.Session.Expiration,
		"AUTHORITY_TIMEOUT":  &config.Authority.Timeout,
	}
	for key, target := range durations {
		value := env(key)
		if value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("RHOMBUS_%s: %w", key, err)
		}
		*target = parsed
	}

	if value := env("COOKIE_SECURE"); value != "" {
		secure, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("RHOMBUS_COOKIE_SECURE: %w", err)
		}
		config.Auth.Cookie.Secure = secure
	}
	if value := env("REFRESH_FRACTION"); value != "" {
		fraction, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("RHOMBUS_REFRESH_FRACTION: %w", err)
		}
		config.Session.RefreshFraction = fraction
	}
	return nil
}

var _ httptransport.Sessions = (*rhombus.Client)(nil)
