// Command kiro-gateway runs the credential pool gateway: a SQLite-backed
// pool of upstream credentials with automatic token refresh and failover,
// an admin API, and an embedded admin UI.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	internalhttp "github.com/cecil-the-coder/kiro-gateway/internal/http"
	"github.com/cecil-the-coder/kiro-gateway/pkg/admin"
	"github.com/cecil-the-coder/kiro-gateway/pkg/config"
	"github.com/cecil-the-coder/kiro-gateway/pkg/pool"
	"github.com/cecil-the-coder/kiro-gateway/pkg/refresh"
	"github.com/cecil-the-coder/kiro-gateway/pkg/store"
	"github.com/cecil-the-coder/kiro-gateway/pkg/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("kiro-gateway: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Printf("store: opened %s", cfg.DatabasePath)

	clientConfig := internalhttp.ClientConfig{Timeout: cfg.RequestTimeout()}
	if cfg.Proxy != nil {
		clientConfig.Proxy = &internalhttp.ProxyConfig{
			URL:      cfg.Proxy.URL,
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}
	httpClient, err := internalhttp.NewClient(clientConfig)
	if err != nil {
		return err
	}

	refresher := refresh.NewClient(refresh.Config{
		Region:      cfg.Region,
		KiroVersion: cfg.KiroVersion,
		HTTPClient:  httpClient,
	})

	manager, err := pool.New(st, refresher, pool.Config{})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.AdminAPIKey != "" {
		admin.NewHandler(admin.NewService(manager, refresher)).Register(mux, cfg.AdminAPIKey)
		log.Printf("admin: surface enabled at /api/admin")
	} else {
		log.Printf("admin: no admin_api_key configured, surface disabled")
	}

	mux.Handle("/", web.Handler())

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.Addr())
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
