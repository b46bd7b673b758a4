// Package bootstrap wires the config store, task store, dispatcher,
// plan scheduler, WebSocket gateway, and HTTP frontend into one
// running service, and runs the startup crash-recovery pass.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/freitascorp/concierge/pkg/concierr"
	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/dispatch"
	"github.com/freitascorp/concierge/pkg/exec"
	"github.com/freitascorp/concierge/pkg/httpapi"
	"github.com/freitascorp/concierge/pkg/plan"
	"github.com/freitascorp/concierge/pkg/task"
	"github.com/freitascorp/concierge/pkg/taskstore"
	"github.com/freitascorp/concierge/pkg/wsgateway"
)

// EnvConfig is the service's environment-variable configuration,
// loaded with caarlos0/env into a typed struct so defaults live in
// struct tags instead of scattered lookups.
type EnvConfig struct {
	ConfigPath    string `env:"CONCIERGE_CONFIG_PATH" envDefault:"/etc/concierge/config.json"`
	TaskStorePath string `env:"CONCIERGE_TASKSTORE_PATH"` // empty => in-memory
	TaskStoreSize int    `env:"CONCIERGE_TASKSTORE_SIZE" envDefault:"500"`

	HTTPAddr string `env:"CONCIERGE_HTTP_ADDR" envDefault:":8443"`
	WSAddr   string `env:"CONCIERGE_WS_ADDR" envDefault:":8444"`
	TLSCert  string `env:"CONCIERGE_TLS_CERT"`
	TLSKey   string `env:"CONCIERGE_TLS_KEY"`

	APIKey   string `env:"CONCIERGE_API_KEY,required"`
	AdminKey string `env:"CONCIERGE_ADMIN_KEY"`

	WSTokenSecret  string `env:"CONCIERGE_WS_TOKEN_SECRET,required"`
	WSTokenTTLSecs int    `env:"CONCIERGE_WS_TOKEN_TTL_SECONDS" envDefault:"60"`

	HTMLTemplatePath string `env:"CONCIERGE_HTML_TEMPLATE_PATH"`
	OpenAPIPath      string `env:"CONCIERGE_OPENAPI_PATH"`

	LogLevel string `env:"CONCIERGE_LOG_LEVEL" envDefault:"info"`
}

// LoadEnvConfig parses process environment variables into an EnvConfig.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: parsing environment: %w", err)
	}
	return cfg, nil
}

// Service bundles every wired component so main() and tests can start
// and stop the whole thing without re-deriving the wiring.
type Service struct {
	Env         *EnvConfig
	Logger      *slog.Logger
	ConfigStore *config.Store
	TaskStore   *taskstore.Store
	Registry    *exec.Registry
	Dispatcher  *dispatch.Dispatcher
	Scheduler   *plan.Scheduler
	Gateway     *wsgateway.Gateway
	Issuer      *wsgateway.TokenIssuer
	Frontend    *httpapi.Frontend
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// New wires every component against cfg, without starting any
// listeners.
func New(cfg *EnvConfig) (*Service, error) {
	logger := newLogger(cfg.LogLevel)

	cfgStore, err := config.LoadFile(cfg.ConfigPath, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: loading config: %w", err)
	}

	var store *taskstore.Store
	if cfg.TaskStorePath == "" {
		store = taskstore.OpenMemory(cfg.TaskStoreSize)
	} else {
		store, err = taskstore.OpenFile(cfg.TaskStorePath, cfg.TaskStoreSize)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: opening task store: %w", err)
		}
	}

	registry := exec.NewRegistry()
	issuer := wsgateway.NewTokenIssuer([]byte(cfg.WSTokenSecret))
	gateway := wsgateway.New(issuer, registry, logger)

	dispatcher := dispatch.New(cfgStore, store, registry, gateway, logger)
	scheduler := plan.New(cfgStore, dispatcher, logger)
	dispatcher.SetPlanRunner(scheduler)

	htmlTmpl := DefaultHTMLTemplate
	if cfg.HTMLTemplatePath != "" {
		data, err := os.ReadFile(cfg.HTMLTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: reading html template: %w", err)
		}
		htmlTmpl = string(data)
	}

	frontend := httpapi.New(httpapi.Config{
		ConfigStore:     cfgStore,
		Dispatcher:      dispatcher,
		TokenIssuer:     issuer,
		TaskStore:       store,
		Logger:          logger,
		APIKey:          cfg.APIKey,
		AdminKey:        cfg.AdminKey,
		ConfigPath:      cfg.ConfigPath,
		HTMLTemplate:    htmlTmpl,
		OpenAPIPath:     cfg.OpenAPIPath,
		TokenTTLSeconds: cfg.WSTokenTTLSecs,
	})

	svc := &Service{
		Env:         cfg,
		Logger:      logger,
		ConfigStore: cfgStore,
		TaskStore:   store,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Scheduler:   scheduler,
		Gateway:     gateway,
		Issuer:      issuer,
		Frontend:    frontend,
	}

	svc.recoverDroppedTasks()

	return svc, nil
}

// DefaultHTMLTemplate is served when CONCIERGE_HTML_TEMPLATE_PATH is
// unset, and is also what `concierge config render` falls back to.
const DefaultHTMLTemplate = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>concierge</title></head>
<body>
<ul id="hosts">{HOST_OPTIONS}</ul>
<select id="commands">{COMMAND_OPTIONS}</select>
</body>
</html>
`

// recoverDroppedTasks applies the crash-recovery rule: any task
// still Running when the process starts was orphaned by the previous
// instance's death. Each such host entry is moved to Errors with
// ProcessDroppedAtRestart, and the task closed out.
func (s *Service) recoverDroppedTasks() {
	keys := s.TaskStore.Keys()
	for _, key := range keys {
		var t task.Task
		ok, err := s.TaskStore.Get(key, &t)
		if err != nil || !ok {
			continue
		}
		if len(t.Running) == 0 {
			continue
		}

		dropped := concierr.NewHost(concierr.KindProcessDroppedAtBoot, "", "Process dropped during restart")
		running := append([]task.HostRef(nil), t.Running...)
		for _, r := range running {
			t.MoveToError(task.ErrorEntry{Hostname: r.Hostname, Error: dropped.Message})
		}
		if err := s.TaskStore.Set(key, &t); err != nil {
			s.Logger.Error("bootstrap: failed to persist recovered task", "task_id", key, "error", err)
			continue
		}
		s.TaskStore.TagForRemoval(key)
	}
}

// Serve starts the HTTPS frontend and the TLS WebSocket gateway, and
// blocks until ctx is cancelled or a listener fails.
func (s *Service) Serve(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:      s.Env.HTTPAddr,
		Handler:   s.Frontend.Mux(),
		TLSConfig: tlsConfig,
		// Access logging is done per-handler with the structured logger;
		// this only routes net/http's own connection errors through slog.
		ErrorLog: slog.NewLogLogger(s.Logger.Handler(), slog.LevelError),
	}

	wsListener, err := tls.Listen("tcp", s.Env.WSAddr, tlsConfig)
	if err != nil {
		return fmt.Errorf("bootstrap: binding ws listener: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		s.Logger.Info("http frontend listening", "addr", s.Env.HTTPAddr)
		errCh <- httpServer.ListenAndServeTLS(s.Env.TLSCert, s.Env.TLSKey)
	}()
	go func() {
		s.Logger.Info("ws gateway listening", "addr", s.Env.WSAddr)
		errCh <- s.Gateway.Serve(ctx, wsListener)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		wsListener.Close()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *Service) loadTLSConfig() (*tls.Config, error) {
	if s.Env.TLSCert == "" || s.Env.TLSKey == "" {
		return nil, fmt.Errorf("bootstrap: CONCIERGE_TLS_CERT and CONCIERGE_TLS_KEY are required")
	}
	cert, err := tls.LoadX509KeyPair(s.Env.TLSCert, s.Env.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: loading tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
