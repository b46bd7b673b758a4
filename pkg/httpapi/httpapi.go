// Package httpapi is the HTTPFrontend: a plain net/http router
// matching the service's exact route table, with constant-time API-key
// and admin-key authentication.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/task"
	"github.com/freitascorp/concierge/pkg/taskstore"
	"github.com/freitascorp/concierge/pkg/wsgateway"
)

// Dispatcher is the narrow slice of *dispatch.Dispatcher the frontend
// needs. Kept as an interface so this package never imports dispatch
// directly; symmetric with how dispatch/plan avoid importing each
// other (see pkg/plan.CommandRunner).
type Dispatcher interface {
	Wakeup(ctx context.Context, hosts []string) (*task.Task, int)
	Command(ctx context.Context, commandName string, hosts []string, params map[string]any) (*task.Task, int)
	Abort(taskID string)
	Task(taskID string) (*task.Task, bool)
}

// Frontend is the HTTPFrontend.
type Frontend struct {
	cfg        *config.Store
	dispatcher Dispatcher
	issuer     *wsgateway.TokenIssuer
	store      *taskstore.Store
	logger     *slog.Logger

	apiKey      string
	adminKey    string
	configPath  string
	htmlTmpl    string
	openAPIPath string
	tokenTTL    int
}

// Config bundles the Frontend's construction-time dependencies.
type Config struct {
	ConfigStore     *config.Store
	Dispatcher      Dispatcher
	TokenIssuer     *wsgateway.TokenIssuer
	TaskStore       *taskstore.Store
	Logger          *slog.Logger
	APIKey          string
	AdminKey        string
	ConfigPath      string
	HTMLTemplate    string
	OpenAPIPath     string
	TokenTTLSeconds int
}

// New constructs a Frontend.
func New(c Config) *Frontend {
	ttl := c.TokenTTLSeconds
	if ttl <= 0 {
		ttl = 60
	}
	return &Frontend{
		cfg:         c.ConfigStore,
		dispatcher:  c.Dispatcher,
		issuer:      c.TokenIssuer,
		store:       c.TaskStore,
		logger:      c.Logger,
		apiKey:      c.APIKey,
		adminKey:    c.AdminKey,
		configPath:  c.ConfigPath,
		htmlTmpl:    c.HTMLTemplate,
		openAPIPath: c.OpenAPIPath,
		tokenTTL:    ttl,
	}
}

// Mux builds the service's route table.
func (f *Frontend) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /concierge", f.handleIndex)
	mux.HandleFunc("GET /concierge/openapi.yaml", f.handleOpenAPI)

	mux.HandleFunc("GET /concierge/api/v1/tasks", f.withAPIKey(f.handleListTasks))
	mux.HandleFunc("GET /concierge/api/v1/tasks/{id}", f.withAPIKey(f.handleGetTask))
	mux.HandleFunc("GET /concierge/api/v1/ws/token", f.withAPIKey(f.handleIssueToken))
	mux.HandleFunc("POST /concierge/api/v1/wakeup", f.withAPIKey(f.handleWakeup))
	mux.HandleFunc("POST /concierge/api/v1/wakeup/{host}", f.withAPIKey(f.handleWakeup))
	mux.HandleFunc("POST /concierge/api/v1/commands/{name}", f.withAPIKey(f.handleCommand))
	mux.HandleFunc("POST /concierge/api/v1/commands/{name}/{host}", f.withAPIKey(f.handleCommand))
	mux.HandleFunc("PUT /concierge/api/v1/tasks/{id}/abort", f.withAPIKey(f.handleAbort))

	mux.HandleFunc("GET /admin/config", f.withAdminKey(f.handleAdminConfigGet))
	mux.HandleFunc("GET /admin/health", f.withAdminKey(f.handleAdminHealth))
	mux.HandleFunc("GET /admin/stats", f.withAdminKey(f.handleAdminStats))
	mux.HandleFunc("PUT /admin/config", f.withAdminKey(f.handleAdminConfigPut))

	return mux
}

// withAPIKey enforces X-API-Key via constant-time comparison.
func (f *Frontend) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeEqual(r.Header.Get("X-API-Key"), f.apiKey) {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next(w, r)
	}
}

// withAdminKey enforces X-Admin-Key, responding 503 if no admin key is
// configured at all.
func (f *Frontend) withAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.adminKey == "" {
			writeError(w, http.StatusServiceUnavailable, "admin interface disabled")
			return
		}
		if !constantTimeEqual(r.Header.Get("X-Admin-Key"), f.adminKey) {
			writeError(w, http.StatusUnauthorized, "missing or invalid admin key")
			return
		}
		next(w, r)
	}
}

// requestLogger returns a child logger tagged with the caller's source
// IP, used for every handler log line so access can be traced per
// client without the stdlib's per-connection log noise.
func (f *Frontend) requestLogger(r *http.Request) *slog.Logger {
	srcIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		srcIP = host
	}
	return f.logger.With("src_ip", srcIP)
}

func constantTimeEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (f *Frontend) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(f.cfg.RenderHTML(f.htmlTmpl)))
}

func (f *Frontend) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if f.openAPIPath == "" {
		writeError(w, http.StatusNotFound, "no openapi spec configured")
		return
	}
	data, err := os.ReadFile(f.openAPIPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "openapi spec not found")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// handleListTasks returns every task, newest first.
func (f *Frontend) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := make([]task.Task, 0)
	err := f.store.ItemsReversed(func(key string, raw json.RawMessage) error {
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (f *Frontend) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := f.dispatcher.Task(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleIssueToken issues a WebSocket grant and reports the shell
// command's streaming mode so the client knows how to interpret frames.
func (f *Frontend) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	hostname := r.URL.Query().Get("hostname")
	if taskID == "" || hostname == "" {
		writeError(w, http.StatusBadRequest, "task_id and hostname are required")
		return
	}

	user := r.Header.Get("X-API-Key")
	tok, err := f.issuer.Issue(user, taskID, hostname, f.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":           tok,
		"socket_raw_mode": f.socketRawModeFor(taskID, hostname),
	})
}

// socketRawModeFor looks up the shell command tied to a task to report
// the streaming mode a client should use.
func (f *Frontend) socketRawModeFor(taskID, hostname string) string {
	t, ok := f.dispatcher.Task(taskID)
	if !ok || t.Command == nil {
		return string(config.SocketRawDisabled)
	}
	for _, c := range f.cfg.CommandsFor(hostname) {
		if c.Name == *t.Command && c.Shell != nil {
			return string(c.Shell.SocketRawMode)
		}
	}
	return string(config.SocketRawDisabled)
}

type dispatchRequestBody struct {
	Hostnames []string       `json:"hostnames"`
	Params    map[string]any `json:"params"`
}

// readHosts decodes the {hostnames, params} body, or substitutes the
// trailing {host} path segment in its place when present.
func (f *Frontend) readHosts(r *http.Request) ([]string, map[string]any, error) {
	var body dispatchRequestBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, nil, err
		}
	}
	if host := r.PathValue("host"); host != "" {
		body.Hostnames = []string{host}
	}
	return body.Hostnames, body.Params, nil
}

func (f *Frontend) handleWakeup(w http.ResponseWriter, r *http.Request) {
	hosts, _, err := f.readHosts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	f.requestLogger(r).Debug("dispatching wakeup", "hostnames", hosts)
	t, status := f.dispatcher.Wakeup(r.Context(), hosts)
	writeJSON(w, status, t)
}

func (f *Frontend) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	hosts, params, err := f.readHosts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	f.requestLogger(r).Debug("dispatching command", "command", name, "hostnames", hosts)
	t, status := f.dispatcher.Command(r.Context(), name, hosts, params)
	writeJSON(w, status, t)
}

func (f *Frontend) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := f.dispatcher.Task(id); !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	f.requestLogger(r).Info("aborting task", "task_id", id)
	f.dispatcher.Abort(id)
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "aborting"})
}

func (f *Frontend) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (f *Frontend) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hosts":        len(f.cfg.Hosts()),
		"commands":     len(f.cfg.CommandNames()),
		"tasks_stored": f.store.Len(),
	})
}

func (f *Frontend) handleAdminConfigGet(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(f.configPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read config file")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleAdminConfigPut validates the uploaded document, and only on
// success atomically replaces the on-disk config file and the live
// Store.
func (f *Frontend) handleAdminConfigPut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := f.cfg.Reload(body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := atomicWriteFile(f.configPath, body); err != nil {
		writeError(w, http.StatusInternalServerError, "config applied in memory but failed to persist to disk: "+err.Error())
		return
	}

	f.requestLogger(r).Info("config replaced via admin api", "bytes", len(body))
	writeJSON(w, http.StatusOK, map[string]string{"status": "replaced"})
}

// atomicWriteFile writes data to a temp file in the same directory as
// path, then renames it into place; a crash mid-write never leaves a
// truncated config on disk.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp-" + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"errors": []task.ErrorEntry{{Error: msg}},
	})
}
