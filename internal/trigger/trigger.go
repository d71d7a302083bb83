// Package trigger serves an HTTP endpoint that starts sync runs on demand.
// Requests are authenticated with an HMAC-SHA256 signature of the body,
// debounced, and executed one at a time with at most one queued re-run.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Signature headers, checked in order. The GitHub header lets a repository
// or volume webhook call the endpoint directly.
const (
	SignatureHeader       = "X-Vol2git-Signature-256"
	GitHubSignatureHeader = "X-Hub-Signature-256"
)

const maxBody = 1 << 20

// RunFunc performs one sync run.
type RunFunc func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	Secret   []byte
	Debounce time.Duration
	// InitialRun performs a run before the listener accepts requests.
	InitialRun bool
	Logger     *slog.Logger
}

// Request is the optional JSON body of a trigger request.
type Request struct {
	Reason string `json:"reason"`
}

// Status describes the most recent run.
type Status struct {
	Running  bool      `json:"running"`
	Pending  bool      `json:"pending"`
	Runs     int       `json:"runs"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
	Duration string    `json:"duration,omitempty"`
}

// Server implements the trigger HTTP server
type Server struct {
	run    RunFunc
	opts   Options
	logger *slog.Logger

	baseCtx context.Context

	syncMu      sync.Mutex // guards the fields below
	syncRunning bool       // whether a run is currently in progress
	syncPending bool       // whether another run is needed after the current one
	status      Status

	debounce *debouncer
}

// debouncer implements debouncing for trigger requests
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// New creates a trigger server. An empty secret is rejected.
func New(run RunFunc, opts Options) (*Server, error) {
	if run == nil {
		return nil, errors.New("trigger: run function is required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("trigger: secret is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		run:      run,
		opts:     opts,
		logger:   opts.Logger,
		baseCtx:  context.Background(),
		debounce: &debouncer{delay: opts.Debounce},
	}, nil
}

// Handler returns the HTTP routes: POST /trigger and GET /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Serve runs the server on ln until ctx is cancelled. Runs started by
// requests are cancelled together with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx

	if s.opts.InitialRun {
		s.logger.Info("performing initial sync before accepting triggers")
		s.performSync(ctx)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("trigger server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down trigger server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleTrigger handles incoming trigger requests
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(GitHubSignatureHeader)
	}
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var req Request
	if len(strings.TrimSpace(string(body))) > 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Warn("ignoring malformed trigger payload", "error", err)
		}
	}

	s.logger.Info("trigger accepted", "reason", req.Reason, "remote", r.RemoteAddr)
	s.Trigger()

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

// Status returns a snapshot of the run state.
func (s *Server) Status() Status {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	st := s.status
	st.Running = s.syncRunning
	st.Pending = s.syncPending
	return st
}

// Trigger schedules a debounced run.
func (s *Server) Trigger() {
	s.debounce.trigger(func() {
		s.performSync(s.baseCtx)
	})
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}
	return hmac.Equal([]byte(hexSig), []byte(Sign(s.opts.Secret, body)))
}

// Sign returns the hex HMAC-SHA256 of body, as expected after "sha256=".
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// performSync executes a run with single-flight semantics.
// If a run is already in progress, at most one additional run is queued;
// further concurrent requests are folded into it.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		if ctx.Err() != nil {
			s.syncMu.Lock()
			s.syncRunning = false
			s.syncPending = false
			s.syncMu.Unlock()
			return
		}

		start := time.Now()
		err := s.run(ctx)
		if err != nil {
			s.logger.Error("triggered sync failed", "error", err)
		}

		// Check under the lock whether another run was requested meanwhile
		s.syncMu.Lock()
		s.status.Runs++
		s.status.LastRun = start
		s.status.Duration = time.Since(start).Round(time.Millisecond).String()
		s.status.LastErr = ""
		if err != nil {
			s.status.LastErr = err.Error()
		}
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
