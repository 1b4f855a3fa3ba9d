// Package hookserver is the loopback HTTP ingress for agent-side hooks
// and the CLI. It never binds beyond 127.0.0.1.
package hookserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/messaging"
	"github.com/discode-sh/discode/internal/pending"
	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/state"
)

// Deps are the collaborators the hook server dispatches into.
type Deps struct {
	State     *state.Store
	Messenger messaging.Messenger
	Pending   *pending.Tracker
	Runtime   runtime.Runtime

	// Reload re-reads state and re-registers channel mappings.
	Reload func(ctx context.Context) error
	// Focus tells the stream server which window a client wants.
	Focus func(windowID string)
	// EnsureWindow starts or resumes the window for an instance.
	EnsureWindow func(ctx context.Context, projectName, instanceID string) error
	// StreamWS, when set, serves the terminal stream protocol over a
	// websocket at /stream.
	StreamWS http.Handler
}

// Server serves the hook endpoints on the loopback interface.
type Server struct {
	deps Deps
	port int
	srv  *http.Server
}

// NewServer builds the server for the given port.
func NewServer(port int, deps Deps) *Server {
	s := &Server{deps: deps, port: port}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/reload", s.handleReload)
	r.Post("/opencode-event", s.handleEvent)
	r.Post("/send-files", s.handleSendFiles)
	r.Get("/windows", s.handleWindows)
	r.Post("/windows", s.handleWindows)
	r.Post("/focus", s.handleFocus)
	r.Post("/ensure-window", s.handleEnsureWindow)
	if s.deps.StreamWS != nil {
		r.Handle("/stream", s.deps.StreamWS)
	}

	return r
}

// ListenAndServe runs the server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("hookserver: listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("hookserver.Server.ListenAndServe: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("hookserver.Server.ListenAndServe: %w", err)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload != nil {
		if err := s.deps.Reload(r.Context()); err != nil {
			log.Error().Err(err).Msg("hookserver: reload")
			http.Error(w, "reload failed", http.StatusInternalServerError)
			return
		}
	}
	writeOK(w)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	p, err := parseEventPayload(body)
	if err != nil || p.ProjectName == "" {
		http.Error(w, "malformed event payload", http.StatusBadRequest)
		return
	}

	proj, err := s.deps.State.GetProject(p.ProjectName)
	if err != nil {
		http.Error(w, "unknown project", http.StatusBadRequest)
		return
	}
	inst := resolveInstance(proj, p.AgentType, p.InstanceID)
	if inst == nil || inst.ChannelID == "" {
		http.Error(w, "no channel for instance", http.StatusBadRequest)
		return
	}

	logEvent := log.With().
		Str("project", p.ProjectName).
		Str("instance", inst.InstanceID).
		Str("type", p.Type).
		Logger()

	switch p.Type {
	case "session.idle":
		// Resolve the reaction off the request path; the agent should
		// not wait on platform RPC.
		go s.deps.Pending.MarkCompleted(context.WithoutCancel(r.Context()), p.ProjectName, inst.AgentType, inst.InstanceID)
		s.deliverIdleText(r.Context(), proj, inst, p)
	case "session.error":
		s.deps.Pending.MarkError(r.Context(), p.ProjectName, inst.AgentType, inst.InstanceID)
		if _, err := s.deps.Messenger.SendToChannel(r.Context(), inst.ChannelID, "⚠️ session error: "+p.Text); err != nil {
			logEvent.Warn().Err(err).Msg("hookserver: send error notice")
		}
	case "session.start", "session.end":
		s.deps.Pending.Reset(p.ProjectName, inst.AgentType, inst.InstanceID)
		logEvent.Info().Msg("hookserver: session lifecycle event")
	default:
		logEvent.Debug().Msg("hookserver: ignoring unknown event type")
	}
	writeOK(w)
}

func (s *Server) deliverIdleText(ctx context.Context, proj *state.Project, inst *state.Instance, p eventPayload) {
	source := p.TurnText
	if source == "" {
		source = p.Text
	}
	files := ExtractFilePaths(source, proj.ProjectPath)
	text := StripFilePaths(p.Text, files)

	if text != "" {
		if _, err := s.deps.Messenger.SendToChannel(ctx, inst.ChannelID, text); err != nil {
			log.Warn().Err(err).Str("project", proj.ProjectName).Msg("hookserver: send idle text")
		}
	}
	if len(files) > 0 {
		if err := s.deps.Messenger.SendToChannelWithFiles(ctx, inst.ChannelID, "", files); err != nil {
			log.Warn().Err(err).Str("project", proj.ProjectName).Msg("hookserver: send files")
		}
	}
}

func (s *Server) handleSendFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectName string   `json:"projectName"`
		AgentType   string   `json:"agentType"`
		InstanceID  string   `json:"instanceId"`
		Files       []string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectName == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	proj, err := s.deps.State.GetProject(req.ProjectName)
	if err != nil {
		http.Error(w, "unknown project", http.StatusBadRequest)
		return
	}
	inst := resolveInstance(proj, req.AgentType, req.InstanceID)
	if inst == nil || inst.ChannelID == "" {
		http.Error(w, "no channel for instance", http.StatusBadRequest)
		return
	}

	if err := s.deps.Messenger.SendToChannelWithFiles(r.Context(), inst.ChannelID, "", req.Files); err != nil {
		log.Error().Err(err).Str("project", req.ProjectName).Msg("hookserver: send-files")
		http.Error(w, "send failed", http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	windows := s.deps.Runtime.ListWindows("")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"windows": windows}); err != nil {
		log.Debug().Err(err).Msg("hookserver: encode windows")
	}
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WindowID string `json:"windowId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WindowID == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if s.deps.Focus != nil {
		s.deps.Focus(req.WindowID)
	}
	writeOK(w)
}

func (s *Server) handleEnsureWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectName string `json:"projectName"`
		InstanceID  string `json:"instanceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectName == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if s.deps.EnsureWindow == nil {
		http.Error(w, "not supported", http.StatusInternalServerError)
		return
	}
	if err := s.deps.EnsureWindow(r.Context(), req.ProjectName, req.InstanceID); err != nil {
		log.Error().Err(err).Str("project", req.ProjectName).Msg("hookserver: ensure-window")
		http.Error(w, "ensure failed", http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

// resolveInstance picks the target instance: explicit id first, then the
// primary instance for the agent type.
func resolveInstance(p *state.Project, agentType, instanceID string) *state.Instance {
	if instanceID != "" {
		if inst, ok := p.Instances[instanceID]; ok {
			return inst
		}
	}
	if agentType != "" {
		return state.PrimaryInstance(p, agentType)
	}
	return nil
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
