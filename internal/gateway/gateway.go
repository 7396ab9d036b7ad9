// Package gateway serves the daemon's HTTP surface: the /api routes that
// plugins, operators and their UIs talk to, and the static UI fallback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/plat/internal/bundle"
	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/control"
	"github.com/basket/plat/internal/daemon"
	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/pluginserver"
	"github.com/basket/plat/internal/registry"
)

// Routes.
const (
	InfoPath   = "/api"
	SignPath   = "/api/sig"
	VerifyPath = "/api/verify"
	PluginPath = "/api/plugin"
)

// maxJSONBody caps sign, verify and pull-registration bodies.
const maxJSONBody = 1 << 20

type Config struct {
	Daemon *daemon.Daemon

	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig
	// MaxUploadBytes caps POST /api/plugin. 0 uses the config default.
	MaxUploadBytes int64
	// StaticDir is served for every path no route claims. Empty serves 404.
	StaticDir string

	Logger  *slog.Logger
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	d       *daemon.Daemon
	limiter *RateLimiter
	logger  *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = config.Default().MaxUploadBytes()
	}
	return &Server{
		cfg:     cfg,
		d:       cfg.Daemon,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		logger:  cfg.Logger,
	}
}

// Limiter exposes the rate limiter so callers can start bucket eviction.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	small := RequestSizeLimitMiddleware(maxJSONBody)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+InfoPath, s.handleInfo)
	mux.Handle(pluginserver.RegistPath, small(http.HandlerFunc(s.handleRegist)))
	mux.Handle(control.ConnectPath, s.d.ControlHandler())
	mux.Handle("POST "+SignPath, small(http.HandlerFunc(s.handleSign)))
	mux.Handle("POST "+VerifyPath, small(http.HandlerFunc(s.handleVerify)))
	mux.HandleFunc("GET "+PluginPath, s.handleListPlugins)
	mux.Handle("POST "+PluginPath, RequestSizeLimitMiddleware(s.cfg.MaxUploadBytes)(http.HandlerFunc(s.handleInstall)))
	mux.HandleFunc("DELETE "+PluginPath, s.handleDelete)
	mux.Handle("/", s.static())

	return NewCORSMiddleware(s.cfg.CORS)(s.limiter.Wrap(mux))
}

func (s *Server) static() http.Handler {
	if s.cfg.StaticDir == "" {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(s.cfg.StaticDir))
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Info())
}

// handleRegist upgrades to the push registration protocol, or takes a
// pull registration as POST {"addr"}.
func (s *Server) handleRegist(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		s.d.RegistrationHandler().ServeHTTP(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req pluginserver.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Addr) == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"addr\": \"http://host:port\"}")
		return
	}
	rp, err := s.d.RegisterPull(r.Context(), req.Addr)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rp)
	case errors.Is(err, registry.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, manifest.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Warn("pull registration failed", "addr", req.Addr, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req daemon.SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed sign request")
		return
	}
	box, err := s.d.Sign(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, box)
	case errors.Is(err, confirm.ErrDenied):
		writeError(w, http.StatusForbidden, "denied")
	case errors.Is(err, identity.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// The caller went away while an operator was deciding.
	default:
		s.logger.Error("sign failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sign failed")
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req daemon.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed verify request")
		return
	}
	ok, err := s.d.Verify(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.d.Registry().List()})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	ok, err := s.d.Install(r.Context(), file)
	if err != nil {
		s.writeFlowError(w, "install", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"complete": ok})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "query parameter name is required")
		return
	}
	ok, err := s.d.Delete(r.Context(), name)
	if err != nil {
		s.writeFlowError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"complete": ok})
}

func (s *Server) writeFlowError(w http.ResponseWriter, flow string, err error) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.Is(err, registry.ErrConflict), errors.Is(err, daemon.ErrInstallPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manifest.ErrInvalid), errors.Is(err, bundle.ErrUnsafePath), errors.Is(err, bundle.ErrBadArchive):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("plugin "+flow+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, flow+" failed: "+err.Error())
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
