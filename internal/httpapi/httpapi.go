// Package httpapi implements the embedded management HTTP API of spec
// §6: a chi router exposing config read/update and the packet RPC
// endpoint internal/provider/remoteprovider's client calls against a
// peer instance. There is no surviving teacher chi server source in
// the pack (fs/rc/rcserver and lib/http kept only their test files),
// so the router/middleware shape here follows plain idiomatic chi
// rather than a specific teacher file — see DESIGN.md.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repertory/internal/provider"
	"repertory/internal/rconfig"
	"repertory/internal/rlog"
)

const subject = "httpapi"

// Server is the embedded management API of spec §6 ("ApiPort",
// "ApiUser", "ApiAuth"). It serves the packet RPC a remoteprovider
// client speaks, plus plain REST endpoints to read and update the
// config; there is no status endpoint.
type Server struct {
	router   chi.Router
	http     *http.Server
	provider provider.Provider
	config   *rconfig.Store
}

// New builds a Server backed by prov (the local provider this instance
// exposes to peers over the wire) and cfg (the live config store).
func New(addr, apiUser, apiAuth string, prov provider.Provider, cfg *rconfig.Store) *Server {
	s := &Server{provider: prov, config: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if apiUser != "" || apiAuth != "" {
		r.Use(basicAuth(apiUser, apiAuth))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Post("/packet", s.handlePacket)
	})
	s.router = r

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routed http.Handler, for tests and for
// embedding behind an externally managed listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the management API until Shutdown is
// called or a fatal listener error occurs.
func (s *Server) ListenAndServe() error {
	rlog.Infof(subject, "listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	return s.http.Close()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		rlog.Debugf(subject, "%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func basicAuth(user, pass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != pass {
				w.Header().Set("WWW-Authenticate", `Basic realm="repertory"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.config.Update(func(cfg *rconfig.Config) {
		applyPatch(cfg, patch)
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.config.Get())
}

// applyPatch merges a raw PUT body onto the known fields of cfg by
// round-tripping through json.Marshal/Unmarshal, the same
// known/unknown split rconfig.parse uses internally.
func applyPatch(cfg *rconfig.Config, patch map[string]json.RawMessage) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return
	}
	for k, v := range patch {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return
	}
	_ = json.Unmarshal(out, cfg)
}
