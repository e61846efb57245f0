// Package api implements the HTTP control plane: JSON routes over the chain
// registry, SSE and WebSocket event streams, and the metrics endpoint.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/localchain/config"
	"github.com/Klingon-tech/localchain/internal/log"
	"github.com/Klingon-tech/localchain/internal/metrics"
	"github.com/Klingon-tech/localchain/internal/registry"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// DefaultKeepAlive is the interval of SSE keep-alive comments.
const DefaultKeepAlive = 15 * time.Second

// Options configure a Server. A zero value serves every client, sends no
// CORS headers and does not expose metrics.
type Options struct {
	API       config.APIConfig
	Metrics   bool
	KeepAlive time.Duration
}

// Server is the HTTP control plane.
type Server struct {
	addr        string
	reg         *registry.Registry
	router      *httprouter.Router
	handler     http.Handler
	hub         *hub
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	keepAlive   time.Duration
}

// New creates a server for reg listening on addr.
func New(addr string, reg *registry.Registry, opts Options) *Server {
	s := &Server{
		addr:        addr,
		reg:         reg,
		router:      httprouter.New(),
		hub:         newHub(),
		logger:      log.API,
		allowedNets: parseAllowedIPs(opts.API.AllowedIPs),
		keepAlive:   opts.KeepAlive,
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAlive
	}

	s.routes(opts.Metrics)

	var h http.Handler = s.router
	if len(opts.API.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: opts.API.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(h)
	}
	s.handler = s.filterIPs(h)

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Event streams stay open for as long as the client listens, so
		// there is no write timeout.
	}
	return s
}

func (s *Server) routes(withMetrics bool) {
	s.handle(http.MethodGet, "/api/health", s.handleHealth)

	s.handle(http.MethodGet, "/api/chains", s.handleListChains)
	s.handle(http.MethodPost, "/api/chains", s.handleCreateChain)
	s.handle(http.MethodGet, "/api/chains/:id", s.handleInspectChain)
	s.handle(http.MethodDelete, "/api/chains/:id", s.handleDeleteChain)

	s.handle(http.MethodPost, "/api/chains/:id/start", s.lifecycle("start", s.reg.Start))
	s.handle(http.MethodPost, "/api/chains/:id/stop", s.lifecycle("stop", s.reg.Stop))
	s.handle(http.MethodPost, "/api/chains/:id/restart", s.lifecycle("restart", s.reg.Restart))
	s.handle(http.MethodPost, "/api/chains/:id/delete", s.handleDeleteChain)

	s.handle(http.MethodGet, "/api/chains/:id/logstream", s.handleLogStream)
	s.handle(http.MethodGet, "/api/chains/:id/blockstream", s.handleBlockStream)
	s.handle(http.MethodGet, "/api/chains/:id/ws", s.handleWebSocket)

	s.handle(http.MethodGet, "/api/chains/:id/blocks", s.handleRecentBlocks)
	s.handle(http.MethodGet, "/api/chains/:id/blocks/:number", s.handleGetBlock)

	if withMetrics {
		s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	}

	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such route")
	})
	s.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handle registers h and counts its responses by route pattern.
func (s *Server) handle(method, path string, h httprouter.Handle) {
	s.router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, ps)
		metrics.HTTPRequests.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
	})
}

// Handler returns the complete HTTP handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop closes WebSocket clients and gracefully shuts down the server.
// Open SSE streams end when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	err := s.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return s.server.Close()
	}
	return err
}

// filterIPs rejects clients outside the allowed networks.
func (s *Server) filterIPs(next http.Handler) http.Handler {
	if len(s.allowedNets) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.isIPAllowed(ip) {
			s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Rejected client")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// statusRecorder remembers the response code. It passes Flush and Hijack
// through so event streams and WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
