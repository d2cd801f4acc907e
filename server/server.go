// Package server exposes the sync endpoint consumed by clients: mutation
// submission and snapshot reads over plain HTTP, and a server-push event
// stream that broadcasts whole-snapshot replacements to every subscribed
// session of a list.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/slok/go-http-metrics/middleware"
	middlewarestd "github.com/slok/go-http-metrics/middleware/std"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/log"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/store"
)

// DefaultList is the list served when a request names none. The shared list
// is access-token-free by design.
const DefaultList = types.ListID("default")

// Config holds the sync server settings.
type Config struct {
	// Listen is the address of the sync API.
	Listen string `mapstructure:"listen"`

	// AllowedOrigins is the CORS allow-list for browser clients.
	AllowedOrigins []string `mapstructure:"allowed-origins"`

	// MutationsPerSecond and MutationBurst bound the per-client write rate.
	MutationsPerSecond float64 `mapstructure:"mutations-per-second"`
	MutationBurst      int     `mapstructure:"mutation-burst"`

	// Heartbeat is the idle keep-alive interval on event streams.
	Heartbeat time.Duration `mapstructure:"heartbeat"`

	// SnapshotCacheSize bounds the per-list latest-snapshot cache.
	SnapshotCacheSize int `mapstructure:"snapshot-cache-size"`

	// MaxBodyBytes bounds a mutation request body.
	MaxBodyBytes int64 `mapstructure:"max-body-bytes"`

	// ExportDir, when set, enables periodic snapshot exports for backup.
	ExportDir      string        `mapstructure:"export-dir"`
	ExportInterval time.Duration `mapstructure:"export-interval"`

	// PurgeInterval is how often tombstone retention is enforced.
	PurgeInterval time.Duration `mapstructure:"purge-interval"`
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Listen:             ":7600",
		AllowedOrigins:     []string{"*"},
		MutationsPerSecond: 25,
		MutationBurst:      50,
		Heartbeat:          25 * time.Second,
		SnapshotCacheSize:  128,
		MaxBodyBytes:       1 << 20,
		ExportInterval:     time.Minute,
		PurgeInterval:      time.Hour,
	}
}

// Server is the sync endpoint plus the in-process broadcast fan-out.
type Server struct {
	*http.Server

	logger  *zap.Logger
	clock   clockwork.Clock
	cfg     Config
	store   *store.Store
	bcast   *Broadcaster
	limits  *ipLimiters
	schema  *jsonschema.Schema
	fs      afero.Fs
	handler http.Handler
}

// Opt modifies the server.
type Opt func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithConfig sets the server configuration.
func WithConfig(cfg Config) Opt {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithClock overrides the clock driving heartbeats and background jobs.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithFilesystem overrides the filesystem used for snapshot exports.
func WithFilesystem(fs afero.Fs) Opt {
	return func(s *Server) {
		s.fs = fs
	}
}

// New creates a sync server over the given store.
func New(st *store.Store, opts ...Opt) (*Server, error) {
	s := &Server{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		cfg:    DefaultConfig(),
		store:  st,
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(s)
	}

	sch, err := compileMutationSchema()
	if err != nil {
		return nil, err
	}
	s.schema = sch

	bcast, err := NewBroadcaster(s.logger.Named("broadcast"), s.cfg.SnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	s.bcast = bcast
	s.limits = newIPLimiters(s.cfg.MutationsPerSecond, s.cfg.MutationBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/events", s.handleEvents)

	mdlw := middleware.New(middleware.Config{Recorder: httpRecorder})
	handler := middlewarestd.Handler("", mdlw, mux)
	handler = cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(handler)

	s.handler = handler
	s.Server = &http.Server{Addr: s.cfg.Listen, Handler: handler}
	return s, nil
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Broadcaster exposes the fan-out, mostly for tests and the exporter.
func (s *Server) Broadcaster() *Broadcaster {
	return s.bcast
}

// Start serves the sync API until ctx is cancelled, running the retention
// and export jobs alongside.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.logger.Info("sync server listening", zap.String("addr", ln.Addr().String()))

	var eg errgroup.Group
	eg.Go(func() error {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		s.runJobs(ctx)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (s *Server) runJobs(ctx context.Context) {
	purge := s.clock.NewTicker(s.cfg.PurgeInterval)
	defer purge.Stop()

	var exportCh <-chan time.Time
	if s.cfg.ExportDir != "" {
		export := s.clock.NewTicker(s.cfg.ExportInterval)
		defer export.Stop()
		exportCh = export.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.Chan():
			s.purgeAll(ctx)
		case <-exportCh:
			if err := s.exportAll(ctx); err != nil {
				s.logger.Warn("snapshot export failed", log.NiceZapError(err))
			}
		}
	}
}

func (s *Server) purgeAll(ctx context.Context) {
	lists, err := s.store.Lists(ctx)
	if err != nil {
		s.logger.Warn("tombstone purge failed", log.NiceZapError(err))
		return
	}
	for _, list := range lists {
		if _, err := s.store.Purge(ctx, list); err != nil {
			s.logger.Warn("tombstone purge failed",
				zap.String("list", string(list)), log.NiceZapError(err))
		}
	}
}

func listID(r *http.Request) types.ListID {
	if list := r.URL.Query().Get("list"); list != "" {
		return types.ListID(list)
	}
	return DefaultList
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	list := listID(r)
	switch r.Method {
	case http.MethodGet:
		s.serveSnapshot(w, r, list)
	case http.MethodPost:
		s.applyMutation(w, r, list)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, list types.ListID) {
	if snap, ok := s.bcast.Latest(list); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), list)
	if err != nil {
		s.logger.Error("snapshot read failed",
			zap.String("list", string(list)), log.NiceZapError(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.bcast.Prime(list, snap)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) applyMutation(w http.ResponseWriter, r *http.Request, list types.ListID) {
	if !s.limits.allow(r.RemoteAddr) {
		rateLimited.WithLabelValues().Inc()
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	ctx := log.WithRequestID(r.Context(), uuid.NewString())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := validateEnvelope(s.schema, body); err != nil {
		s.logger.Debug("rejecting mutation", log.ZContext(ctx), log.NiceZapError(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var m types.Mutation
	if err := json.Unmarshal(body, &m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, snap, err := s.store.Apply(ctx, list, m)
	switch {
	case errors.Is(err, store.ErrNotFound):
		mutations.WithLabelValues(string(m.Op), "not_found").Inc()
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, types.ErrBadPayload), errors.Is(err, types.ErrUnknownOp):
		mutations.WithLabelValues(string(m.Op), "rejected").Inc()
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		mutations.WithLabelValues(string(m.Op), "error").Inc()
		s.logger.Error("mutation failed", log.ZContext(ctx),
			zap.String("list", string(list)), log.NiceZapError(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	mutations.WithLabelValues(string(m.Op), "ok").Inc()
	s.bcast.Publish(list, snap)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	list := listID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bcast.Subscribe(list)
	defer sub.Close()

	// connection-established signal, sent exactly once per subscription
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := s.clock.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-sub.C:
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("snapshot encode failed", log.NiceZapError(err))
				continue
			}
			fmt.Fprintf(w, "event: sync\ndata: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.Chan():
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// response already committed, nothing to do beyond noting it
		_ = err
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
