package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/lib/resync"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/base"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-yaml"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var Logger = logger.GetLogger("admin")

const shutdownTimeout = 5 * time.Second

// --------------------------------------------------------------------------
// Interface Definitions for dependency injection
// --------------------------------------------------------------------------

// IStates lists the consistency states. It is implemented by consistency.Registry.
type IStates interface {
	Snapshot() []consistency.Record
}

// ILocks lists the held entry locks. It is implemented by lockstore.ILockStore.
type ILocks interface {
	Keys() []lockstore.Key
}

// IResync controls resync jobs. It is implemented by resync.Manager.
type IResync interface {
	Jobs() []resync.Info
	Start(groupID uint16) (*resync.Job, error)
	Abort(groupID uint16) bool
}

// Server serves the admin HTTP API of a node
type Server struct {
	states IStates
	locks  ILocks
	resync IResync
	debug  bool

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates an admin server. resync may be nil on nodes that are
// not the primary of any group. With debug set every request is logged.
func NewServer(states IStates, locks ILocks, resync IResync, debug bool) *Server {
	return &Server{states: states, locks: locks, resync: resync, debug: debug}
}

// Router returns the routes of the admin API
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.debug {
		r.Use(loggerMiddleware)
	}

	r.Get("/metrics", s.handleMetrics)
	r.Get("/states", s.handleStates)
	r.Get("/locks", s.handleLocks)
	r.Get("/debug/pool", s.handlePool)

	r.Route("/resync", func(r chi.Router) {
		r.Get("/", s.handleJobs)
		r.Post("/{group}", s.handleStartResync)
		r.Delete("/{group}", s.handleAbortResync)
	})
	return r
}

// Start binds endpoint and serves in the background
func (s *Server) Start(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}
	s.listener = l
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: time.Second}
	s.done = make(chan struct{})

	Logger.Infof("Starting admin HTTP server on %s", l.Addr())
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Admin HTTP server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	s.srv = nil
	return err
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// StateView is the representation of one consistency record
type StateView struct {
	GroupID  uint16     `json:"group" yaml:"group"`
	NodeID   uint32     `json:"node" yaml:"node"`
	State    string     `json:"state" yaml:"state"`
	LastComm *time.Time `json:"lastComm,omitempty" yaml:"lastComm,omitempty"`
}

// NewStateView converts a record
func NewStateView(rec consistency.Record) StateView {
	v := StateView{GroupID: rec.Key.GroupID, NodeID: rec.Key.NodeID, State: rec.State.String()}
	if !rec.LastComm.IsZero() {
		ts := rec.LastComm
		v.LastComm = &ts
	}
	return v
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics.WritePrometheus(w, true)
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	recs := s.states.Snapshot()
	views := make([]StateView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, NewStateView(rec))
	}
	write(w, r, http.StatusOK, views)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	keys := s.locks.Keys()
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		held = append(held, k.String())
	}
	write(w, r, http.StatusOK, held)
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	gometrics.WriteJSONOnce(base.PoolMetrics, w)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.resync == nil {
		write(w, r, http.StatusOK, []resync.Info{})
		return
	}
	jobs := s.resync.Jobs()
	if jobs == nil {
		jobs = []resync.Info{}
	}
	write(w, r, http.StatusOK, jobs)
}

func (s *Server) handleStartResync(w http.ResponseWriter, r *http.Request) {
	groupID, ok := s.group(w, r)
	if !ok {
		return
	}
	job, err := s.resync.Start(groupID)
	switch {
	case errors.Is(err, resync.ErrJobRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, resync.ErrNotPrimary):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		write(w, r, http.StatusAccepted, job.Info())
	}
}

func (s *Server) handleAbortResync(w http.ResponseWriter, r *http.Request) {
	groupID, ok := s.group(w, r)
	if !ok {
		return
	}
	if !s.resync.Abort(groupID) {
		http.Error(w, "no running job", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// group parses the group path parameter
func (s *Server) group(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	if s.resync == nil {
		http.Error(w, "resync is not available on this node", http.StatusNotFound)
		return 0, false
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "group"), 10, 16)
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return 0, false
	}
	return uint16(id), true
}

// write encodes v as JSON, or as YAML with ?format=yaml
func write(w http.ResponseWriter, r *http.Request, status int, v any) {
	var (
		data []byte
		err  error
	)
	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		data, err = yaml.Marshal(v)
	} else {
		w.Header().Set("Content-Type", "application/json")
		data, err = json.Marshal(v)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		Logger.Debugf("Failed to write response to %s: %v", r.RemoteAddr, err)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter captures the status code of a response
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware logs every request
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
