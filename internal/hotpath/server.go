package hotpath

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/projections"
	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

// DefaultMaxHeaderBytes is the request-header ceiling applied when the
// configuration doesn't set one; exceeding the limit is answered with
// 431 before the request ever reaches the proxy.
const DefaultMaxHeaderBytes = 8 * 1024

// assemblerStallAfter is how long the audit consumer may sit idle while
// the ring buffer holds a backlog before /readyz reports not-ready.
const assemblerStallAfter = 10 * time.Second

// ProgressReporter is the slice of the audit assembler the readiness
// probe needs: when it last consumed a chunk or completed a sweep.
type ProgressReporter interface {
	LastProgress() time.Time
}

// Server is Union Square's HTTP entrypoint: health/readiness surfaces, a
// thin read-only query surface over the projections, and the proxy
// mounted as a catch-all.
type Server struct {
	router         chi.Router
	proxy          *Proxy
	rb             *ringbuffer.RingBuffer
	bus            *CommandBus
	store          *eventstore.Store
	asm            ProgressReporter // nil when no assembler runs in-process (tests)
	proj           *projections.Store
	maxHeaderBytes int
	started        time.Time
}

// NewServer builds a Server, wires its routes, and returns it ready to use
// as an http.Handler. maxHeaderBytes <= 0 applies DefaultMaxHeaderBytes.
func NewServer(proxy *Proxy, rb *ringbuffer.RingBuffer, bus *CommandBus, store *eventstore.Store, asm ProgressReporter, maxHeaderBytes int) *Server {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	s := &Server{
		proxy:          proxy,
		rb:             rb,
		bus:            bus,
		store:          store,
		asm:            asm,
		proj:           projections.NewStore(store),
		maxHeaderBytes: maxHeaderBytes,
		started:        time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(headerSizeLimit(s.maxHeaderBytes))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/v1/sessions/{sessionID}", s.handleSessionSummary)
	r.Get("/v1/users/{userID}", s.handleUserActivity)
	r.Get("/v1/metrics/{applicationID}", s.handleHourlyMetrics)
	r.NotFound(s.proxy.ServeHTTP)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { s.proxy.ServeHTTP(w, r) })

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler so it can be passed directly
// to http.Server{Handler: s}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz reports 200 only while the audit side is keeping up: the
// event store accepts statements, and the assembler has made progress
// recently whenever the ring buffer holds a backlog for it to drain.
// Provider reachability is reported alongside but never gates readiness —
// an upstream outage is the upstream's problem, not this process's.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	stats := s.rb.Stats()
	dropped := s.bus.Dropped()

	ready := true
	reasons := []string{}

	if err := s.store.Ping(r.Context()); err != nil {
		ready = false
		reasons = append(reasons, "event store not writable: "+err.Error())
	}

	backlog := stats.ProducerCursor - stats.ConsumerCursor
	if s.asm != nil && backlog > 0 && time.Since(s.asm.LastProgress()) > assemblerStallAfter {
		ready = false
		reasons = append(reasons, "assembler stalled with ring buffer backlog")
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"ready":            ready,
		"reasons":          reasons,
		"uptime_seconds":   time.Since(s.started).Seconds(),
		"ring_buffer":      stats,
		"commands_dropped": dropped,
		"providers":        s.providerHealth(r.Context()),
	})
}

// providerHealth probes each registered adapter's upstream with a short
// deadline and a probe-only client (no pooled proxy connections tied up).
func (s *Server) providerHealth(ctx context.Context) map[string]string {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 2 * time.Second}

	out := make(map[string]string)
	for _, a := range s.proxy.Registry.Adapters() {
		out[a.ID()] = a.HealthCheck(probeCtx, client).String()
	}
	return out
}

// handleSessionSummary is a thin read-only JSON surface over the Session
// Summary projection — the data path an operator UI would consume.
func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	entry, err := s.proj.SessionSummary(r.Context(), chi.URLParam(r, "sessionID"))
	writeProjectionResult(w, entry, err)
}

func (s *Server) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	entry, err := s.proj.UserActivity(r.Context(), chi.URLParam(r, "userID"))
	writeProjectionResult(w, entry, err)
}

// handleHourlyMetrics reads the `hour` query parameter as an RFC 3339
// timestamp identifying any instant within the desired bucket; it defaults
// to the current hour when omitted.
func (s *Server) handleHourlyMetrics(w http.ResponseWriter, r *http.Request) {
	hour := time.Now()
	if raw := r.URL.Query().Get("hour"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid hour query parameter, expected RFC3339", http.StatusBadRequest)
			return
		}
		hour = parsed
	}
	entry, err := s.proj.HourlyMetrics(r.Context(), chi.URLParam(r, "applicationID"), hour)
	writeProjectionResult(w, entry, err)
}

// writeProjectionResult renders a projection query's (entry, error) result
// as JSON: 200 with the entry, 404 when nothing has been materialized yet
// (entry is nil with no error), or 500 on a store read failure.
func writeProjectionResult(w http.ResponseWriter, entry any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entry == nil || isNilPointer(entry) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(entry)
}

// isNilPointer reports whether a value boxed into an `any` is a typed nil
// pointer (e.g. (*SessionSummaryEntry)(nil)) — a plain `entry == nil`
// check on the interface misses this case since the interface value
// itself (type + nil pointer) is non-nil.
func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

// headerSizeLimit rejects requests whose header block exceeds limit bytes
// with 431, before any handler (including the proxy) sees them.
func headerSizeLimit(limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			total := 0
			for key, values := range r.Header {
				total += len(key)
				for _, v := range values {
					total += len(v) + 2
				}
				if total > limit {
					break
				}
			}
			if total > limit {
				http.Error(w, "request header fields too large", http.StatusRequestHeaderFieldsTooLarge)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
