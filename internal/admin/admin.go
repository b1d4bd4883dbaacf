// Package admin serves read-only introspection of the lock daemon over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/locker"
	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/version"
)

const spanName = "netlock.admin"

// Source is the part of the locker registry the admin surface reads.
type Source interface {
	Snapshots(ctx context.Context) ([]locker.Status, error)
	Snapshot(ctx context.Context, name string) (locker.Status, error)
	Len() int
	Defaults() locker.Defaults
}

// Options customise the handler.
type Options struct {
	Logger pslog.Logger
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	// Started is reported as the daemon start time.
	Started time.Time
	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is the body of GET /v1/status.
type Status struct {
	Version   string         `json:"version"`
	Started   time.Time      `json:"started"`
	Uptime    string         `json:"uptime"`
	Resources int            `json:"resources"`
	Defaults  DefaultsStatus `json:"defaults"`
	Process   ProcessStatus  `json:"process"`
}

// DefaultsStatus renders the resource defaults currently applied to new
// resources.
type DefaultsStatus struct {
	Create   bool   `json:"create"`
	Lifespan string `json:"lifespan"`
	Mode     string `json:"mode"`
	Wait     bool   `json:"wait"`
	Quantity int    `json:"quantity"`
}

// ProcessStatus carries process level resource usage. Fields the platform
// cannot report are left zero.
type ProcessStatus struct {
	PID        int     `json:"pid"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes"`
	RSS        string  `json:"rss"`
	CPUPercent float64 `json:"cpu_percent"`
	OpenFiles  int32   `json:"open_files"`
	Threads    int32   `json:"threads"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type handler struct {
	src     Source
	logger  pslog.Logger
	started time.Time
	now     func() time.Time
}

// NewHandler returns the admin HTTP handler:
//
//	GET /v1/resources         snapshots of every live resource
//	GET /v1/resources/{name}  snapshot of one resource
//	GET /v1/status            daemon and process status
//	GET /metrics              Prometheus metrics (when configured)
func NewHandler(src Source, opts Options) http.Handler {
	h := &handler{
		src:     src,
		logger:  loggingutil.WithSubsystem(opts.Logger, "server.admin"),
		started: opts.Started,
		now:     opts.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.started.IsZero() {
		h.started = h.now()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/resources", h.listResources)
	mux.HandleFunc("GET /v1/resources/{name...}", h.getResource)
	mux.HandleFunc("GET /v1/status", h.status)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return otelhttp.NewHandler(mux, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *handler) listResources(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.src.Snapshots(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *handler) getResource(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_name"})
		return
	}
	snap, err := h.src.Snapshot(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	d := h.src.Defaults()
	writeJSON(w, http.StatusOK, Status{
		Version:   version.Current(),
		Started:   h.started,
		Uptime:    strings.TrimSpace(humanize.RelTime(h.started, now, "", "")),
		Resources: h.src.Len(),
		Defaults: DefaultsStatus{
			Create:   d.Create,
			Lifespan: d.Lifespan.String(),
			Mode:     d.Mode.String(),
			Wait:     d.Wait,
			Quantity: d.Quantity,
		},
		Process: h.process(r.Context()),
	})
}

func (h *handler) process(ctx context.Context) ProcessStatus {
	st := ProcessStatus{PID: os.Getpid(), Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcessWithContext(ctx, int32(st.PID))
	if err != nil {
		h.logger.Debug("admin.status.process_unavailable", "error", err)
		return st
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
		st.RSS = humanize.IBytes(mem.RSS)
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if fds, err := p.NumFDsWithContext(ctx); err == nil {
		st.OpenFiles = fds
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		st.Threads = threads
	}
	return st
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, locker.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Detail: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "timeout", Detail: err.Error()})
	default:
		if code := locker.CodeFor(err); code != proto.CodeInternalError {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(code), Detail: err.Error()})
			return
		}
		h.logger.Warn("admin.request.error", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
