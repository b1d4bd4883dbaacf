package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/netlock/internal/locker"
	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/resource"
)

type fakeSource struct {
	snaps    []locker.Status
	defaults locker.Defaults
	err      error
}

func (f *fakeSource) Snapshots(context.Context) ([]locker.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snaps, nil
}

func (f *fakeSource) Snapshot(_ context.Context, name string) (locker.Status, error) {
	if f.err != nil {
		return locker.Status{}, f.err
	}
	for _, s := range f.snaps {
		if s.Name == name {
			return s, nil
		}
	}
	return locker.Status{}, fmt.Errorf("%w: %s", locker.ErrNotFound, name)
}

func (f *fakeSource) Len() int                  { return len(f.snaps) }
func (f *fakeSource) Defaults() locker.Defaults { return f.defaults }

func newTestHandler(src Source) http.Handler {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewHandler(src, Options{
		Logger:  loggingutil.NoopLogger(),
		Started: started,
		Now:     func() time.Time { return started.Add(90 * time.Minute) },
	})
}

func sampleSource() *fakeSource {
	return &fakeSource{
		snaps: []locker.Status{
			{Snapshot: resource.Snapshot{Key: "fs", Name: "fs/home/alice"}, State: "running", Connections: 1},
			{Snapshot: resource.Snapshot{Key: "orders", Name: "orders"}, State: "running", Connections: 2},
		},
		defaults: locker.DefaultDefaults(),
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListResources(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestHandler(sampleSource()), "/v1/resources")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out []locker.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[1].Name != "orders" || out[1].Connections != 2 {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestGetHierarchicalResource(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestHandler(sampleSource()), "/v1/resources/fs/home/alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out locker.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "fs/home/alice" {
		t.Fatalf("name = %q", out.Name)
	}
}

func TestGetUnknownResource(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestHandler(sampleSource()), "/v1/resources/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "not_found" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestSourceErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := get(t, newTestHandler(&fakeSource{err: tc.err}), "/v1/resources")
		if rec.Code != tc.want {
			t.Fatalf("%v: status %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestHandler(sampleSource()), "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Resources != 2 {
		t.Fatalf("resources = %d", st.Resources)
	}
	if st.Uptime != "1 hour" {
		t.Fatalf("uptime = %q", st.Uptime)
	}
	if st.Defaults.Mode != "EX" || !st.Defaults.Create || !st.Defaults.Wait {
		t.Fatalf("defaults = %+v", st.Defaults)
	}
	if st.Process.PID == 0 || st.Process.Goroutines == 0 {
		t.Fatalf("process = %+v", st.Process)
	}
}

func TestMetricsMountedOnlyWhenConfigured(t *testing.T) {
	t.Parallel()
	if rec := get(t, newTestHandler(sampleSource()), "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler: status %d", rec.Code)
	}
	h := NewHandler(sampleSource(), Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	})
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Fatalf("metrics: status %d body %q", rec.Code, rec.Body.String())
	}
}
