package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestServer_HealthzReturnsOK(t *testing.T) {
	frag := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("healthz must not fall through to the fragment handler")
	})
	srv := New(frag, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_BootstrapScriptIsServed(t *testing.T) {
	frag := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	srv := New(frag, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/_fragserv/bootstrap.js", nil)
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "window.Pipe")
}

func TestServer_MetricsEndpointExposesRegisteredCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total"})
	counter.Inc()
	reg.MustRegister(counter)

	frag := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	srv := New(frag, reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe_total 1")
}

func TestServer_UnmatchedPathDelegatesToFragmentHandler(t *testing.T) {
	called := false
	frag := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	srv := New(frag, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/some/page", nil)
	srv.ServeHTTP(rec, req)

	assert.True(t, called)
}
