package fragment

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragserv/fragserv/internal/events"
)

func collect(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestFragment_SuccessEmitsStartResponseEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("HELLO"))
	}))
	defer srv.Close()

	var kinds []events.Kind
	sink := events.Func(func(e events.Event) { kinds = append(kinds, e.Kind) })

	f := New(Attrs{URL: srv.URL}, 0, srv.Client(), sink)
	body := f.Fetch(context.Background(), nil)

	assert.Equal(t, "HELLO", collect(t, body))
	assert.Equal(t, []events.Kind{
		events.KindFragmentStart,
		events.KindFragmentResponse,
		events.KindFragmentEnd,
	}, kinds)
	assert.Equal(t, StateEnded, f.State())
}

func TestFragment_TimeoutFallsBackToFallbackURL(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("TOO LATE"))
	}))
	defer slow.Close()

	fb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("FB"))
	}))
	defer fb.Close()

	var kinds []events.Kind
	sink := events.Func(func(e events.Event) { kinds = append(kinds, e.Kind) })

	f := New(Attrs{
		URL:         slow.URL,
		FallbackURL: fb.URL,
		Timeout:     10 * time.Millisecond,
	}, 0, slow.Client(), sink)

	body := f.Fetch(context.Background(), nil)

	assert.Equal(t, "FB", collect(t, body))
	assert.Contains(t, kinds, events.KindFragmentTimeout)
	assert.Contains(t, kinds, events.KindFragmentFallback)
	assert.NotContains(t, kinds, events.KindFragmentEnd)
	assert.NotContains(t, kinds, events.KindFragmentError)
	assert.Equal(t, StateFallback, f.State())
}

func TestFragment_NonSuccessWithoutFallbackErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var kinds []events.Kind
	sink := events.Func(func(e events.Event) { kinds = append(kinds, e.Kind) })

	f := New(Attrs{URL: srv.URL}, 0, srv.Client(), sink)
	body := f.Fetch(context.Background(), nil)

	assert.Empty(t, collect(t, body))
	assert.Equal(t, []events.Kind{
		events.KindFragmentStart,
		events.KindFragmentResponse,
		events.KindFragmentError,
	}, kinds)
	assert.Equal(t, StateErrored, f.State())
}

func TestFragment_PublicFalseScrubsHeaders(t *testing.T) {
	var seenAuth, seenUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inbound := http.Header{}
	inbound.Set("Authorization", "secret-token")
	inbound.Set("User-Agent", "test-agent")

	f := New(Attrs{URL: srv.URL, Public: false}, 0, srv.Client(), nil)
	collect(t, f.Fetch(context.Background(), inbound))

	assert.Empty(t, seenAuth)
	assert.Equal(t, "test-agent", seenUA)
}

func TestFragment_PublicTrueForwardsAllHeaders(t *testing.T) {
	var seenAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inbound := http.Header{}
	inbound.Set("Authorization", "secret-token")

	f := New(Attrs{URL: srv.URL, Public: true}, 0, srv.Client(), nil)
	collect(t, f.Fetch(context.Background(), inbound))

	assert.Equal(t, "secret-token", seenAuth)
}

func TestFragment_GeneratesCorrelationIDWhenIDAbsent(t *testing.T) {
	f := New(Attrs{URL: "http://example.invalid"}, 0, http.DefaultClient, nil)
	assert.NotEmpty(t, f.CorrelationID())
}
