package fragtemplate

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragserv/fragserv/internal/events"
	"github.com/fragserv/fragserv/internal/fragment"
)

func TestProcessor_InlineFragmentSplicedInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("HELLO"))
	}))
	defer srv.Close()

	tokens := []Token{
		Raw([]byte("<a>")),
		FragmentToken(fragment.Attrs{URL: srv.URL}),
		Raw([]byte("<b>")),
	}

	p := New(Config{MaxAssetLinks: 4, Client: srv.Client()})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, nil, nil, &out, nil, nil)

	require.NoError(t, err)
	assert.Equal(t,
		"<a><script>Pipe.start(0)</script>HELLO<script>Pipe.end(0)</script><b>",
		out.String(),
	)
}

func TestProcessor_SlotResolvedFromContext(t *testing.T) {
	tokens := []Token{
		Raw([]byte("<title>")),
		Slot("pageTitle"),
		Raw([]byte("</title>")),
	}

	p := New(Config{MaxAssetLinks: 4})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, map[string]string{"pageTitle": "Home"}, nil, &out, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "<title>Home</title>", out.String())
}

func TestProcessor_MissingSlotResolvesEmpty(t *testing.T) {
	tokens := []Token{Raw([]byte("<b>")), Slot("missing"), Raw([]byte("</b>"))}

	p := New(Config{MaxAssetLinks: 4})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, nil, nil, &out, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "<b></b>", out.String())
}

func TestProcessor_FragmentsDispatchConcurrently(t *testing.T) {
	const n = 4
	release := make(chan struct{})
	var mu sync.Mutex
	started := 0
	allStarted := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		started++
		if started == n {
			close(allStarted)
		}
		mu.Unlock()
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("X"))
	}))
	defer srv.Close()

	var tokens []Token
	for i := 0; i < n; i++ {
		tokens = append(tokens, FragmentToken(fragment.Attrs{URL: srv.URL}))
	}

	p := New(Config{MaxAssetLinks: 4, Client: srv.Client()})
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- p.Process(context.Background(), tokens, nil, nil, &out, nil, nil)
	}()

	select {
	case <-allStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("not all fragment fetches started concurrently")
	}
	close(release)

	require.NoError(t, <-done)
}

func TestProcessor_InlineErrorSubstitutesFallbackSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tokens := []Token{FragmentToken(fragment.Attrs{URL: srv.URL})}

	p := New(Config{MaxAssetLinks: 4, Client: srv.Client(), FallbackSnippet: []byte("<i>unavailable</i>")})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, nil, nil, &out, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "<script>Pipe.start(0)</script><i>unavailable</i><script>Pipe.end(0)</script>", out.String())
}

func TestProcessor_AsyncFragmentWritesPlaceholderThenTrailingSection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ASYNC"))
	}))
	defer srv.Close()

	tokens := []Token{
		Raw([]byte("<a>")),
		FragmentToken(fragment.Attrs{URL: srv.URL, Async: true}),
		Raw([]byte("<b>")),
	}

	p := New(Config{MaxAssetLinks: 4, Client: srv.Client()})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, nil, nil, &out, nil, nil)

	require.NoError(t, err)
	s := out.String()
	assert.Contains(t, s, "<a><script>Pipe.placeholder(0)</script><b>")
	assert.Contains(t, s, "ASYNC")
	assert.True(t, bytes.Index(out.Bytes(), []byte("<b>")) < bytes.Index(out.Bytes(), []byte("ASYNC")))
}

func TestProcessor_OnFragmentFoundCalledBeforeDispatchInTemplateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := []Token{
		FragmentToken(fragment.Attrs{URL: srv.URL, Primary: true}),
		FragmentToken(fragment.Attrs{URL: srv.URL}),
	}

	var found []*fragment.Fragment
	p := New(Config{MaxAssetLinks: 4, Client: srv.Client()})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, nil, nil, &out, func(f *fragment.Fragment) {
		found = append(found, f)
	}, nil)

	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.True(t, found[0].Attrs().Primary)
	assert.Equal(t, 0, found[0].Index())
	assert.Equal(t, 4, found[1].Index())
}

func TestProcessor_SecondPrimaryIsDegradedWithWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := []Token{
		FragmentToken(fragment.Attrs{URL: srv.URL, Primary: true}),
		FragmentToken(fragment.Attrs{URL: srv.URL, Primary: true}),
	}

	var primaryFlags []bool
	var sawWarn bool
	sink := events.Func(func(e events.Event) {
		switch e.Kind {
		case events.KindFragmentFound:
			primaryFlags = append(primaryFlags, e.Primary)
		case events.KindFragmentWarn:
			sawWarn = true
		}
	})

	p := New(Config{MaxAssetLinks: 4, Client: srv.Client(), Sink: sink})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, nil, nil, &out, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, primaryFlags)
	assert.True(t, sawWarn)
}

func TestProcessor_OnDispatchDoneReportsPrimaryPresence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cases := []struct {
		name   string
		tokens []Token
		want   bool
	}{
		{"no primary", []Token{FragmentToken(fragment.Attrs{URL: srv.URL})}, false},
		{"has primary", []Token{FragmentToken(fragment.Attrs{URL: srv.URL, Primary: true})}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got bool
			var called bool
			p := New(Config{MaxAssetLinks: 4, Client: srv.Client()})
			var out bytes.Buffer
			err := p.Process(context.Background(), tc.tokens, nil, nil, &out, nil, func(hasPrimary bool) {
				called = true
				got = hasPrimary
			})

			require.NoError(t, err)
			assert.True(t, called)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProcessor_EmitsFragmentFoundWithPrimaryFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := []Token{FragmentToken(fragment.Attrs{URL: srv.URL, Primary: true})}

	var foundEvent events.Event
	sink := events.Func(func(e events.Event) {
		if e.Kind == events.KindFragmentFound {
			foundEvent = e
		}
	})

	p := New(Config{MaxAssetLinks: 4, Client: srv.Client(), Sink: sink})
	var out bytes.Buffer
	err := p.Process(context.Background(), tokens, nil, nil, &out, nil, nil)

	require.NoError(t, err)
	assert.True(t, foundEvent.Primary)
	assert.Equal(t, 0, foundEvent.Index)
}
