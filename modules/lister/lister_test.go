package lister

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/zachfi/icylister/pkg/shoutcast"
)

func testConfig(urls ...string) Config {
	return Config{
		URLs:                urls,
		UserAgent:           shoutcast.DefaultUserAgent,
		Format:              FormatTitle,
		RequireMetadata:     true,
		ResolvePlaylists:    true,
		ReadTimeout:         5 * time.Second,
		ReconnectBackoff:    time.Millisecond,
		ReconnectBackoffMax: 2 * time.Millisecond,
	}
}

func testLogger() slog.Logger {
	return *slog.New(slog.NewTextHandler(io.Discard, nil))
}

func icyBlock(text string) []byte {
	n := (len(text) + 15) / 16
	block := make([]byte, 1+n*16)
	block[0] = byte(n)
	copy(block[1:], text)
	return block
}

func icyCycles(metaint int, blocks ...[]byte) []byte {
	var buf bytes.Buffer
	for _, b := range blocks {
		buf.Write(bytes.Repeat([]byte{0xff}, metaint))
		buf.Write(b)
	}
	return buf.Bytes()
}

func lines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// text strips the timestamp column.
func text(t *testing.T, l string) string {
	t.Helper()
	stamp, rest, ok := strings.Cut(l, "\t")
	if !ok {
		t.Fatalf("line %q has no tab", l)
	}
	if _, err := time.ParseInLocation(timeLayout, stamp, time.Local); err != nil {
		t.Errorf("bad timestamp %q: %v", stamp, err)
	}
	return rest
}

func record(m shoutcast.Metadata) *shoutcast.Record {
	return &shoutcast.Record{Metadata: m, Time: time.Now()}
}

func TestHandle(t *testing.T) {
	cases := []struct {
		name       string
		format     string
		blacklist  []string
		metadata   shoutcast.Metadata
		primary    string
		diagnostic string
	}{
		{
			name:     "title",
			metadata: shoutcast.Metadata{"StreamTitle": "Artist - Song"},
			primary:  "Artist - Song",
		},
		{
			name:       "blacklisted",
			blacklist:  []string{"ANTENNE BAYERN"},
			metadata:   shoutcast.Metadata{"StreamTitle": "ANTENNE BAYERN - Jingle"},
			diagnostic: "ANTENNE BAYERN - Jingle",
		},
		{
			name:      "blacklist is anchored",
			blacklist: []string{"Jingle"},
			metadata:  shoutcast.Metadata{"StreamTitle": "ANTENNE BAYERN - Jingle"},
			primary:   "ANTENNE BAYERN - Jingle",
		},
		{
			name:       "missing title",
			metadata:   shoutcast.Metadata{"StreamUrl": "http://x"},
			diagnostic: "No 'StreamTitle' in metadata: {StreamUrl: http://x}",
		},
		{
			name:       "empty record",
			metadata:   shoutcast.Metadata{},
			diagnostic: "Empty metadata block",
		},
		{
			name:     "artist song",
			format:   FormatArtistSong,
			metadata: shoutcast.Metadata{"StreamTitle": "Artist - Song - Live"},
			primary:  "Artist ~ Song - Live",
		},
		{
			name:       "artist song without separator",
			format:     FormatArtistSong,
			metadata:   shoutcast.Metadata{"StreamTitle": "News"},
			diagnostic: "StreamTitle bad(?):News",
		},
		{
			name:       "artist song blacklisted",
			format:     FormatArtistSong,
			blacklist:  []string{"ANTENNE"},
			metadata:   shoutcast.Metadata{"StreamTitle": "ANTENNE BAYERN - Jingle"},
			diagnostic: "ANTENNE BAYERN ~ Jingle",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var primary, diagnostic bytes.Buffer
			out := NewOutput(&primary, &diagnostic)

			cfg := testConfig("http://example.invalid/stream")
			cfg.Blacklist = tc.blacklist
			if tc.format != "" {
				cfg.Format = tc.format
			}

			l, err := New(cfg, testLogger(), out)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			l.handle(l.logger, "http://example.invalid/stream", record(tc.metadata))
			if err := out.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			checkOutput(t, "primary", primary.String(), tc.primary)
			checkOutput(t, "diagnostic", diagnostic.String(), tc.diagnostic)
		})
	}
}

func checkOutput(t *testing.T, name, got, want string) {
	t.Helper()
	ls := lines(got)
	if want == "" {
		if len(ls) != 0 {
			t.Errorf("expected no %s output, got %q", name, got)
		}
		return
	}
	if len(ls) != 1 {
		t.Fatalf("expected one %s line, got %q", name, got)
	}
	if got := text(t, ls[0]); got != want {
		t.Errorf("%s: expected %q, got %q", name, want, got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	out := NewOutput(io.Discard, io.Discard)
	defer out.Close()

	if _, err := New(testConfig(), testLogger(), out); err == nil {
		t.Errorf("expected error without urls")
	}

	cfg := testConfig("http://x")
	cfg.Format = "xml"
	if _, err := New(cfg, testLogger(), out); err == nil {
		t.Errorf("expected error for unknown format")
	}

	cfg = testConfig("http://x")
	cfg.Blacklist = []string{"("}
	if _, err := New(cfg, testLogger(), out); err == nil {
		t.Errorf("expected error for invalid pattern")
	}

	cfg = testConfig("http://x")
	cfg.Charset = "klingon"
	if _, err := New(cfg, testLogger(), out); err == nil {
		t.Errorf("expected error for unknown charset")
	}
}

func runLister(t *testing.T, cfg Config) (primary, diagnostic string, failure error) {
	t.Helper()

	var p, d bytes.Buffer
	l, err := New(cfg, testLogger(), NewOutput(&p, &d))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The station may fail before the service is observed Running.
	if err := l.StartAsync(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_ = l.AwaitTerminated(ctx)

	return p.String(), d.String(), l.FailureCase()
}

func TestListerRoutesTitles(t *testing.T) {
	body := icyCycles(64,
		icyBlock("StreamTitle='Artist - Song';StreamUrl='';"),
		[]byte{0},
		icyBlock("StreamTitle='AD BREAK';"),
		icyBlock("StreamUrl='http://x';"),
		icyBlock("StreamTitle='Other - Track';"),
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "64")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Blacklist = []string{"AD "}

	primary, diagnostic, failure := runLister(t, cfg)

	if !errors.Is(failure, shoutcast.ErrTruncated) {
		t.Errorf("expected the station to end truncated, got %v", failure)
	}

	p := lines(primary)
	if len(p) != 2 || text(t, p[0]) != "Artist - Song" || text(t, p[1]) != "Other - Track" {
		t.Errorf("unexpected primary output %q", primary)
	}

	d := lines(diagnostic)
	if len(d) != 2 || text(t, d[0]) != "AD BREAK" || text(t, d[1]) != "No 'StreamTitle' in metadata: {StreamUrl: http://x}" {
		t.Errorf("unexpected diagnostic output %q", diagnostic)
	}
}

func TestListerDedupe(t *testing.T) {
	body := icyCycles(16,
		icyBlock("StreamTitle='Same';"),
		icyBlock("StreamTitle='Same';"),
		icyBlock("StreamTitle='Next';"),
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "16")
		_, _ = w.Write(body)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Dedupe = true

	primary, _, _ := runLister(t, cfg)
	if p := lines(primary); len(p) != 2 {
		t.Errorf("expected duplicate to be skipped, got %q", primary)
	}
}

func TestListerReconnectsAfterTruncation(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n > 2 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "32")
		_, _ = w.Write(icyCycles(32, icyBlock("StreamTitle='Connection';")))
		// Cut the next cycle short.
		_, _ = w.Write(make([]byte, 10))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxReconnects = 1

	primary, _, failure := runLister(t, cfg)

	if got := requests.Load(); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
	if p := lines(primary); len(p) != 2 {
		t.Errorf("expected one title per connection, got %q", primary)
	}
	if !errors.Is(failure, shoutcast.ErrTransportFailure) {
		t.Errorf("expected transport failure after retries, got %v", failure)
	}
}

func TestListerNoReconnect(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "32")
		_, _ = w.Write(make([]byte, 10))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxReconnects = 0

	_, _, failure := runLister(t, cfg)
	if !errors.Is(failure, shoutcast.ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", failure)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected a single request, got %d", got)
	}
}

func TestListerNoMetadataSupport(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(make([]byte, 100))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxReconnects = 5

	_, _, failure := runLister(t, cfg)
	if !errors.Is(failure, shoutcast.ErrNoMetadataSupport) {
		t.Errorf("expected ErrNoMetadataSupport, got %v", failure)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("missing metadata must not be retried, got %d requests", got)
	}
}

func TestListerTransportFailureIsFatal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	// Reconnects only apply once a stream has been negotiated.
	cfg := testConfig(server.URL)
	cfg.MaxReconnects = 5

	_, _, failure := runLister(t, cfg)
	if !errors.Is(failure, shoutcast.ErrTransportFailure) {
		t.Errorf("expected ErrTransportFailure, got %v", failure)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected a single request, got %d", got)
	}
}

func TestListerStop(t *testing.T) {
	sent := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", "16")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(icyCycles(16, icyBlock("StreamTitle='Live';")))
		w.(http.Flusher).Flush()
		close(sent)
		<-r.Context().Done()
	}))
	defer server.Close()

	var p bytes.Buffer
	l, err := New(testConfig(server.URL), testLogger(), NewOutput(&p, io.Discard))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := services.StartAndAwaitRunning(ctx, l); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case <-sent:
	case <-ctx.Done():
		t.Fatalf("server never received a request")
	}

	if err := services.StopAndAwaitTerminated(ctx, l); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if l.State() != services.Terminated {
		t.Errorf("expected Terminated, got %v", l.State())
	}
}
