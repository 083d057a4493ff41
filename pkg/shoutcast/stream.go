package shoutcast

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DefaultUserAgent identifies as VLC. Some servers only enable ICY metadata
// for clients they recognise.
const DefaultUserAgent = "VLC/2.2.4 LibVLC/2.2.4"

// metadataBlockUnit is the size multiplier of the metadata length byte.
const metadataBlockUnit = 16

var (
	// ErrTransportFailure matches any *TransportError.
	ErrTransportFailure = errors.New("transport failure")

	// ErrNoMetadataSupport is returned by Negotiate when the server did not
	// respond with a usable icy-metaint header.
	ErrNoMetadataSupport = errors.New("server did not respond with an icy-metaint header")

	// ErrNoMetaInterval is returned when reading a stream negotiated without
	// a metadata interval.
	ErrNoMetaInterval = errors.New("stream has no metadata interval")

	// ErrTruncated is returned when the connection ends in the middle of a
	// framing cycle. The stream cannot be resumed afterwards.
	ErrTruncated = errors.New("stream truncated mid-frame")

	// ErrClosed is returned when reading a stream after Close.
	ErrClosed = errors.New("stream closed")
)

// TransportError wraps DNS, connection and HTTP status failures.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransportFailure }

// ClientConfig controls how streams are negotiated.
type ClientConfig struct {
	// User-Agent header sent to the server. Defaults to DefaultUserAgent.
	UserAgent string

	// When set, a server without icy-metaint yields a Stream whose reads fail
	// with ErrNoMetaInterval instead of failing Negotiate.
	AllowMissingMetadata bool

	// Resolve .pls and .m3u playlists to the stream they point to.
	ResolvePlaylists bool

	// Abort the connection if no body bytes arrive for this long. Zero disables.
	ReadTimeout time.Duration

	// WHATWG label of the metadata text encoding. Defaults to windows-1252.
	Charset string

	// Optional transport. A client without a total timeout is built when nil.
	HTTPClient *http.Client
}

// Client opens ICY streams.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	enc    encoding.Encoding
	logger *slog.Logger
}

// NewClient returns a Client for cfg, logging through logger.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}

	enc, err := LookupCharset(cfg.Charset)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Only connection setup is bounded; the body is read indefinitely.
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				DisableCompression:    true,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		enc:    enc,
		logger: logger,
	}, nil
}

// Negotiate opens url with a default client and the given user agent.
func Negotiate(ctx context.Context, url, userAgent string) (*Stream, error) {
	c, err := NewClient(ClientConfig{UserAgent: userAgent, ResolvePlaylists: true}, nil)
	if err != nil {
		return nil, err
	}
	return c.Negotiate(ctx, url)
}

// Negotiate requests url with ICY metadata enabled and returns the open
// stream. The caller owns the stream and must Close it.
func (c *Client) Negotiate(ctx context.Context, url string) (*Stream, error) {
	c.logger.Info("opening stream", "url", url)

	resp, cancel, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	if c.cfg.ResolvePlaylists && isPlaylistResponse(resp, url) {
		data, err := readPlaylist(resp.Body)
		if err != nil {
			resp.Body.Close()
			cancel()
			return nil, &TransportError{URL: url, Err: err}
		}

		resolved, err := ParsePlaylist(string(data))
		if err != nil {
			// Not a usable playlist; keep the response and apply the
			// missing metadata policy below.
			c.logger.Warn("failed to resolve playlist", "url", url, "err", err)
			resp.Body = newReplayBody(data, resp.Body)
		} else {
			resp.Body.Close()
			cancel()

			c.logger.Info("resolved playlist to stream url", "playlist", url, "url", resolved)
			url = resolved

			resp, cancel, err = c.get(ctx, url)
			if err != nil {
				return nil, err
			}
		}
	}

	for k, v := range resp.Header {
		c.logger.Debug("http header", "url", url, "key", k, "value", strings.Join(v, ", "))
	}

	metaint, ok := parseMetaInt(resp.Header)
	if !ok && !c.cfg.AllowMissingMetadata {
		resp.Body.Close()
		cancel()
		return nil, errors.Wrapf(ErrNoMetadataSupport, "%s", url)
	}

	var body io.ReadCloser = resp.Body
	if c.cfg.ReadTimeout > 0 {
		body = newIdleTimeoutReader(resp.Body, c.cfg.ReadTimeout, cancel)
	}

	s := newStream(body, metaint, ok, c.enc)
	s.cancel = cancel
	s.URL = url
	s.Name = resp.Header.Get("icy-name")
	s.Genre = resp.Header.Get("icy-genre")
	s.Description = resp.Header.Get("icy-description")
	s.Homepage = resp.Header.Get("icy-url")
	if br, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("icy-br"))); err == nil {
		s.Bitrate = br
	}

	c.logger.Debug("negotiated stream", "url", url, "session", s.Session, "metaint", metaint, "name", s.Name)

	return s, nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, nil, &TransportError{URL: url, Err: errors.Wrap(err, "failed to create request")}
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Icy-MetaData", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, &TransportError{URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, nil, &TransportError{URL: url, Err: errors.Errorf("unexpected status: %s", resp.Status)}
	}

	return resp, cancel, nil
}

// parseMetaInt returns the positive icy-metaint value. Header lookup is
// case-insensitive.
func parseMetaInt(h http.Header) (int, bool) {
	raw := strings.TrimSpace(h.Get("Icy-Metaint"))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Stream represents an open shoutcast stream.
type Stream struct {
	// Random id identifying this connection in logs.
	Session string

	// The stream URL after playlist resolution
	URL string

	// The name of the server
	Name string

	// What category the server falls under
	Genre string

	// The description of the stream
	Description string

	// Homepage of the server
	Homepage string

	// Bitrate of the server
	Bitrate int

	// Amount of audio bytes between metadata blocks
	metaint    int
	hasMetaint bool

	enc    encoding.Encoding
	rc     io.ReadCloser
	cancel context.CancelFunc
	now    func() time.Time

	// First fatal error; returned by every later read.
	err    error
	closed atomic.Bool
}

// NewStream wraps an already open body that carries ICY metadata every
// metaInterval bytes. Metadata is decoded as Windows-1252.
func NewStream(rc io.ReadCloser, metaInterval int) *Stream {
	return newStream(rc, metaInterval, metaInterval > 0, charmap.Windows1252)
}

func newStream(rc io.ReadCloser, metaint int, hasMetaint bool, enc encoding.Encoding) *Stream {
	return &Stream{
		Session:    uuid.New().String(),
		metaint:    metaint,
		hasMetaint: hasMetaint,
		enc:        enc,
		rc:         rc,
		now:        time.Now,
	}
}

// MetaInterval returns the number of audio bytes between metadata blocks, and
// false if the server did not advertise one.
func (s *Stream) MetaInterval() (int, bool) {
	return s.metaint, s.hasMetaint
}

// ReadCycle consumes one metadata interval of audio and the metadata block
// that follows it. It returns a nil Record when the server sent an empty
// block. Any error is fatal: the stream stays failed and must be closed.
func (s *Stream) ReadCycle() (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	if !s.hasMetaint {
		return nil, ErrNoMetaInterval
	}

	rec, err := s.readCycle()
	if err != nil {
		if s.closed.Load() {
			err = ErrClosed
		}
		s.err = err
		return nil, err
	}
	return rec, nil
}

func (s *Stream) readCycle() (*Record, error) {
	skipped, err := io.CopyN(io.Discard, s.rc, int64(s.metaint))
	if skipped < int64(s.metaint) {
		return nil, truncated(err, "skip audio", int(skipped), s.metaint)
	}

	var lenByte [1]byte
	if n, err := io.ReadFull(s.rc, lenByte[:]); err != nil {
		return nil, truncated(err, "read metadata length", n, 1)
	}

	size := int(lenByte[0]) * metadataBlockUnit
	if size == 0 {
		return nil, nil
	}

	block := make([]byte, size)
	if n, err := io.ReadFull(s.rc, block); err != nil {
		return nil, truncated(err, "read metadata block", n, size)
	}

	text, warnings := decodeText(s.enc, stripPadding(block))

	return &Record{
		Metadata:       Parse(text),
		Time:           s.now(),
		DecodeWarnings: warnings,
	}, nil
}

func truncated(cause error, stage string, got, want int) error {
	if cause == nil || cause == io.EOF || cause == io.ErrUnexpectedEOF {
		return errors.Wrapf(ErrTruncated, "%s: got %d of %d bytes", stage, got, want)
	}
	return errors.Wrapf(ErrTruncated, "%s: got %d of %d bytes: %v", stage, got, want, cause)
}

// Records returns the unbounded sequence of non-empty metadata records. The
// sequence ends after yielding the first error; it cannot be restarted.
func (s *Stream) Records() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for {
			rec, err := s.ReadCycle()
			if err != nil {
				yield(nil, err)
				return
			}
			if rec == nil {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Close releases the connection. It may be called from another goroutine to
// unblock a pending ReadCycle.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.rc.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// idleTimeoutReader cancels the request when a single Read blocks for longer
// than timeout.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.expired.Store(true)
		cancel()
	})
	r.timer.Stop()
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	r.timer.Reset(r.timeout)
	n, err := r.rc.Read(p)
	r.timer.Stop()

	if err != nil && r.expired.Load() {
		err = errors.Errorf("read timeout: no data received for %v", r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
