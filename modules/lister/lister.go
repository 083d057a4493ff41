package lister

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/icylister/pkg/shoutcast"
)

type Lister struct {
	services.Service
	cfg    *Config
	logger *slog.Logger
	client *shoutcast.Client
	filter *TitleFilter
	out    *Output
}

var module = "lister"

var tracer = otel.Tracer(module)

// New creates and returns a new Lister writing titles to out. The Lister
// closes out when it stops.
func New(cfg Config, logger slog.Logger, out *Output) (*Lister, error) {
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid config")
	}

	filter, err := NewTitleFilter(cfg.Blacklist)
	if err != nil {
		return nil, err
	}

	r := &Lister{
		cfg:    &cfg,
		logger: logger.With("module", module),
		filter: filter,
		out:    out,
	}

	r.client, err = shoutcast.NewClient(shoutcast.ClientConfig{
		UserAgent:            cfg.UserAgent,
		AllowMissingMetadata: !cfg.RequireMetadata,
		ResolvePlaylists:     cfg.ResolvePlaylists,
		ReadTimeout:          cfg.ReadTimeout,
		Charset:              cfg.Charset,
	}, r.logger)
	if err != nil {
		return nil, err
	}

	r.Service = services.NewBasicService(nil, r.running, r.stopping)

	return r, nil
}

func (r *Lister) running(ctx context.Context) error {
	errs := make([]error, len(r.cfg.URLs))

	var wg sync.WaitGroup
	for i, url := range r.cfg.URLs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.monitor(ctx, url)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}

	// Only fail the service when no station ended cleanly.
	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(errs...)
}

func (r *Lister) stopping(_ error) error {
	r.logger.Info("stopping")
	return r.out.Close()
}

// monitor negotiates url and reads metadata until ctx is done or the stream
// fails for good. Truncated streams are renegotiated with backoff.
func (r *Lister) monitor(ctx context.Context, url string) error {
	logger := r.logger.With("url", url)

	maxRetries := r.cfg.MaxReconnects
	if maxRetries < 0 {
		maxRetries = 0
	}
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: r.cfg.ReconnectBackoff,
		MaxBackoff: r.cfg.ReconnectBackoffMax,
		MaxRetries: maxRetries,
	})

	connected := false
	for {
		err := r.watch(ctx, logger, url, boff, &connected)
		if ctx.Err() != nil {
			return nil
		}

		metricStreamErrors.WithLabelValues(url, errorReason(err)).Inc()

		if !r.retryable(err, connected) || !boff.Ongoing() {
			logger.Error("stopped monitoring stream", "err", err, "retries", boff.NumRetries())
			return err
		}

		logger.Warn("stream interrupted, reconnecting", "err", err, "attempt", boff.NumRetries()+1)
		metricReconnects.WithLabelValues(url).Inc()

		boff.Wait()
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Lister) retryable(err error, connected bool) bool {
	if r.cfg.MaxReconnects == 0 {
		return false
	}
	if errors.Is(err, shoutcast.ErrTruncated) {
		return true
	}
	// A server that went away after we were streaming may come back.
	return connected && errors.Is(err, shoutcast.ErrTransportFailure)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, shoutcast.ErrTransportFailure):
		return "transport"
	case errors.Is(err, shoutcast.ErrNoMetadataSupport), errors.Is(err, shoutcast.ErrNoMetaInterval):
		return "no_metadata"
	case errors.Is(err, shoutcast.ErrTruncated):
		return "truncated"
	default:
		return "other"
	}
}

// watch runs one negotiated handle until it fails.
func (r *Lister) watch(ctx context.Context, logger *slog.Logger, url string, boff *backoff.Backoff, connected *bool) error {
	stream, err := r.negotiate(ctx, url)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Closing the stream unblocks a pending read.
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	*connected = true

	metaint, _ := stream.MetaInterval()
	logger = logger.With("session", stream.Session)
	logger.Info("monitoring stream", "name", stream.Name, "genre", stream.Genre, "bitrate", stream.Bitrate, "metaint", metaint)

	var prev shoutcast.Metadata
	for rec, err := range stream.Records() {
		if err != nil {
			return err
		}
		boff.Reset()

		if r.cfg.Dedupe && prev != nil && rec.Metadata.Equal(prev) {
			continue
		}
		prev = rec.Metadata

		r.handle(logger, url, rec)
	}

	return nil
}

func (r *Lister) negotiate(ctx context.Context, url string) (*shoutcast.Stream, error) {
	ctx, span := tracer.Start(ctx, "negotiate", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	stream, err := r.client.Negotiate(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to negotiate stream")
		return nil, err
	}

	metaint, _ := stream.MetaInterval()
	span.SetAttributes(
		attribute.String("session", stream.Session),
		attribute.Int("metaint", metaint),
	)
	span.SetStatus(codes.Ok, "")

	return stream, nil
}

// handle routes one record to the primary or diagnostic output.
func (r *Lister) handle(logger *slog.Logger, url string, rec *shoutcast.Record) {
	metricRecords.WithLabelValues(url).Inc()

	if rec.DecodeWarnings > 0 {
		metricAnomalies.WithLabelValues(url, anomalyDecode).Inc()
		logger.Debug("unusual bytes in metadata", "count", rec.DecodeWarnings, "metadata", rec.Metadata.String())
	}

	if len(rec.Metadata) == 0 {
		metricAnomalies.WithLabelValues(url, anomalyEmpty).Inc()
		r.diagnostic(logger, rec, "Empty metadata block")
		return
	}

	title, ok := rec.Metadata.StreamTitle()
	if !ok {
		metricAnomalies.WithLabelValues(url, anomalyNoTitle).Inc()
		r.diagnostic(logger, rec, "No 'StreamTitle' in metadata: "+rec.Metadata.String())
		return
	}

	text := title
	if r.cfg.Format == FormatArtistSong {
		artist, song, found := strings.Cut(title, " - ")
		if !found {
			metricAnomalies.WithLabelValues(url, anomalyBadTitle).Inc()
			r.diagnostic(logger, rec, "StreamTitle bad(?):"+title)
			return
		}
		text = artist + " ~ " + song
	}

	if r.filter.Match(title) {
		metricFiltered.WithLabelValues(url).Inc()
		r.diagnostic(logger, rec, text)
		return
	}

	logger.Debug("now playing", "title", title)
	if err := r.out.Primary(rec.Time, text); err != nil {
		logger.Error("error writing title", "err", err)
	}
}

func (r *Lister) diagnostic(logger *slog.Logger, rec *shoutcast.Record, text string) {
	if err := r.out.Diagnostic(rec.Time, text); err != nil {
		logger.Error("error writing diagnostic", "err", err)
	}
}
