// Package pipeline turns a source artifact and an operation into a new
// artifact: decode, resample, encode, write. It never deletes the source.
package pipeline

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"imageforge/internal/metrics"
	"imageforge/internal/models"
)

// ArtifactStore is the part of the artifact store the pipeline needs.
type ArtifactStore interface {
	Read(id string) ([]byte, error)
	Put(ctx context.Context, data []byte, ext string) (string, error)
}

type Result struct {
	ArtifactID string
	Size       int64
	MimeType   string
	Width      int
	Height     int
}

type Options struct {
	// Workers bounds concurrent decode/resample/encode work.
	Workers int
	Timeout time.Duration
	Metrics metrics.Metrics
}

type Pipeline struct {
	store   ArtifactStore
	sem     *semaphore.Weighted
	timeout time.Duration
	metrics metrics.Metrics
}

func New(store ArtifactStore, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Pipeline{
		store:   store,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
}

type rendered struct {
	data          []byte
	width, height int
	err           error
}

// Transform runs op against the artifact rec currently points at. rec is a
// snapshot; the caller turns the Result into a registry patch. A new artifact
// exists only if Transform returns nil error.
func (p *Pipeline) Transform(ctx context.Context, rec models.ImageRecord, op models.Operation) (Result, error) {
	const fn = "pipeline.Transform"

	started := time.Now()
	res, err := p.transform(ctx, rec, op)
	status := "ok"
	if err != nil {
		status = string(models.KindOf(err))
	}
	p.metrics.ObserveTransform(string(op.Kind()), status, time.Since(started).Seconds())

	logger := log.With().Int64("image_id", rec.ID).Str("operation", string(op.Kind())).Logger()
	if err != nil {
		logger.Warn().Err(err).Str("op", fn).Msg("transform failed")
		return Result{}, err
	}
	logger.Debug().Str("artifact_id", res.ArtifactID).Int64("size", res.Size).
		Int("width", res.Width).Int("height", res.Height).Msg("transform done")
	return res, nil
}

func (p *Pipeline) transform(ctx context.Context, rec models.ImageRecord, op models.Operation) (Result, error) {
	const fn = "pipeline.Transform"

	src, err := p.store.Read(rec.ArtifactID)
	if err != nil {
		return Result{}, err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return Result{}, timeoutError(fn, err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, timeoutError(fn, err)
	}

	// The worker keeps its slot until the CPU work really ends, even if
	// the caller has already given up on it.
	done := make(chan rendered, 1)
	go func() {
		defer p.sem.Release(1)
		done <- render(src, op)
	}()

	var out rendered
	select {
	case <-ctx.Done():
		return Result{}, timeoutError(fn, ctx.Err())
	case out = <-done:
	}
	if out.err != nil {
		return Result{}, out.err
	}

	format := op.OutputFormat()
	id, err := p.store.Put(ctx, out.data, format.Ext())
	if err != nil {
		return Result{}, err
	}

	return Result{
		ArtifactID: id,
		Size:       int64(len(out.data)),
		MimeType:   format.MimeType(),
		Width:      out.width,
		Height:     out.height,
	}, nil
}

func render(src []byte, op models.Operation) rendered {
	img, err := decode(src)
	if err != nil {
		return rendered{err: err}
	}
	img, err = apply(img, op)
	if err != nil {
		return rendered{err: err}
	}
	data, err := encode(img, op.OutputFormat(), op.Quality())
	if err != nil {
		return rendered{err: err}
	}
	b := img.Bounds()
	return rendered{data: data, width: b.Dx(), height: b.Dy()}
}

func timeoutError(fn string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindTimeout, fn, err)
	}
	return models.NewError(models.KindInternal, fn, err)
}
