package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/chunk"
	"eventdb/pkg/compression"
	"eventdb/pkg/db"
	"eventdb/pkg/listener"
	"eventdb/pkg/metrics"
)

type Options struct {
	Prefix string
	// Codec compresses chunk files before upload. Nil uploads them as is.
	Codec compression.Codec
	// Backoff builds the retry schedule of one upload.
	Backoff func() backoff.BackOff
	Metrics *metrics.Metrics
}

// Uploader copies completed chunks to an ObjectStore in log order. The
// archive checkpoint holds the logical end of the last uploaded chunk.
type Uploader struct {
	db    *db.DB
	store ObjectStore
	cp    checkpoint.Checkpoint
	opts  Options
	m     *metrics.Metrics
	log   *slog.Logger

	notify chan struct{}
	l      *listener.Listener[struct{}]
	ctx    context.Context
	cancel context.CancelFunc
}

func NewUploader(d *db.DB, store ObjectStore, cp checkpoint.Checkpoint, opts Options) *Uploader {
	if opts.Codec == nil {
		opts.Codec = compression.None{}
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)
		}
	}
	u := &Uploader{
		db:     d,
		store:  store,
		cp:     cp,
		opts:   opts,
		m:      metrics.Or(opts.Metrics),
		log:    slog.Default().With("component", "archive"),
		notify: make(chan struct{}, 1),
	}
	u.ctx, u.cancel = context.WithCancel(context.Background())
	u.l = listener.New("archive-uploader", u.notify, func(struct{}) error {
		err := u.Sync(u.ctx)
		if errors.Is(err, context.Canceled) {
			return listener.ErrStop
		}
		return err
	}, listener.WithErrorHandler[struct{}](func(err error) {
		u.log.Error("archive upload failed", "error", err)
	}))
	return u
}

// Notify schedules an upload pass. It never blocks.
func (u *Uploader) Notify() {
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

// OnChunkCompleted matches the writer hook.
func (u *Uploader) OnChunkCompleted(*chunk.Chunk) { u.Notify() }

func (u *Uploader) Start(ctx context.Context) {
	context.AfterFunc(ctx, u.cancel)
	u.l.Start(ctx)
	u.Notify()
}

func (u *Uploader) Stop() {
	u.cancel()
	u.l.Stop()
}

// Key is the object key of a chunk file.
func (u *Uploader) Key(c *chunk.Chunk) string {
	return path.Join(u.opts.Prefix, filepath.Base(c.Path())+u.opts.Codec.Extension())
}

// Sync uploads every completed chunk past the archive checkpoint.
func (u *Uploader) Sync(ctx context.Context) error {
	chunks, release := u.db.Manager().AcquireAll()
	defer release()

	for _, c := range chunks {
		if !c.IsCompleted() {
			break
		}
		if c.LogicalEnd() <= u.cp.Read() {
			continue
		}
		if err := u.upload(ctx, c); err != nil {
			u.m.ArchiveErrors.Inc()
			return fmt.Errorf("failed to archive chunk %d: %w", c.Number(), err)
		}
		if err := u.cp.Write(c.LogicalEnd()); err != nil {
			return err
		}
		u.m.ArchivedChunks.Inc()
		u.m.Checkpoint.WithLabelValues(u.cp.Name()).Set(float64(c.LogicalEnd()))
		u.log.Info("chunk archived", "chunk", c.Number(), "version", c.Version(), "key", u.Key(c))
	}
	return nil
}

func (u *Uploader) upload(ctx context.Context, c *chunk.Chunk) error {
	key := u.Key(c)
	body, size, cleanup, err := u.prepare(c)
	if err != nil {
		return err
	}
	defer cleanup()

	return backoff.Retry(func() error {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		if err := u.store.Put(ctx, key, body, size); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			u.log.Warn("archive upload attempt failed", "key", key, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(u.opts.Backoff(), ctx))
}

// prepare opens the chunk file, compressing it into a temporary file next
// to it when a codec is configured.
func (u *Uploader) prepare(c *chunk.Chunk) (*os.File, int64, func(), error) {
	src, err := os.Open(c.Path())
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to open chunk file: %w", err)
	}
	if _, ok := u.opts.Codec.(compression.None); ok {
		info, err := src.Stat()
		if err != nil {
			_ = src.Close()
			return nil, 0, nil, err
		}
		return src, info.Size(), func() { _ = src.Close() }, nil
	}
	defer func() { _ = src.Close() }()
	info, err := src.Stat()
	if err != nil {
		return nil, 0, nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.Path()), "archive-*.tmp")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	size, err := u.opts.Codec.Compress(src, tmp)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("failed to compress chunk %d: %w", c.Number(), err)
	}
	u.log.Debug("chunk compressed", "chunk", c.Number(), "codec", u.opts.Codec.Name(),
		"raw", info.Size(), "compressed", size, "ratio", compression.Ratio(info.Size(), size))
	return tmp, size, cleanup, nil
}

// Fetch downloads the object at key and writes it to w decompressed with codec.
func Fetch(ctx context.Context, store ObjectStore, key string, codec compression.Codec, w io.Writer) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if _, err := codec.Decompress(bytes.NewReader(data), w); err != nil {
		return fmt.Errorf("failed to decompress %s: %w", key, err)
	}
	return nil
}
