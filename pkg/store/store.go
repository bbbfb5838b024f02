package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"eventdb/pkg/archive"
	"eventdb/pkg/chaser"
	"eventdb/pkg/checkpoint"
	"eventdb/pkg/chunk"
	"eventdb/pkg/clock"
	"eventdb/pkg/compression"
	"eventdb/pkg/config"
	"eventdb/pkg/db"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/index"
	"eventdb/pkg/logrecord"
	"eventdb/pkg/metrics"
	"eventdb/pkg/scavenge"
	"eventdb/pkg/wal"
)

const indexDir = "index"

type options struct {
	registerer  prometheus.Registerer
	objectStore archive.ObjectStore
	clock       clock.Clock
	hasher      index.Hasher
}

type Option func(*options)

// WithRegisterer registers the engine metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithObjectStore archives completed chunks to s instead of the configured S3 bucket.
func WithObjectStore(s archive.ObjectStore) Option {
	return func(o *options) { o.objectStore = s }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithHasher(h index.Hasher) Option {
	return func(o *options) { o.hasher = h }
}

// Store is the storage engine: the chunked log, its writer and chaser, the
// stream index and the background maintenance jobs.
type Store struct {
	cfg config.DB
	log *slog.Logger
	m   *metrics.Metrics

	db       *db.DB
	writer   *wal.Writer
	idx      *index.TableIndex
	builder  *index.Builder
	chaser   *chaser.Chaser
	scav     *scavenge.Scavenger
	uploader *archive.Uploader

	writerCp  *checkpoint.File
	chaserCp  *checkpoint.File
	epochCp   *checkpoint.File
	archiveCp *checkpoint.File

	writeMu sync.Mutex
	pending *pendingStreams

	fatal  chan error
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Open recovers the database in cfg.Path and starts the background jobs.
func Open(cfg config.DB, opts ...Option) (*Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.NewMonotonic()
	}
	m := metrics.Discard()
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	s := &Store{
		cfg:     cfg,
		log:     slog.Default().With("component", "store"),
		m:       m,
		pending: newPendingStreams(),
		fatal:   make(chan error, 1),
	}
	if err := s.open(o); err != nil {
		_ = s.closeResources()
		return nil, err
	}
	s.start()
	return s, nil
}

func (s *Store) open(o options) error {
	var err error
	if s.writerCp, err = checkpoint.OpenFile(s.cfg.Path, checkpoint.Writer); err != nil {
		return err
	}
	if s.chaserCp, err = checkpoint.OpenFile(s.cfg.Path, checkpoint.Chaser); err != nil {
		return err
	}
	if s.epochCp, err = checkpoint.OpenFile(s.cfg.Path, checkpoint.Epoch); err != nil {
		return err
	}

	s.db, err = db.Open(db.Options{
		Dir:             s.cfg.Path,
		ChunkSize:       s.cfg.Chunk.Size,
		BufferSize:      s.cfg.Writer.BufferSize,
		VerifyOnOpen:    s.cfg.Chunk.VerifyOnOpen,
		DeleteLeftovers: s.cfg.Chunk.DeleteLeftovers,
		Clock:           o.clock,
	}, s.writerCp)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}

	writerPos := s.writerCp.Read()
	for _, cp := range []*checkpoint.File{s.chaserCp, s.epochCp} {
		if cp.Read() > writerPos {
			s.log.Warn("checkpoint is ahead of the writer, moving it back", "checkpoint", cp.Name(), "position", cp.Read(), "writer", writerPos)
			if err := cp.Restore(writerPos); err != nil {
				return err
			}
		}
	}

	if err := s.openIndex(o); err != nil {
		return err
	}

	if s.cfg.Archive.Enabled {
		if err := s.openArchive(o); err != nil {
			return err
		}
	}

	s.writer, err = wal.New(s.db, s.writerCp, wal.Options{
		FlushRetries:     s.cfg.Writer.FlushRetries,
		OnChunkCompleted: s.onChunkCompleted,
		OnFatal:          s.reportFatal,
		Metrics:          s.m,
	})
	if err != nil {
		return err
	}

	s.chaser, err = chaser.New(s.db, s.writerCp, s.chaserCp, chaser.Options{
		CheckpointEvery: s.cfg.Chaser.CheckpointEvery,
		Metrics:         s.m,
	})
	if err != nil {
		return err
	}

	s.scav = scavenge.New(s.db, s.idx, scavenge.Options{Throttle: s.cfg.Scavenge.Throttle, Metrics: s.m})
	return nil
}

func (s *Store) openIndex(o options) error {
	opts := index.Options{
		Dir:                filepath.Join(s.cfg.Path, indexDir),
		MaxMemtableEntries: s.cfg.Index.MaxMemtableEntries,
		FlushChanBuffSize:  s.cfg.Index.FlushChanBuffSize,
		CompactThreshold:   s.cfg.Index.CompactThreshold,
		SparseInterval:     s.cfg.Index.SparseInterval,
		BloomFPRate:        s.cfg.Index.BloomFPRate,
		CacheBlocks:        s.cfg.Index.CacheBlocks,
		Hasher:             o.hasher,
		Clock:              o.clock,
		Metrics:            s.m,
		JobRetries:         s.cfg.Writer.FlushRetries,
		OnFatal:            s.reportFatal,
	}
	idx, err := index.Open(s.db, opts)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}

	// entries past the log end would point at positions that get reused
	if idx.BuiltPosition() > s.writerCp.Read() {
		s.log.Warn("index is ahead of the log, rebuilding", "index", idx.BuiltPosition(), "writer", s.writerCp.Read())
		_ = idx.Close()
		if err := os.RemoveAll(opts.Dir); err != nil {
			return fmt.Errorf("failed to remove index: %w", err)
		}
		if idx, err = index.Open(s.db, opts); err != nil {
			return fmt.Errorf("failed to open index: %w", err)
		}
	}
	s.idx = idx
	s.builder = index.NewBuilder(idx, s.db)

	// writes check versions against the index, so it must cover the whole log
	if built, writer := idx.BuiltPosition(), s.writerCp.Read(); built < writer {
		if err := s.builder.CatchUp(context.Background(), built, writer); err != nil {
			return fmt.Errorf("failed to catch up index: %w", err)
		}
	}
	return nil
}

func (s *Store) openArchive(o options) error {
	var err error
	if s.archiveCp, err = checkpoint.OpenFile(s.cfg.Path, checkpoint.Archive); err != nil {
		return err
	}
	objects := o.objectStore
	if objects == nil {
		a := s.cfg.Archive
		s3, err := archive.NewS3(context.Background(), archive.S3Config{
			Bucket:          a.Bucket,
			Region:          a.Region,
			Endpoint:        a.Endpoint,
			ForcePathStyle:  a.ForcePathStyle,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretKey,
		})
		if err != nil {
			return err
		}
		if err := s3.EnsureBucket(context.Background()); err != nil {
			return err
		}
		objects = s3
	}
	codec, err := compression.ByName(s.cfg.Archive.Compression)
	if err != nil {
		return err
	}
	s.uploader = archive.NewUploader(s.db, objects, s.archiveCp, archive.Options{
		Prefix:  s.cfg.Archive.Prefix,
		Codec:   codec,
		Metrics: s.m,
	})
	return nil
}

func (s *Store) onChunkCompleted(*chunk.Chunk) {
	if s.uploader != nil {
		s.uploader.Notify()
	}
}

func (s *Store) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// start runs the chaser and the background jobs under one errgroup.
func (s *Store) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		err := s.chaser.Run(gctx, s.builder, chaser.ConsumerFunc(s.afterIndexed))
		if err != nil {
			s.log.Error("chaser stopped", "error", err)
			s.reportFatal(err)
		}
		return err
	})

	jobs := s.idx.Jobs()
	if s.cfg.Writer.FlushInterval > 0 {
		jobs = append(jobs, wal.NewFlusher(s.writer, s.cfg.Writer.FlushInterval))
	}
	if s.cfg.Scavenge.Interval > 0 {
		jobs = append(jobs, scavenge.NewScheduler(s.scav, s.cfg.Scavenge.Interval))
	}
	if s.uploader != nil {
		jobs = append(jobs, s.uploader)
	}
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			j.Start(gctx)
			<-gctx.Done()
			j.Stop()
			return nil
		})
	}
}

// afterIndexed runs after the builder for every chased record.
func (s *Store) afterIndexed(_ logrecord.Record, next int64) error {
	if s.pending.len() > 0 {
		s.pending.prune(next)
	}
	return nil
}

// Fatal delivers the error that stopped the writer or the chaser.
func (s *Store) Fatal() <-chan error { return s.fatal }

// Close stops the background jobs, flushes the writer and persists the index.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.writer != nil {
			errs = append(errs, s.writer.Close())
		}
		s.cancel()
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		if err := s.idx.Checkpoint(); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist index: %w", err))
		}
		errs = append(errs, s.closeResources())
		s.closeErr = errors.Join(errs...)
		s.log.Info("store closed")
	})
	return s.closeErr
}

func (s *Store) closeResources() error {
	var errs []error
	if s.idx != nil {
		errs = append(errs, s.idx.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Append writes a raw record to the log. It is durable after the next Flush.
func (s *Store) Append(rec logrecord.Record) (int64, error) {
	return s.writer.Append(rec)
}

func (s *Store) Flush() error {
	return s.writer.Flush()
}

// ReadCheckpoint returns the position of the named checkpoint. "index" is
// the position below which every record is indexed.
func (s *Store) ReadCheckpoint(name string) (int64, error) {
	switch name {
	case checkpoint.Writer:
		return s.writerCp.Read(), nil
	case checkpoint.Chaser:
		return s.chaserCp.Read(), nil
	case checkpoint.Epoch:
		return s.epochCp.Read(), nil
	case checkpoint.Archive:
		if s.archiveCp == nil {
			return 0, fmt.Errorf("%w: archiving is disabled", dberrors.ErrNotFound)
		}
		return s.archiveCp.Read(), nil
	case "index":
		return s.idx.BuiltPosition(), nil
	default:
		return 0, fmt.Errorf("%w: unknown checkpoint %q", dberrors.ErrInvalidArgument, name)
	}
}

// Checkpoints returns every checkpoint by name.
func (s *Store) Checkpoints() map[string]int64 {
	out := make(map[string]int64)
	for _, name := range []string{checkpoint.Writer, checkpoint.Chaser, checkpoint.Epoch, checkpoint.Archive, "index"} {
		if pos, err := s.ReadCheckpoint(name); err == nil {
			out[name] = pos
		}
	}
	return out
}

// Subscribe feeds every durable record from position from.
func (s *Store) Subscribe(ctx context.Context, from int64) *chaser.Subscription {
	return chaser.Subscribe(ctx, s.db, s.writerCp, from)
}

// Scavenge removes dead records from completed chunks.
func (s *Store) Scavenge(ctx context.Context) (scavenge.Result, error) {
	return s.scav.Run(ctx)
}

// Verify checks the checksum of every completed chunk.
func (s *Store) Verify() error {
	return s.db.Verify()
}
