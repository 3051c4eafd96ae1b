package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kestrel-video/agent/internal/workerpool"
)

// ArchiveProvider stores one object of a session archive.
type ArchiveProvider interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Name() string
}

// Archiver copies closed session directories to cold storage and stamps
// archived_ts. Uploads run on a bounded pool; a periodic sweep picks up
// sessions whose close-time upload failed.
type Archiver struct {
	db       *DB
	cfg      ArchiveConfig
	storage  string
	provider ArchiveProvider
	pool     *workerpool.Pool
	stopCh   chan struct{}
}

// NewArchiver builds the archiver for the configured provider. Returns nil
// (no archiver) when archiving is disabled.
func NewArchiver(db *DB, cfg Config) (*Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}

	var provider ArchiveProvider
	var err error
	switch cfg.Archive.Provider {
	case "", "local":
		provider, err = newLocalProvider(cfg.Archive.Dir)
	case "s3":
		provider, err = newS3Provider(cfg.Archive)
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &Archiver{
		db:       db,
		cfg:      cfg.Archive,
		storage:  cfg.StoragePath,
		provider: provider,
		pool:     workerpool.New(2, 64),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the periodic sweep for closed-but-unarchived sessions.
func (a *Archiver) Start() {
	go func() {
		t := time.NewTicker(a.cfg.SweepInterval())
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.sweep()
			case <-a.stopCh:
				return
			}
		}
	}()
	log.Info("archiver started", "provider", a.provider.Name(),
		"sweepInterval", a.cfg.SweepInterval().String())
}

// Stop halts the sweep and drains in-flight uploads.
func (a *Archiver) Stop(ctx context.Context) {
	close(a.stopCh)
	a.pool.StopAccepting()
	a.pool.Drain(ctx)
}

// Enqueue schedules a session upload. Returns false when the queue is full;
// the sweep will retry it later.
func (a *Archiver) Enqueue(sessionID string) bool {
	return a.pool.Submit(func() {
		if err := a.archiveSession(sessionID); err != nil {
			log.Warn("archive failed", "sessionId", sessionID, "error", err.Error())
		}
	})
}

func (a *Archiver) sweep() {
	ids, err := a.db.ClosedUnarchived(context.Background(), 50)
	if err != nil {
		log.Warn("archive sweep query failed", "error", err.Error())
		return
	}
	for _, id := range ids {
		a.Enqueue(id)
	}
}

// archiveSession uploads every file under the session directory, keyed by
// {prefix}/{sessionId}/{relative path}, then marks the session archived. A
// session with no directory on disk (metadata-only) is marked archived too.
func (a *Archiver) archiveSession(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rec, err := a.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Status != "closed" || rec.ArchivedTs != nil {
		return nil
	}

	dir, err := sessionDir(a.storage, sessionID)
	if err != nil {
		return err
	}

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		key := path.Join(a.cfg.S3Prefix, sessionID, filepath.ToSlash(rel))
		return a.provider.Put(ctx, key, f)
	})
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		return walkErr
	}

	if err := a.db.MarkArchived(ctx, sessionID, time.Now().UnixMilli()); err != nil {
		return err
	}
	log.Info("session archived", "sessionId", sessionID, "provider", a.provider.Name())
	return nil
}

// localProvider copies archive objects into a directory tree.
type localProvider struct {
	dir string
}

func newLocalProvider(dir string) (*localProvider, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive dir not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &localProvider{dir: dir}, nil
}

func (l *localProvider) Name() string { return "local" }

func (l *localProvider) Put(_ context.Context, key string, r io.Reader) error {
	dst := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// s3Provider uploads archive objects to an S3-compatible bucket.
type s3Provider struct {
	uploader *manager.Uploader
	bucket   string
}

func newS3Provider(cfg ArchiveConfig) (*s3Provider, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("archive s3 bucket not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("archive s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// MinIO and friends want path-style addressing.
			o.UsePathStyle = true
		}
	})

	return &s3Provider{
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
	}, nil
}

func (s *s3Provider) Name() string { return "s3" }

func (s *s3Provider) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	return err
}
