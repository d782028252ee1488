package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/spf13/afero"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/log"
)

const (
	maxUploadRetries = 3
	initialBackoff   = 1 * time.Second
	maxBackoff       = 8 * time.Second
)

// Sink stores finished batch archives somewhere durable.
type Sink interface {
	// Store saves body under key and returns where it went.
	Store(ctx context.Context, key string, body io.ReadSeeker) (string, error)
}

// ArchiveKey is the object key of a batch archive.
func ArchiveKey(prefix, batchID string) string {
	if prefix == "" {
		return batchID + ".zip"
	}
	return path.Join(prefix, batchID+".zip")
}

// S3Config configures the S3 sink.
type S3Config struct {
	Bucket   string
	Prefix   string // prepended to every key
	Region   string // AWS_REGION if empty
	Endpoint string // S3-compatible endpoint; path-style addressing when set
	Retries  int    // upload attempts, 3 if zero
}

// S3Sink uploads archives to S3.
type S3Sink struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
	logger   *log.Logger

	retries        int
	initialBackoff time.Duration
}

// NewS3Sink creates an uploader from the default AWS credential chain.
func NewS3Sink(cfg S3Config, logger *log.Logger) (*S3Sink, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	awsCfg := &aws.Config{Region: aws.String(region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "create AWS session").
			WithOp("Export.NewS3Sink").
			Err()
	}
	sink := NewS3SinkWithUploader(s3manager.NewUploader(sess), cfg.Bucket, logger)
	sink.prefix = cfg.Prefix
	if cfg.Retries > 0 {
		sink.retries = cfg.Retries
	}
	return sink, nil
}

// NewS3SinkWithUploader creates a sink around an existing uploader.
func NewS3SinkWithUploader(uploader s3manageriface.UploaderAPI, bucket string, logger *log.Logger) *S3Sink {
	if logger == nil {
		logger = log.Discard()
	}
	return &S3Sink{
		uploader:       uploader,
		bucket:         bucket,
		logger:         logger,
		retries:        maxUploadRetries,
		initialBackoff: initialBackoff,
	}
}

// Store uploads body, retrying with exponential backoff.
func (s *S3Sink) Store(ctx context.Context, key string, body io.ReadSeeker) (string, error) {
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}

	var uploadErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		// the uploader consumes the reader
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return "", errors.Wrap(err, errors.ErrCodeArchiveUpload, "rewind archive").Err()
		}

		var out *s3manager.UploadOutput
		out, uploadErr = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        body,
			ContentType: aws.String("application/zip"),
		})
		if uploadErr == nil {
			s.logger.Audit().WithContext(ctx).Info("archive uploaded",
				"bucket", s.bucket,
				"key", key,
				"attempts", attempt+1,
			)
			return out.Location, nil
		}

		s.logger.Application().WithContext(ctx).Warn("archive upload failed",
			"attempt", attempt+1,
			"max_attempts", s.retries,
			"key", key,
			"error", uploadErr.Error(),
		)
		if attempt < s.retries-1 {
			backoff := time.Duration(1<<attempt) * s.initialBackoff
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-ctx.Done():
				return "", errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "archive upload cancelled").Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", errors.Wrapf(uploadErr, errors.ErrCodeArchiveUpload,
		"upload archive after %d attempts", s.retries).
		WithField("bucket", s.bucket).
		WithField("key", key).
		Err()
}

// DirSink writes archives below a directory of an afero filesystem.
type DirSink struct {
	fs  afero.Fs
	dir string
}

// NewDirSink creates the directory if needed.
func NewDirSink(fs afero.Fs, dir string) (*DirSink, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileWrite, "create archive directory").
			WithField("dir", dir).
			Err()
	}
	return &DirSink{fs: fs, dir: dir}, nil
}

// Store copies body to dir/key.
func (d *DirSink) Store(ctx context.Context, key string, body io.ReadSeeker) (string, error) {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileWrite, "rewind archive").Err()
	}

	dest := path.Join(d.dir, key)
	if err := d.fs.MkdirAll(path.Dir(dest), 0755); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileWrite, "create archive directory").Err()
	}
	f, err := d.fs.Create(dest)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileWrite, "create archive file").
			WithField("path", dest).
			Err()
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", errors.Wrap(err, errors.ErrCodeFileWrite, "write archive file").
			WithField("path", dest).
			Err()
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileWrite, "close archive file").Err()
	}
	return fmt.Sprintf("file://%s", dest), nil
}
