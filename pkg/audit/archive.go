package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// ArchiveConfig locates the bucket rotated audit files are shipped to
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // for MinIO and other S3-compatible stores
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// objectPutter is the slice of the S3 API the archiver needs
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from cfg, using static credentials when
// both keys are set and the default credential chain otherwise.
func NewS3Client(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	var (
		awsConfig aws.Config
		err       error
	)
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver ships rotated audit files from a FileLogger directory to S3 and
// removes them locally once uploaded.
type Archiver struct {
	client objectPutter
	bucket string
	prefix string
	dir    string
	logger *observability.Logger
	tracer trace.Tracer
}

// NewArchiver creates an archiver for the rotated files in dir
func NewArchiver(client objectPutter, cfg ArchiveConfig, dir string, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		dir:    dir,
		logger: logger,
		tracer: observability.Tracer(),
	}
}

// Ship uploads every rotated file, oldest first, and returns how many were
// shipped. It stops at the first failure so files are never skipped.
func (a *Archiver) Ship(ctx context.Context) (int, error) {
	files, err := RotatedFiles(a.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list rotated audit files: %w", err)
	}

	shipped := 0
	for _, file := range files {
		if err := a.shipFile(ctx, file); err != nil {
			return shipped, err
		}
		shipped++
	}
	return shipped, nil
}

func (a *Archiver) shipFile(ctx context.Context, file string) error {
	key := path.Join(a.prefix, filepath.Base(file))
	ctx, span := a.tracer.Start(ctx, "audit.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	data, err := os.ReadFile(file)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read file")
		return fmt.Errorf("failed to read %s: %w", file, err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	hash := sha256.Sum256(data)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ExportFormatNDJSON.ContentType()),
		Metadata: map[string]string{
			"sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if err := os.Remove(file); err != nil {
		return fmt.Errorf("failed to remove shipped file %s: %w", file, err)
	}
	a.logger.WithFields(map[string]interface{}{
		"bucket": a.bucket,
		"key":    key,
		"bytes":  len(data),
	}).Info("audit file archived")
	return nil
}
