package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"musltc/internal/config"
	"musltc/internal/failure"
)

// checksumKey is the object metadata entry holding the file's sha256.
const checksumKey = "sha256"

// Publisher mirrors release files into an S3-compatible bucket.
type Publisher struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// NewPublisher connects to the bucket described by cfg. An empty endpoint
// means AWS itself.
func NewPublisher(ctx context.Context, cfg config.S3, debug bool, log zerolog.Logger) (*Publisher, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, failure.Configf("publishing needs S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithRegion(region),
		// R2 and MinIO reject trailing request checksums.
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		awsconfig.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Publisher{client: client, bucket: cfg.Bucket, log: log}, nil
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(key, ".yaml"):
		return "application/yaml"
	}
	return "application/octet-stream"
}

// Upload stores the file at p under key. An object already carrying the same
// checksum is left alone and reported as not uploaded; one with a different
// checksum is an error, since published releases are immutable.
func (p *Publisher) Upload(ctx context.Context, key, file string) (bool, error) {
	sum, err := sha256File(file)
	if err != nil {
		return false, err
	}

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	var notFound *types.NotFound
	switch {
	case err == nil:
		if existing := head.Metadata[checksumKey]; existing != sum {
			return false, &failure.Error{
				Kind:     failure.Validation,
				Stage:    "publish",
				Op:       "upload " + key,
				Expected: "sha256 " + sum,
				Actual:   "existing object with sha256 " + existing,
			}
		}
		p.log.Info().Str("key", key).Msg("already published")
		return false, nil
	case errors.As(err, &notFound):
	default:
		return false, &failure.Error{Kind: failure.TransientNetwork, Stage: "publish", Op: "stat " + key, Err: err}
	}

	f, err := os.Open(file)
	if err != nil {
		return false, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return false, err
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType(key)),
		Metadata:      map[string]string{checksumKey: sum},
	})
	if err != nil {
		return false, &failure.Error{Kind: failure.TransientNetwork, Stage: "publish", Op: "upload " + key, Err: err}
	}
	p.log.Info().Str("key", key).Int64("bytes", stat.Size()).Msg("published")
	return true, nil
}

// PublishRelease uploads files under <version>/<base name>.
func (p *Publisher) PublishRelease(ctx context.Context, version string, files []string) (uploaded int, err error) {
	if version == "" {
		return 0, failure.Usagef("a release version is required")
	}
	for _, f := range files {
		ok, err := p.Upload(ctx, path.Join(version, filepath.Base(f)), f)
		if err != nil {
			return uploaded, err
		}
		if ok {
			uploaded++
		}
	}
	return uploaded, nil
}
