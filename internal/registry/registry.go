package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

// Config holds everything needed to pull a checkpoint out of a model
// registry, whether that registry is an S3 bucket or a plain HTTP server.
type Config struct {
	ArtifactURL string `env:"MODEL_ARTIFACT_URL"`
	APIKey      string `env:"MODEL_REGISTRY_API_KEY"`
	OutputDir   string `env:"MODEL_OUTPUT_DIR" envDefault:"models"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

// Fetcher downloads model checkpoints into a local directory.
type Fetcher struct {
	cfg  Config
	http *resty.Client
}

func NewFetcher(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg, http: resty.New()}
}

// Fetch downloads the configured artifact and returns the local path it
// was written to. s3:// URLs go through the AWS SDK, http(s) URLs through
// the registry's HTTP API.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	if f.cfg.ArtifactURL == "" {
		return "", fmt.Errorf("no artifact URL configured")
	}

	parsed, err := url.Parse(f.cfg.ArtifactURL)
	if err != nil {
		return "", fmt.Errorf("invalid artifact URL %q: %w", f.cfg.ArtifactURL, err)
	}

	if err := os.MkdirAll(f.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", f.cfg.OutputDir, err)
	}

	switch parsed.Scheme {
	case "s3":
		return f.fetchS3(ctx, parsed)
	case "http", "https":
		return f.fetchHTTP(ctx)
	default:
		return "", fmt.Errorf("unsupported artifact scheme %q in %s", parsed.Scheme, f.cfg.ArtifactURL)
	}
}

func (f *Fetcher) fetchS3(ctx context.Context, parsed *url.URL) (string, error) {
	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return "", fmt.Errorf("S3 artifact URL %q must look like s3://bucket/key", f.cfg.ArtifactURL)
	}

	client, err := f.newS3Client(ctx)
	if err != nil {
		return "", err
	}

	localPath := filepath.Join(f.cfg.OutputDir, filepath.Base(key))
	file, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", localPath, err)
	}
	defer file.Close()

	slog.Info("downloading model artifact", "bucket", bucket, "key", key, "dest", localPath)
	downloader := manager.NewDownloader(client)
	_, err = downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		file.Close()
		os.Remove(localPath)
		return "", fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return localPath, nil
}

func (f *Fetcher) newS3Client(ctx context.Context) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) { // nolint:staticcheck
		if f.cfg.S3EndpointURL != "" {
			return aws.Endpoint{ // nolint:staticcheck
				PartitionID:       "aws",
				URL:               f.cfg.S3EndpointURL,
				HostnameImmutable: true, // Important for MinIO
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{} // nolint:staticcheck
	})

	var awsCfg aws.Config
	var err error
	if f.cfg.S3AccessKeyID != "" && f.cfg.S3SecretAccessKey != "" {
		awsCfg, err = aws_config.LoadDefaultConfig(ctx,
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(f.cfg.S3Region),
			aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(f.cfg.S3AccessKeyID, f.cfg.S3SecretAccessKey, "")),
		)
	} else {
		awsCfg, err = aws_config.LoadDefaultConfig(ctx,
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(f.cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // path-style addressing, needed for MinIO
	}), nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context) (string, error) {
	if f.cfg.APIKey == "" {
		return "", fmt.Errorf("MODEL_REGISTRY_API_KEY must be set to fetch from %s", f.cfg.ArtifactURL)
	}

	slog.Info("downloading model artifact", "url", f.cfg.ArtifactURL)
	res, err := f.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+f.cfg.APIKey).
		SetDoNotParseResponse(true).
		Get(f.cfg.ArtifactURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch artifact from %s: %w", f.cfg.ArtifactURL, err)
	}
	body := res.RawBody()
	defer body.Close()
	if !res.IsSuccess() {
		return "", fmt.Errorf("registry returned status %d for %s", res.StatusCode(), f.cfg.ArtifactURL)
	}

	localPath := filepath.Join(f.cfg.OutputDir, artifactFilename(f.cfg.ArtifactURL))
	file, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", localPath, err)
	}
	defer file.Close()

	// Checkpoints run to hundreds of MB; stream straight to disk.
	bar := progressbar.NewOptions(int(res.RawResponse.ContentLength),
		progressbar.OptionSetDescription("writing checkpoint"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	buf := make([]byte, 1<<20)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				file.Close()
				os.Remove(localPath)
				return "", fmt.Errorf("failed to write artifact to %s: %w", localPath, werr)
			}
			_ = bar.Add(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			file.Close()
			os.Remove(localPath)
			return "", fmt.Errorf("failed to read artifact from %s: %w", f.cfg.ArtifactURL, rerr)
		}
	}
	return localPath, nil
}

// artifactFilename picks the local filename for a downloaded artifact,
// falling back to a fixed name when the URL path carries none.
func artifactFilename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "last.ckpt"
	}
	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" {
		return "last.ckpt"
	}
	return name
}
