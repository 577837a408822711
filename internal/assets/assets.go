// Package assets produces durable references to submitted images.
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	downloadTimeout = 30 * time.Second
	objectPrefix    = "requests/"
)

// LinkSource returns a temporary download URL for a platform file ID.
type LinkSource interface {
	ResolveAssetLink(ctx context.Context, fileID string) (string, error)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Logger    *slog.Logger
}

// Mirror copies each image into an object store bucket and returns the
// object URL. Platform file links embed the bot token and expire, the
// bucket copy does not.
type Mirror struct {
	source LinkSource
	client *minio.Client
	bucket string
	http   *http.Client
	logger *slog.Logger
}

func NewMirror(ctx context.Context, cfg MinioConfig, source LinkSource) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	// Stored links are handed to requesters and to Telegram, neither of
	// which holds credentials.
	policy, err := readPolicy(cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if err := client.SetBucketPolicy(ctx, cfg.Bucket, policy); err != nil {
		return nil, fmt.Errorf("failed to set read policy on bucket %s: %w", cfg.Bucket, err)
	}

	cfg.Logger.Info("connected to Minio", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return &Mirror{
		source: source,
		client: client,
		bucket: cfg.Bucket,
		http:   &http.Client{Timeout: downloadTimeout},
		logger: cfg.Logger,
	}, nil
}

type policyStatement struct {
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// readPolicy allows anonymous GetObject on mirrored images only. Listing
// and writes stay private.
func readPolicy(bucket string) (string, error) {
	b, err := json.Marshal(bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string][]string{"AWS": {"*"}},
			Action:    []string{"s3:GetObject"},
			Resource:  []string{"arn:aws:s3:::" + bucket + "/" + objectPrefix + "*"},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encode bucket policy: %w", err)
	}
	return string(b), nil
}

func (m *Mirror) Resolve(ctx context.Context, fileID string) (string, error) {
	link, err := m.source.ResolveAssetLink(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file link: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download asset: unexpected status %s", resp.Status)
	}

	key := ObjectKey(fileID, link)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "image/jpeg"
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, resp.Body, resp.ContentLength,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("upload asset: %w", err)
	}

	m.logger.Debug("asset mirrored", "file_id", fileID, "key", key)
	return m.objectURL(key), nil
}

func (m *Mirror) objectURL(key string) string {
	u := *m.client.EndpointURL()
	u.Path = path.Join("/", m.bucket, key)
	return u.String()
}

// ObjectKey names the stored object after the file ID, keeping the link's extension.
func ObjectKey(fileID, link string) string {
	ext := ".jpg"
	if u, err := url.Parse(link); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = strings.ToLower(e)
		}
	}
	return objectPrefix + fileID + ext
}
