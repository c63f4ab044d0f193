package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	minioLib "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/not-nullexception/image-reducer/config"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/rs/zerolog"
)

type MinioStore struct {
	client     *minioLib.Client
	bucketName string
	prefix     string
	logger     zerolog.Logger
	config     *config.MinIOConfig
}

func NewStore(ctx context.Context, cfg *config.MinIOConfig) (artifact.Store, error) {
	log := logger.GetLogger("minio-store")

	// Initialize MinIO client
	client, err := minioLib.New(cfg.Endpoint, &minioLib.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.SSL,
		Region: cfg.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("error initializing MinIO client: %w", err)
	}

	ms := &MinioStore{
		client:     client,
		bucketName: cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		logger:     log,
		config:     cfg,
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking if bucket exists: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minioLib.MakeBucketOptions{Region: cfg.Location})
		if err != nil {
			return nil, fmt.Errorf("error creating bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("Bucket created")
	} else {
		log.Info().Str("bucket", cfg.Bucket).Msg("Bucket already exists")
	}

	return ms, nil
}

// Put uploads data as a new object and presigns a GET URL for it
func (m *MinioStore) Put(ctx context.Context, data []byte, contentType string) (artifact.Ref, error) {
	id := uuid.New().String()
	objectName := m.objectName(id)

	_, err := m.client.PutObject(ctx, m.bucketName, objectName, bytes.NewReader(data), int64(len(data)),
		minioLib.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("error uploading artifact: %w", err)
	}

	url, err := m.client.PresignedGetObject(ctx, m.bucketName, objectName, m.config.URLExpiry, nil)
	if err != nil {
		// Do not leave an object nobody can reference
		if rmErr := m.client.RemoveObject(context.WithoutCancel(ctx), m.bucketName, objectName, minioLib.RemoveObjectOptions{}); rmErr != nil {
			m.logger.Error().Err(rmErr).Str("object", objectName).Msg("Failed to remove artifact after presign error")
		}
		return artifact.Ref{}, fmt.Errorf("error generating pre-signed URL: %w", err)
	}

	m.logger.Debug().Str("object", objectName).Int("size", len(data)).Msg("Artifact uploaded successfully")

	return artifact.Ref{
		ID:          id,
		URL:         url.String(),
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// Open streams the object behind id
func (m *MinioStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := m.Stat(ctx, id); err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.bucketName, m.objectName(id), minioLib.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("error getting artifact: %w", err)
	}

	return obj, nil
}

// Stat returns size and content type of the object behind id. The URL is left
// empty; presigned URLs are only issued by Put.
func (m *MinioStore) Stat(ctx context.Context, id string) (artifact.Ref, error) {
	info, err := m.client.StatObject(ctx, m.bucketName, m.objectName(id), minioLib.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return artifact.Ref{}, fmt.Errorf("error reading artifact %s: %w", id, artifact.ErrNotFound)
		}
		return artifact.Ref{}, fmt.Errorf("error reading artifact: %w", err)
	}

	return artifact.Ref{
		ID:          id,
		Size:        info.Size,
		ContentType: info.ContentType,
	}, nil
}

// Release removes the object behind id
func (m *MinioStore) Release(ctx context.Context, id string) error {
	objectName := m.objectName(id)

	err := m.client.RemoveObject(ctx, m.bucketName, objectName, minioLib.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("error deleting artifact: %w", err)
	}

	m.logger.Debug().Str("object", objectName).Msg("Artifact deleted successfully")
	return nil
}

func (m *MinioStore) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("error pinging MinIO: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", m.bucketName)
	}
	return nil
}

// Close closes the MinIO client connection
func (m *MinioStore) Close() error {
	return nil
}

func (m *MinioStore) objectName(id string) string {
	if m.prefix == "" {
		return id
	}
	return path.Join(m.prefix, id)
}

func isNoSuchKey(err error) bool {
	return minioLib.ToErrorResponse(err).Code == "NoSuchKey"
}
