package minio

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	minioLib "github.com/minio/minio-go/v7"
	"github.com/not-nullexception/image-reducer/config"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubObject struct {
	data        []byte
	contentType string
}

// s3Stub answers the subset of the S3 API the store uses, path-style
type s3Stub struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string]stubObject
	deleted []string
}

func newS3Stub(buckets ...string) *s3Stub {
	s := &s3Stub{
		buckets: make(map[string]bool),
		objects: make(map[string]stubObject),
	}
	for _, b := range buckets {
		s.buckets[b] = true
	}
	return s
}

func (s *s3Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	if key == "" {
		switch r.Method {
		case http.MethodPut:
			s.buckets[bucket] = true
			w.WriteHeader(http.StatusOK)
		case http.MethodHead, http.MethodGet:
			if !s.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if _, ok := r.URL.Query()["location"]; ok {
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	objectKey := bucket + "/" + key
	switch r.Method {
	case http.MethodPut:
		data, err := readPayload(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.objects[objectKey] = stubObject{data: data, contentType: r.Header.Get("Content-Type")}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		obj, ok := s.objects[objectKey]
		if !ok {
			if r.Method == http.MethodGet {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
				return
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}
	case http.MethodDelete:
		delete(s.objects, objectKey)
		s.deleted = append(s.deleted, objectKey)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *s3Stub) object(key string) (stubObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// readPayload strips aws-chunked framing from streaming uploads
func readPayload(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func newTestStore(t *testing.T, stub *s3Stub) *MinioStore {
	t.Helper()

	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	store, err := NewStore(t.Context(), &config.MinIOConfig{
		Endpoint:  u.Host,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "reduced-images",
		Prefix:    "artifacts",
		Location:  "us-east-1",
		URLExpiry: 15 * time.Minute,
	})
	require.NoError(t, err)
	return store.(*MinioStore)
}

func TestNewStoreCreatesMissingBucket(t *testing.T) {
	stub := newS3Stub()
	store := newTestStore(t, stub)

	stub.mu.Lock()
	created := stub.buckets["reduced-images"]
	stub.mu.Unlock()
	assert.True(t, created)
	require.NoError(t, store.Ping(t.Context()))
}

func TestStorePutOpenRelease(t *testing.T) {
	stub := newS3Stub("reduced-images")
	store := newTestStore(t, stub)
	ctx := t.Context()
	data := []byte("compressed-jpeg-bytes")

	ref, err := store.Put(ctx, data, "image/jpeg")
	require.NoError(t, err)
	require.NotEmpty(t, ref.ID)
	assert.Equal(t, int64(len(data)), ref.Size)
	assert.Equal(t, "image/jpeg", ref.ContentType)

	// Presigned for the configured expiry
	presigned, err := url.Parse(ref.URL)
	require.NoError(t, err)
	assert.Equal(t, "/reduced-images/artifacts/"+ref.ID, presigned.Path)
	assert.Equal(t, "900", presigned.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, presigned.Query().Get("X-Amz-Signature"))

	obj, ok := stub.object("reduced-images/artifacts/" + ref.ID)
	require.True(t, ok)
	assert.Equal(t, data, obj.data)
	assert.Equal(t, "image/jpeg", obj.contentType)

	stat, err := store.Stat(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, ref.Size, stat.Size)
	assert.Equal(t, "image/jpeg", stat.ContentType)

	rc, err := store.Open(ctx, ref.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	// Release removes the object
	require.NoError(t, store.Release(ctx, ref.ID))
	_, ok = stub.object("reduced-images/artifacts/" + ref.ID)
	assert.False(t, ok)
	assert.Contains(t, stub.deleted, "reduced-images/artifacts/"+ref.ID)

	_, err = store.Stat(ctx, ref.ID)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	_, err = store.Open(ctx, ref.ID)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestLeaseReleasesObjectOnce(t *testing.T) {
	stub := newS3Stub("reduced-images")
	store := newTestStore(t, stub)
	ctx := t.Context()

	lease, err := artifact.Acquire(ctx, store, []byte("data"), "image/png")
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Len(t, stub.deleted, 1)
	assert.Empty(t, stub.objects)
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "abc"},
		{"artifacts", "artifacts/abc"},
		{"a/b", "a/b/abc"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			m := &MinioStore{prefix: tt.prefix}
			assert.Equal(t, tt.want, m.objectName("abc"))
		})
	}
}

func TestIsNoSuchKey(t *testing.T) {
	assert.True(t, isNoSuchKey(minioLib.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isNoSuchKey(minioLib.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNoSuchKey(errors.New("network down")))
}
