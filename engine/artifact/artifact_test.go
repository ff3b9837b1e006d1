package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMeta() Metadata {
	ts := int64(1690000000000)
	compass := 87.5
	return Metadata{
		ID:           "123",
		CapturedAt:   &ts,
		Compass:      &compass,
		Lat:          40.8319,
		Lon:          -73.9286,
		Cluster:      3,
		ImageURL:     "https://cdn.example/2048.jpg",
		Resolution:   "thumb_2048",
		RunID:        "run-1",
		FullResponse: json.RawMessage(`{"id":"123"}`),
	}
}

// shortReader yields data and then a clean EOF, like a connection closed early.
type shortReader struct{ r io.Reader }

func (s shortReader) Read(p []byte) (int, error) { return s.r.Read(p) }

func TestKeyLayout(t *testing.T) {
	k := Key{ClusterID: 17, ImageID: "abc"}
	assert.Equal(t, "cluster_17", k.Dir())
	assert.Equal(t, "cluster_17/abc.jpg", k.ImageName())
	assert.Equal(t, "cluster_17/abc.json", k.MetaName())
}

func TestLocalStorePut(t *testing.T) {
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "raw"))
	require.NoError(t, err)
	ctx := context.Background()
	k := Key{ClusterID: 3, ImageID: "123"}

	ok, err := store.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.Put(ctx, k, strings.NewReader("jpegbytes"), 9, sampleMeta())
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)

	ok, err = store.Exists(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	img, err := os.ReadFile(filepath.Join(store.Root, "cluster_3", "123.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpegbytes", string(img))

	raw, err := os.ReadFile(filepath.Join(store.Root, "cluster_3", "123.json"))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	for _, key := range []string{"id", "capturedAt", "compass", "lat", "lon", "cluster", "image_url", "full_response"} {
		assert.Contains(t, got, key)
	}
	assert.EqualValues(t, 9, got["bytes"])
	assert.EqualValues(t, 3, got["cluster"])

	entries, err := os.ReadDir(filepath.Join(store.Root, "cluster_3"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestLocalStoreUnknownSize(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	n, err := store.Put(context.Background(), Key{ClusterID: 0, ImageID: "x"}, strings.NewReader("abc"), -1, sampleMeta())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestLocalStoreTruncatedLeavesNothing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	k := Key{ClusterID: 1, ImageID: "short"}

	_, err = store.Put(ctx, k, shortReader{strings.NewReader("abc")}, 10, sampleMeta())
	assert.ErrorIs(t, err, domain.ErrTruncated)

	ok, err := store.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(store.MetaPath(k))
	assert.True(t, os.IsNotExist(err), "metadata must not be written for a truncated body")

	entries, err := os.ReadDir(filepath.Join(store.Root, k.Dir()))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestLocalStoreReadError(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Put(context.Background(), Key{ImageID: "e"}, failingReader{}, 5, sampleMeta())
	assert.ErrorIs(t, err, domain.ErrDownloadFailed)
}

func TestLocalStoreAlreadyPersisted(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	k := Key{ClusterID: 2, ImageID: "dup"}

	_, err = store.Put(ctx, k, strings.NewReader("one"), 3, sampleMeta())
	require.NoError(t, err)
	_, err = store.Put(ctx, k, strings.NewReader("two"), 3, sampleMeta())
	assert.ErrorIs(t, err, domain.ErrAlreadyPersisted)

	img, err := os.ReadFile(store.ImagePath(k))
	require.NoError(t, err)
	assert.Equal(t, "one", string(img))
}

// memObjects is an in-memory ObjectAPI.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	copyErr error
	order   []string
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (m *memObjects) StatObject(_ context.Context, bucket, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+object]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", Key: object}
	}
	return minio.ObjectInfo{Key: object, Size: int64(len(data))}, nil
}

func (m *memObjects) PutObject(_ context.Context, bucket, object string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, errors.New("upload aborted: " + err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+object] = data
	m.order = append(m.order, "put "+object)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func (m *memObjects) CopyObject(_ context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.copyErr != nil {
		return minio.UploadInfo{}, m.copyErr
	}
	data := m.objects[src.Bucket+"/"+src.Object]
	m.objects[dst.Bucket+"/"+dst.Object] = data
	m.order = append(m.order, "copy "+dst.Object)
	return minio.UploadInfo{Bucket: dst.Bucket, Key: dst.Object, Size: int64(len(data))}, nil
}

func (m *memObjects) RemoveObject(_ context.Context, bucket, object string, _ minio.RemoveObjectOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+object)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func TestMinioStorePutCommitsImageLast(t *testing.T) {
	objs := newMemObjects()
	store := NewMinioStoreWithClient(objs, "hotspots", "/raw/")
	ctx := context.Background()
	k := Key{ClusterID: 3, ImageID: "123"}

	ok, err := store.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.Put(ctx, k, strings.NewReader("jpegbytes"), 9, sampleMeta())
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)

	assert.True(t, objs.has("hotspots/raw/cluster_3/123.jpg"))
	assert.True(t, objs.has("hotspots/raw/cluster_3/123.json"))
	assert.False(t, objs.has("hotspots/raw/.staging/cluster_3/123.jpg"))
	assert.Equal(t, []string{
		"put raw/.staging/cluster_3/123.jpg",
		"put raw/cluster_3/123.json",
		"copy raw/cluster_3/123.jpg",
	}, objs.order)

	ok, err = store.Exists(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Put(ctx, k, strings.NewReader("jpegbytes"), 9, sampleMeta())
	assert.ErrorIs(t, err, domain.ErrAlreadyPersisted)
}

func TestMinioStoreTruncated(t *testing.T) {
	objs := newMemObjects()
	store := NewMinioStoreWithClient(objs, "b", "")
	k := Key{ClusterID: 1, ImageID: "short"}

	_, err := store.Put(context.Background(), k, strings.NewReader("abc"), 10, sampleMeta())
	assert.ErrorIs(t, err, domain.ErrTruncated)
	assert.Empty(t, objs.objects, "staging object removed and no metadata written")
}

func TestMinioStoreCommitFailure(t *testing.T) {
	objs := newMemObjects()
	objs.copyErr = errors.New("copy denied")
	store := NewMinioStoreWithClient(objs, "b", "")
	k := Key{ClusterID: 1, ImageID: "c"}

	_, err := store.Put(context.Background(), k, strings.NewReader("abc"), 3, sampleMeta())
	assert.ErrorContains(t, err, "copy denied")

	ok, err := store.Exists(context.Background(), k)
	require.NoError(t, err)
	assert.False(t, ok, "image absent so a rerun retries it")
}

func TestMinioStoreStatError(t *testing.T) {
	store := NewMinioStoreWithClient(statFails{newMemObjects()}, "b", "")
	_, err := store.Exists(context.Background(), Key{ImageID: "x"})
	assert.ErrorContains(t, err, "AccessDenied")
}

type statFails struct{ *memObjects }

func (statFails) StatObject(context.Context, string, string, minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return minio.ObjectInfo{}, minio.ErrorResponse{Code: "AccessDenied", Message: "AccessDenied"}
}
