package contentstore

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/testutil"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

func TestKeyLayout(t *testing.T) {
	pid := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	cid := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := Key(pid, cid, "src/index.html")
	require.Equal(t, "project/11111111-1111-1111-1111-111111111111/commit/22222222-2222-2222-2222-222222222222/src/index.html", key)
	require.True(t, strings.HasPrefix(key, ProjectPrefix(pid)))
}

func TestNormalizePath(t *testing.T) {
	for in, want := range map[string]string{
		"index.html":         "index.html",
		"/src//app.js":       "src/app.js",
		"src\\styles\\a.css": "src/styles/a.css",
		"./README.md":        "README.md",
	} {
		got, err := NormalizePath(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "   ", "/", "../etc/passwd", "a/../../b"} {
		_, err := NormalizePath(bad)
		require.True(t, appErr.IsCode(err, appErr.CodeInvalid), bad)
	}
}

func TestDBStorePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewDBStore(testutil.NewDB(t))

	require.NoError(t, s.Put(ctx, "project/p/commit/c/a.txt", []byte("hello")))
	require.NoError(t, s.Put(ctx, "project/p/commit/c/a.txt", []byte("hello")))

	data, err := s.Get(ctx, "project/p/commit/c/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	err = s.Put(ctx, "project/p/commit/c/a.txt", []byte("other"))
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))
}

func TestDBStoreEmptyContent(t *testing.T) {
	ctx := context.Background()
	s := NewDBStore(testutil.NewDB(t))

	require.NoError(t, s.Put(ctx, "k", nil))
	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestDBStoreGetMissing(t *testing.T) {
	_, err := NewDBStore(testutil.NewDB(t)).Get(context.Background(), "nope")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
	require.False(t, appErr.IsTransient(err))
}

type flakyStore struct {
	failures int
	calls    int
	err      error
	data     map[string][]byte
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.data[key] = data
	return nil
}

func (f *flakyStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	n := 0
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	d, ok := f.data[key]
	if !ok {
		return nil, notFound(key)
	}
	return d, nil
}

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	inner := &flakyStore{failures: 2, err: unavailable(errors.New("connection reset"), "put"), data: map[string][]byte{}}
	s := WithRetry(inner, 5*time.Second)

	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.Equal(t, 3, inner.calls)
}

func TestRetryingStopsOnPermanentErrors(t *testing.T) {
	inner := &flakyStore{data: map[string][]byte{}}
	s := WithRetry(inner, 5*time.Second)

	_, err := s.Get(context.Background(), "missing")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
	require.Equal(t, 1, inner.calls)
}

func TestRetryingGivesUpAfterMaxElapsed(t *testing.T) {
	inner := &flakyStore{failures: 1 << 20, err: unavailable(errors.New("timeout"), "get"), data: map[string][]byte{}}
	s := WithRetry(inner, 300*time.Millisecond)

	_, err := s.Get(context.Background(), "k")
	require.True(t, appErr.IsTransient(err))
	require.Greater(t, inner.calls, 1)
}

type fakeS3 struct {
	objects  map[string][]byte
	putErr   error
	pageSize int
	listed   int
	failKey  string
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listed++
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if f.pageSize > 0 && len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	out.KeyCount = aws.Int32(int32(len(keys)))
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	out := &s3.DeleteObjectsOutput{}
	for _, id := range in.Delete.Objects {
		if aws.ToString(id.Key) == f.failKey {
			out.Errors = append(out.Errors, s3types.Error{Key: id.Key, Code: aws.String("InternalError"), Message: aws.String("try again")})
			continue
		}
		delete(f.objects, aws.ToString(id.Key))
	}
	return out, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, _ := io.ReadAll(in.Body)
	f.objects[*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(b)))}, nil
}

func TestS3StoreClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	s := &S3Store{client: fake, bucket: "sites"}

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(data))

	_, err = s.Get(ctx, "missing")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	fake.putErr = errors.New("dial tcp: i/o timeout")
	err = s.Put(ctx, "k2", []byte("v"))
	require.True(t, appErr.IsTransient(err))
}

func TestS3StoreDeletePrefixPages(t *testing.T) {
	ctx := context.Background()
	pid, other := uuid.New(), uuid.New()
	fake := &fakeS3{objects: map[string][]byte{}, pageSize: 2}
	s := &S3Store{client: fake, bucket: "sites"}
	for _, name := range []string{"a.html", "b.html", "c.css", "d.js", "e.png"} {
		require.NoError(t, s.Put(ctx, Key(pid, uuid.New(), name), []byte(name)))
	}
	keep := Key(other, uuid.New(), "index.html")
	require.NoError(t, s.Put(ctx, keep, []byte("x")))

	n, err := s.DeletePrefix(ctx, ProjectPrefix(pid))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 3, fake.listed)
	require.Len(t, fake.objects, 1)
	require.Contains(t, fake.objects, keep)

	n, err = s.DeletePrefix(ctx, ProjectPrefix(pid))
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.DeletePrefix(ctx, "")
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestS3StoreDeletePrefixReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	pid := uuid.New()
	fake := &fakeS3{objects: map[string][]byte{}}
	s := &S3Store{client: fake, bucket: "sites"}
	stuck := Key(pid, uuid.New(), "a.html")
	require.NoError(t, s.Put(ctx, stuck, []byte("a")))
	require.NoError(t, s.Put(ctx, Key(pid, uuid.New(), "b.html"), []byte("b")))
	fake.failKey = stuck

	n, err := s.DeletePrefix(ctx, ProjectPrefix(pid))
	require.True(t, appErr.IsTransient(err))
	require.Equal(t, 1, n)
	require.Contains(t, fake.objects, stuck)
}

func TestDBStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := NewDBStore(testutil.NewDB(t))
	pid, other := uuid.New(), uuid.New()
	require.NoError(t, s.Put(ctx, Key(pid, uuid.New(), "a.html"), []byte("a")))
	require.NoError(t, s.Put(ctx, Key(pid, uuid.New(), "b.html"), []byte("b")))
	keep := Key(other, uuid.New(), "a.html")
	require.NoError(t, s.Put(ctx, keep, []byte("a")))

	n, err := s.DeletePrefix(ctx, ProjectPrefix(pid))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, err = s.Get(ctx, keep)
	require.NoError(t, err)
}

func TestRetryingDeletePrefix(t *testing.T) {
	inner := &flakyStore{failures: 1, err: unavailable(errors.New("connection reset"), "delete"), data: map[string][]byte{"project/p/a": nil, "project/q/a": nil}}
	n, err := WithRetry(inner, 5*time.Second).DeletePrefix(context.Background(), "project/p/")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, inner.data, 1)
}

func TestOpenSelectsStore(t *testing.T) {
	db := testutil.NewDB(t)
	s, err := Open(context.Background(), "db", db, S3Config{})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))

	_, err = Open(context.Background(), "ftp", db, S3Config{})
	require.Error(t, err)
}
