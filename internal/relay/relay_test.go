package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftprelay/ftprelay/internal/catalog"
	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/staging"
	"github.com/ftprelay/ftprelay/internal/transport"
	"github.com/ftprelay/ftprelay/internal/transport/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

var alice = Principal{ID: 2, Username: "testuser", DisplayName: "Test User"}

// fakeSession keeps files in memory and fails the named operation.
type fakeSession struct {
	d *fakeDialer
}

func (s *fakeSession) EnsureDir(ctx context.Context, dir string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if err := s.d.fail["ensure_dir"]; err != nil {
		return err
	}
	s.d.dirs[dir] = true
	return nil
}

func (s *fakeSession) Put(ctx context.Context, p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if err := s.d.fail["put"]; err != nil {
		return err
	}
	s.d.files[p] = data
	return nil
}

func (s *fakeSession) Get(context.Context, string, io.Writer) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *fakeSession) List(context.Context, string) ([]transport.Entry, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeSession) Close() error {
	s.d.mu.Lock()
	s.d.closes++
	s.d.mu.Unlock()
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   map[string]error
	dirs   map[string]bool
	files  map[string][]byte
	dials  int
	closes int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		fail:  make(map[string]error),
		dirs:  make(map[string]bool),
		files: make(map[string][]byte),
	}
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := d.fail["dial"]; err != nil {
		return nil, err
	}
	return &fakeSession{d: d}, nil
}

func newRelay(t *testing.T, d transport.Dialer) (*Relay, *staging.Store, *catalog.MemoryStore) {
	t.Helper()
	st, err := staging.New(t.TempDir())
	require.NoError(t, err)
	store := catalog.NewMemoryStore()
	r := New(st, d, store, Config{RemoteRoot: "/files", TransferTimeout: time.Minute})
	r.now = func() time.Time { return time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC) }
	return r, st, store
}

func stagingEmpty(t *testing.T, st *staging.Store) {
	t.Helper()
	entries, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory should be empty")
}

func TestUploadSuccess(t *testing.T) {
	d := newFakeDialer()
	r, st, store := newRelay(t, d)
	ctx := context.Background()

	rec, err := r.Upload(ctx, alice, "report.pdf", strings.NewReader("hello relay"))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "report.pdf", rec.OriginalFilename)
	assert.Equal(t, alice.ID, rec.OwnerID)
	assert.Equal(t, alice.Username, rec.OwnerUsername)
	assert.Equal(t, alice.DisplayName, rec.OwnerDisplayName)
	assert.Equal(t, int64(11), rec.SizeBytes)
	assert.True(t, strings.HasPrefix(rec.RemotePath, "/files/2024-05-01/"), rec.RemotePath)
	assert.True(t, strings.HasSuffix(rec.RemotePath, "-report.pdf"), rec.RemotePath)
	assert.Equal(t, time.UTC, rec.UploadedAt.Location())

	assert.True(t, d.dirs["/files/2024-05-01"])
	assert.Equal(t, []byte("hello relay"), d.files[rec.RemotePath])
	assert.Equal(t, 1, d.closes)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	stagingEmpty(t, st)
}

func TestUploadFailuresLeaveNoRecord(t *testing.T) {
	for _, op := range []string{"dial", "ensure_dir", "put"} {
		t.Run(op, func(t *testing.T) {
			d := newFakeDialer()
			d.fail[op] = errors.New("550 permission denied")
			r, st, store := newRelay(t, d)

			_, err := r.Upload(context.Background(), alice, "a.txt", strings.NewReader("payload"))
			require.Error(t, err)
			assert.ErrorIs(t, err, fault.ErrTransport)

			stats, err := store.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, stats.TotalUploads)
			stagingEmpty(t, st)

			if op != "dial" {
				assert.Equal(t, 1, d.closes)
			}
		})
	}
}

func TestUploadKeepsFaultKind(t *testing.T) {
	d := newFakeDialer()
	d.fail["put"] = fault.Transport("stor", context.DeadlineExceeded)
	r, _, _ := newRelay(t, d)

	_, err := r.Upload(context.Background(), alice, "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, fault.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("client disconnected") }

func TestUploadStagingFailureNeverDials(t *testing.T) {
	d := newFakeDialer()
	r, st, _ := newRelay(t, d)

	_, err := r.Upload(context.Background(), alice, "a.txt", errReader{})
	assert.ErrorIs(t, err, fault.ErrStaging)
	assert.Equal(t, 0, d.dials)
	stagingEmpty(t, st)
}

type duplicateStore struct{ catalog.Store }

func (duplicateStore) Append(context.Context, catalog.Record) error { return catalog.ErrDuplicateID }

func TestUploadCatalogFailureIsReported(t *testing.T) {
	d := newFakeDialer()
	st, err := staging.New(t.TempDir())
	require.NoError(t, err)
	r := New(st, d, duplicateStore{catalog.NewMemoryStore()}, Config{RemoteRoot: "/files"})

	_, err = r.Upload(context.Background(), alice, "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, catalog.ErrDuplicateID)
	assert.Equal(t, 1, d.closes)
	stagingEmpty(t, st)
}

func TestConcurrentUploadsGetDistinctIDs(t *testing.T) {
	d := newFakeDialer()
	r, st, store := newRelay(t, d)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Upload(context.Background(), alice, "same.txt", strings.NewReader("x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	page, err := store.Page(context.Background(), 1, catalog.MaxLimit)
	require.NoError(t, err)
	require.Equal(t, 20, page.TotalFiles)

	ids := make(map[string]bool)
	paths := make(map[string]bool)
	for _, rec := range page.Files {
		ids[rec.ID] = true
		paths[rec.RemotePath] = true
	}
	assert.Len(t, ids, 20)
	assert.Len(t, paths, 20)
	assert.Len(t, d.files, 20)
	stagingEmpty(t, st)
}

func TestThreeMegabyteUploadThroughLocalStore(t *testing.T) {
	remoteRoot := t.TempDir()
	ld, err := local.New(local.Config{RootPath: remoteRoot})
	require.NoError(t, err)
	r, st, store := newRelay(t, transport.Instrument(ld))

	payload := bytes.Repeat([]byte("ftprelay"), 3*1024*1024/8)
	rec, err := r.Upload(context.Background(), alice, "report.pdf", bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, int64(3*1024*1024), rec.SizeBytes)
	onDisk, err := os.ReadFile(filepath.Join(remoteRoot, filepath.FromSlash(rec.RemotePath)))
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalUploads)
	stagingEmpty(t, st)
}
