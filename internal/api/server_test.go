package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ftprelay/ftprelay/internal/auth"
	"github.com/ftprelay/ftprelay/internal/catalog"
	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/protocol"
	"github.com/ftprelay/ftprelay/internal/quota"
	"github.com/ftprelay/ftprelay/internal/relay"
	"github.com/ftprelay/ftprelay/internal/remote"
	"github.com/ftprelay/ftprelay/internal/staging"
	"github.com/ftprelay/ftprelay/internal/transport"
	"github.com/ftprelay/ftprelay/internal/transport/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

const seedUsers = "admin:adminpw:Site Admin:admin,alice:alicepw:Alice:user,bob:bobpw:Bob:user"

// countingDialer counts dials and can be switched to fail.
type countingDialer struct {
	inner transport.Dialer
	dials atomic.Int32
	down  atomic.Bool
}

func (d *countingDialer) Dial(ctx context.Context) (transport.Session, error) {
	d.dials.Add(1)
	if d.down.Load() {
		return nil, fault.Transport("dial", errors.New("connection refused"))
	}
	return d.inner.Dial(ctx)
}

type testEnv struct {
	srv     *httptest.Server
	dialer  *countingDialer
	store   *catalog.MemoryStore
	stager  *staging.Store
	limiter *quota.RateLimiter
}

type envOption func(*envConfig)

type envConfig struct {
	maxUpload int64
	rpm       int
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{maxUpload: 10 << 20}
	for _, o := range opts {
		o(&cfg)
	}

	ld, err := local.New(local.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	dialer := &countingDialer{inner: ld}

	stager, err := staging.New(t.TempDir())
	require.NoError(t, err)
	store := catalog.NewMemoryStore()

	seeds, err := auth.ParseSeedUsers(seedUsers)
	require.NoError(t, err)
	users, err := auth.NewDirectory(seeds, bcrypt.MinCost)
	require.NoError(t, err)

	limiter := quota.NewRateLimiter(cfg.rpm)
	server := NewServer(
		auth.New(users, "test-secret", time.Hour),
		relay.New(stager, dialer, store, relay.Config{RemoteRoot: "/files"}),
		store,
		remote.NewBrowser(dialer, "/files", time.Minute),
		remote.NewDownloader(dialer, store, "/files", time.Minute),
		limiter,
		cfg.maxUpload,
	)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, dialer: dialer, store: store, stager: stager, limiter: limiter}
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(protocol.LoginRequest{Username: username, Password: password})
	resp, err := http.Post(e.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lr protocol.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	require.NotEmpty(t, lr.Token)
	return lr.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) upload(t *testing.T, token, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, "/api/upload", token, &buf, mw.FormDataContentType())
}

func (e *testEnv) stagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.stager.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[protocol.HealthResponse](t, resp).Status)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	e := newTestEnv(t)
	body := `{"username":"alice","password":"nope"}`
	resp := e.do(t, http.MethodPost, "/api/auth/login", "", strings.NewReader(body), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid Credentials", decode[protocol.ErrorResponse](t, resp).Msg)
}

func TestUploadAndDownloadByRecord(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	admin := e.login(t, "admin", "adminpw")

	resp := e.upload(t, alice, "report.pdf", []byte("%PDF-1.7 quarterly"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decode[protocol.UploadResponse](t, resp)
	assert.Equal(t, "File uploaded successfully!", up.Msg)
	assert.Equal(t, "report.pdf", up.Filename)
	assert.NotEmpty(t, up.FileID)
	assert.True(t, strings.HasPrefix(up.RemotePath, "/files/"+time.Now().UTC().Format("2006-01-02")+"/"))
	assert.True(t, strings.HasSuffix(up.RemotePath, "-report.pdf"))
	e.stagingEmpty(t)

	resp = e.do(t, http.MethodGet, "/api/upload", alice, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	own := decode[[]catalog.Record](t, resp)
	require.Len(t, own, 1)
	assert.Equal(t, up.FileID, own[0].ID)
	assert.Equal(t, "alice", own[0].OwnerUsername)
	assert.Equal(t, int64(18), own[0].SizeBytes)

	resp = e.do(t, http.MethodGet, "/api/admin/download/"+up.FileID, admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=report.pdf`, resp.Header.Get("Content-Disposition"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 quarterly", string(got))
}

func TestOwnUploadsAreScopedToCaller(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	bob := e.login(t, "bob", "bobpw")

	require.Equal(t, http.StatusOK, e.upload(t, alice, "a.txt", []byte("a")).StatusCode)

	resp := e.do(t, http.MethodGet, "/api/upload", bob, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]catalog.Record](t, resp))
}

func TestUploadWithoutFile(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("file", "not a file part"))
	require.NoError(t, mw.Close())

	resp := e.do(t, http.MethodPost, "/api/upload", alice, &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No file uploaded", decode[protocol.ErrorResponse](t, resp).Msg)

	resp = e.do(t, http.MethodPost, "/api/upload", alice, strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Zero(t, e.dialer.dials.Load())
	assert.Zero(t, e.store.Len())
}

func TestUploadTransportDown(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	e.dialer.down.Store(true)

	resp := e.upload(t, alice, "a.txt", []byte("payload"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "FTP upload failed", decode[protocol.ErrorResponse](t, resp).Msg)
	assert.Zero(t, e.store.Len())
	e.stagingEmpty(t)
}

func TestUploadTooLarge(t *testing.T) {
	e := newTestEnv(t, func(c *envConfig) { c.maxUpload = 1024 })
	alice := e.login(t, "alice", "alicepw")

	resp := e.upload(t, alice, "big.bin", bytes.Repeat([]byte("x"), 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Zero(t, e.store.Len())
	e.stagingEmpty(t)
}

func TestUploadRateLimited(t *testing.T) {
	e := newTestEnv(t, func(c *envConfig) { c.rpm = 1 })
	alice := e.login(t, "alice", "alicepw")
	bob := e.login(t, "bob", "bobpw")

	assert.Equal(t, http.StatusOK, e.upload(t, alice, "a.txt", []byte("1")).StatusCode)
	resp := e.upload(t, alice, "b.txt", []byte("2"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, e.upload(t, bob, "c.txt", []byte("3")).StatusCode)
}

func TestThreeMegabyteUpload(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	admin := e.login(t, "admin", "adminpw")

	payload := bytes.Repeat([]byte("0123456789abcdef"), 3<<20/16)
	resp := e.upload(t, alice, "blob.bin", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decode[protocol.UploadResponse](t, resp)

	resp = e.do(t, http.MethodGet, "/api/upload", alice, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	own := decode[[]catalog.Record](t, resp)
	require.Len(t, own, 1)
	assert.Equal(t, int64(3*1024*1024), own[0].SizeBytes)
	assert.Equal(t, "blob.bin", own[0].OriginalFilename)

	resp = e.do(t, http.MethodGet, "/api/admin/files?page=1&limit=10", admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[protocol.FilesResponse](t, resp)
	require.Len(t, p.Files, 1)
	assert.Equal(t, up.FileID, p.Files[0].ID)

	resp = e.do(t, http.MethodGet, "/api/admin/download/"+up.FileID, admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/api/upload", "/api/auth/me", "/api/admin/stats", "/api/admin/files"} {
		resp := e.do(t, http.MethodGet, path, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp := e.do(t, http.MethodGet, "/api/admin/stats", "garbage", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")

	paths := []string{
		"/api/admin/stats",
		"/api/admin/files",
		"/api/admin/ftp-files",
		"/api/admin/download/anything",
		"/api/admin/download-ftp?path=abc",
	}
	for _, path := range paths {
		resp := e.do(t, http.MethodGet, path, alice, nil, "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Equal(t, "Forbidden: Access is denied.", decode[protocol.ErrorResponse](t, resp).Msg)
	}
	assert.Zero(t, e.dialer.dials.Load())
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	bob := e.login(t, "bob", "bobpw")
	admin := e.login(t, "admin", "adminpw")

	require.Equal(t, http.StatusOK, e.upload(t, alice, "a.txt", []byte("aaaa")).StatusCode)
	require.Equal(t, http.StatusOK, e.upload(t, alice, "b.txt", []byte("bb")).StatusCode)
	require.Equal(t, http.StatusOK, e.upload(t, bob, "c.txt", []byte("c")).StatusCode)

	resp := e.do(t, http.MethodGet, "/api/admin/stats", admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[protocol.StatsResponse](t, resp)
	assert.Equal(t, 3, st.TotalUploads)
	assert.Equal(t, 3, st.TotalUsers)
	assert.Equal(t, int64(7), st.TotalSize)
	assert.Equal(t, map[string]int{"Alice": 2, "Bob": 1}, st.UploadsPerUser)
}

func TestFilesPagination(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	admin := e.login(t, "admin", "adminpw")

	for i := 0; i < 12; i++ {
		resp := e.upload(t, alice, fmt.Sprintf("f%02d.txt", i), []byte("x"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := e.do(t, http.MethodGet, "/api/admin/files?page=3&limit=5", admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[protocol.FilesResponse](t, resp)
	assert.Equal(t, 12, p.TotalFiles)
	assert.Equal(t, 3, p.TotalPages)
	assert.Equal(t, 3, p.CurrentPage)
	assert.Len(t, p.Files, 2)

	resp = e.do(t, http.MethodGet, "/api/admin/files?page=abc&limit=-4", admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p = decode[protocol.FilesResponse](t, resp)
	assert.Equal(t, 1, p.CurrentPage)
	assert.Equal(t, 2, p.TotalPages)
	require.Len(t, p.Files, catalog.DefaultLimit)
	assert.Equal(t, "f11.txt", p.Files[0].OriginalFilename)

	resp = e.do(t, http.MethodGet, "/api/admin/files?page=9", admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[protocol.FilesResponse](t, resp).Files)
}

func TestRemoteListingAndDirectDownload(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	admin := e.login(t, "admin", "adminpw")

	resp := e.do(t, http.MethodGet, "/api/admin/ftp-files", admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]remote.File](t, resp))

	up := decode[protocol.UploadResponse](t, e.upload(t, alice, "notes.txt", []byte("remote notes")))

	resp = e.do(t, http.MethodGet, "/api/admin/ftp-files", admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[[]remote.File](t, resp)
	require.Len(t, files, 1)
	assert.Equal(t, up.RemotePath, files[0].Path)
	assert.Equal(t, int64(12), files[0].Size)

	q := url.Values{"path": {files[0].ID}}
	resp = e.do(t, http.MethodGet, "/api/admin/download-ftp?"+q.Encode(), admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "remote notes", string(got))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")
}

func TestDirectDownloadRejectsBadHandles(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin", "adminpw")

	resp := e.do(t, http.MethodGet, "/api/admin/download-ftp", admin, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "File path is required.", decode[protocol.ErrorResponse](t, resp).Msg)

	for _, h := range []string{
		remote.EncodeHandle("/files/../etc/passwd"),
		remote.EncodeHandle("/etc/passwd"),
		"%%%not-base64%%%",
	} {
		q := url.Values{"path": {h}}
		resp := e.do(t, http.MethodGet, "/api/admin/download-ftp?"+q.Encode(), admin, nil, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, h)
		assert.Equal(t, "Invalid file path.", decode[protocol.ErrorResponse](t, resp).Msg)
	}
	assert.Zero(t, e.dialer.dials.Load())
}

func TestDownloadMissing(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin", "adminpw")

	resp := e.do(t, http.MethodGet, "/api/admin/download/no-such-id", admin, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Zero(t, e.dialer.dials.Load())

	q := url.Values{"path": {remote.EncodeHandle("/files/2024-01-01/gone.txt")}}
	resp = e.do(t, http.MethodGet, "/api/admin/download-ftp?"+q.Encode(), admin, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Disposition"))
}

func TestDownloadTransportDown(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	admin := e.login(t, "admin", "adminpw")
	up := decode[protocol.UploadResponse](t, e.upload(t, alice, "a.txt", []byte("a")))

	e.dialer.down.Store(true)
	resp := e.do(t, http.MethodGet, "/api/admin/download/"+up.FileID, admin, nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "Failed to download file", decode[protocol.ErrorResponse](t, resp).Msg)

	resp = e.do(t, http.MethodGet, "/api/admin/ftp-files", admin, nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestEmptyFileDownload(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice", "alicepw")
	admin := e.login(t, "admin", "adminpw")
	up := decode[protocol.UploadResponse](t, e.upload(t, alice, "empty.txt", nil))

	resp := e.do(t, http.MethodGet, "/api/admin/download/"+up.FileID, admin, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, "attachment; filename=a.txt", contentDisposition("a.txt"))
	assert.Equal(t, `attachment; filename="my report.pdf"`, contentDisposition("my report.pdf"))
	assert.Equal(t, "attachment; filename*=utf-8''r%C3%A9sum%C3%A9.pdf", contentDisposition("résumé.pdf"))
}

func TestParsePositive(t *testing.T) {
	assert.Equal(t, 3, parsePositive("3", 1))
	assert.Equal(t, 1, parsePositive("", 1))
	assert.Equal(t, 10, parsePositive("0", 10))
	assert.Equal(t, 10, parsePositive("-2", 10))
	assert.Equal(t, 10, parsePositive("2abc", 10))
}
