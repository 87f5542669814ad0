package share

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"syndro/internal/clock"
	"syndro/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		SharePort:            0,
		PortProbeLimit:       1,
		RequireConfirmation:  true,
		SessionTTL:           time.Hour,
		PendingTimeout:       time.Minute,
		SweepInterval:        5 * time.Minute,
		MaxActiveConnections: 10,
		RateLimit:            config.RateLimit{Max: 1000, Window: time.Minute},
	}
}

func writeFile(t *testing.T, dir, name string, payload []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newTestServer(t *testing.T, cfg config.Config, paths ...string) *Server {
	t.Helper()
	catalog, err := BuildCatalog(paths)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return NewServer(Dependencies{Config: cfg, Catalog: catalog, Clock: clock.RealClock{}})
}

func confirm(t *testing.T, server *Server, source string) {
	t.Helper()
	server.Gate().RequestAccess(source, "test-device")
	if !server.Gate().Resolve(source, true) {
		t.Fatalf("confirm %s failed", source)
	}
}

func get(server *Server, target, source string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Forwarded-For", source)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.Router.ServeHTTP(rec, req)
	return rec
}

func TestIndexAlwaysServedAndRegistersCaller(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("hello"))
	server := newTestServer(t, testConfig(), path)

	rec := get(server, "/?device=pixel", "10.0.0.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("landing page must be served to unknown sources, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<html") {
		t.Fatalf("expected HTML body")
	}

	pending := server.Gate().Pending()
	if len(pending) != 1 || pending[0].Source != "10.0.0.9" || pending[0].Identity != "pixel" {
		t.Fatalf("first contact should create a pending entry: %+v", pending)
	}
}

func TestFileCatalogEndpoint(t *testing.T) {
	dir := t.TempDir()
	small := writeFile(t, dir, "small.txt", []byte("0123456789"))
	large := writeFile(t, dir, "large.bin", bytes.Repeat([]byte{0x42}, 500000))
	server := newTestServer(t, testConfig(), small, large)

	rec := get(server, "/api/files", "10.0.0.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Count int `json:"count"`
		Files []struct {
			Index       int    `json:"index"`
			Name        string `json:"name"`
			Size        int64  `json:"size"`
			SizeHuman   string `json:"size_human"`
			Type        string `json:"type"`
			DownloadURL string `json:"download_url"`
		} `json:"files"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 2 {
		t.Fatalf("expected 2 entries, got %d", payload.Count)
	}
	if payload.Files[0].Size != 10 || payload.Files[1].Size != 500000 {
		t.Fatalf("sizes wrong: %+v", payload.Files)
	}
	if payload.Files[1].DownloadURL != "/download/1/large.bin" {
		t.Fatalf("download URL wrong: %q", payload.Files[1].DownloadURL)
	}
}

func TestDownloadRequiresConfirmation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("secret"))
	server := newTestServer(t, testConfig(), path)

	rec := get(server, "/download/0/a.txt", "10.0.0.9", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unconfirmed source must get 403, got %d", rec.Code)
	}

	confirm(t, server, "10.0.0.9")
	rec = get(server, "/download/0/a.txt", "10.0.0.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed source should download, got %d", rec.Code)
	}
	if rec.Body.String() != "secret" {
		t.Fatalf("body mismatch: %q", rec.Body.String())
	}
}

func TestFullDownloadHeaders(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "résumé.pdf", []byte("%PDF-fake"))
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	rec := get(server, "/download/0/r%C3%A9sum%C3%A9.pdf", "10.0.0.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("content type %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "9" {
		t.Fatalf("content length %q", got)
	}
	disposition := rec.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, `filename="r_sum_.pdf"`) {
		t.Fatalf("ASCII fallback missing: %q", disposition)
	}
	if !strings.Contains(disposition, "filename*=UTF-8''r%C3%A9sum%C3%A9.pdf") {
		t.Fatalf("RFC 5987 form missing: %q", disposition)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("accept-ranges %q", got)
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "no-cache") {
		t.Fatalf("downloads must not be cached")
	}
}

func TestRangedDownloadReturnsExactSlice(t *testing.T) {
	payload := make([]byte, 500000)
	for i := range payload {
		payload[i] = byte(i)
	}
	dir := t.TempDir()
	path := writeFile(t, dir, "large.bin", payload)
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	cases := []struct {
		start, end int64
	}{
		{0, 99},
		{1, 1},
		{499999, 499999},
		{250000, 499999},
	}
	for _, tc := range cases {
		header := fmt.Sprintf("bytes=%d-%d", tc.start, tc.end)
		rec := get(server, "/download/0/large.bin", "10.0.0.9", map[string]string{"Range": header})
		if rec.Code != http.StatusPartialContent {
			t.Fatalf("%s: expected 206, got %d", header, rec.Code)
		}
		want := payload[tc.start : tc.end+1]
		if !bytes.Equal(rec.Body.Bytes(), want) {
			t.Fatalf("%s: slice mismatch, got %d bytes want %d", header, rec.Body.Len(), len(want))
		}
		length := fmt.Sprintf("%d", tc.end-tc.start+1)
		if got := rec.Header().Get("Content-Length"); got != length {
			t.Fatalf("%s: content length %q want %q", header, got, length)
		}
		wantRange := fmt.Sprintf("bytes %d-%d/500000", tc.start, tc.end)
		if got := rec.Header().Get("Content-Range"); got != wantRange {
			t.Fatalf("%s: content range %q want %q", header, got, wantRange)
		}
	}
}

func TestOpenEndedRangeServesTail(t *testing.T) {
	payload := []byte("0123456789")
	dir := t.TempDir()
	path := writeFile(t, dir, "a.bin", payload)
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	rec := get(server, "/download/0/a.bin", "10.0.0.9", map[string]string{"Range": "bytes=4-"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "456789" {
		t.Fatalf("tail mismatch: %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 4-9/10" {
		t.Fatalf("content range %q", got)
	}
}

func TestUnsatisfiableRangeReturns416(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.bin", []byte("0123456789"))
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	for _, header := range []string{"bytes=10-", "bytes=10-20", "bytes=7-3"} {
		rec := get(server, "/download/0/a.bin", "10.0.0.9", map[string]string{"Range": header})
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("%s: expected 416, got %d", header, rec.Code)
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */10" {
			t.Fatalf("%s: content range %q", header, got)
		}
	}
}

func TestMalformedRangeFallsBackToFullFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.bin", []byte("0123456789"))
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	for _, header := range []string{"bytes=-5", "bytes=abc-def", "chunks=0-5", "bytes=5"} {
		rec := get(server, "/download/0/a.bin", "10.0.0.9", map[string]string{"Range": header})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected whole-file 200, got %d", header, rec.Code)
		}
		if rec.Body.Len() != 10 {
			t.Fatalf("%s: expected full body, got %d bytes", header, rec.Body.Len())
		}
	}
}

func TestRangeEndClampedToFileSize(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.bin", []byte("0123456789"))
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	rec := get(server, "/download/0/a.bin", "10.0.0.9", map[string]string{"Range": "bytes=5-500"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "56789" {
		t.Fatalf("clamped slice mismatch: %q", rec.Body.String())
	}
}

func TestThumbnailOnlyForImages(t *testing.T) {
	dir := t.TempDir()
	image := writeFile(t, dir, "photo.png", []byte{0x89, 'P', 'N', 'G'})
	text := writeFile(t, dir, "notes.txt", []byte("words"))
	server := newTestServer(t, testConfig(), image, text)

	rec := get(server, "/thumbnail/0", "10.0.0.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("image thumbnail should serve, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "max-age") {
		t.Fatalf("thumbnails should be cacheable")
	}

	if rec := get(server, "/thumbnail/1", "10.0.0.9", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-image thumbnail must 400, got %d", rec.Code)
	}
	if rec := get(server, "/thumbnail/99", "10.0.0.9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("out-of-range index must 404, got %d", rec.Code)
	}
}

func TestUnknownDownloadIndexReturns404(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("x"))
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	if rec := get(server, "/download/5/a.txt", "10.0.0.9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("x"))
	server := newTestServer(t, testConfig(), path)

	req := httptest.NewRequest(http.MethodOptions, "/api/files", nil)
	rec := httptest.NewRecorder()
	server.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight must return 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("preflight body must be empty")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin %q", got)
	}

	rec = get(server, "/api/files", "10.0.0.9", nil)
	if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Content-Range") {
		t.Fatalf("range header must be exposed cross-origin, got %q", got)
	}
}

func TestRateLimitAppliesPerSource(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimit{Max: 3, Window: time.Minute}
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("x"))
	server := newTestServer(t, cfg, path)

	for i := 0; i < 3; i++ {
		if rec := get(server, "/api/files", "10.0.0.9", nil); rec.Code != http.StatusOK {
			t.Fatalf("call %d expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := get(server, "/api/files", "10.0.0.9", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the limit, got %d", rec.Code)
	}
	if rec := get(server, "/api/files", "10.0.0.10", nil); rec.Code != http.StatusOK {
		t.Fatalf("other sources keep their own window, got %d", rec.Code)
	}
}

func TestDownloadEventsEmitted(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("payload"))
	server := newTestServer(t, testConfig(), path)
	confirm(t, server, "10.0.0.9")

	get(server, "/download/0/a.txt", "10.0.0.9", nil)

	var events []DownloadEvent
	for {
		select {
		case event := <-server.Downloads():
			events = append(events, event)
			continue
		default:
		}
		break
	}
	if len(events) != 2 {
		t.Fatalf("expected started+completed, got %d events", len(events))
	}
	if events[0].Type != DownloadStarted || events[1].Type != DownloadCompleted {
		t.Fatalf("unexpected event order: %v %v", events[0].Type, events[1].Type)
	}
	if events[1].File != "a.txt" || events[1].Bytes != 7 {
		t.Fatalf("completed event wrong: %+v", events[1])
	}
}

func TestGateDisabledAllowsImmediateDownload(t *testing.T) {
	cfg := testConfig()
	cfg.RequireConfirmation = false
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("open"))
	server := newTestServer(t, cfg, path)

	rec := get(server, "/download/0/a.txt", "10.0.0.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("gate disabled must allow downloads, got %d", rec.Code)
	}
}
