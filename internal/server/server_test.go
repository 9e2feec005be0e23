package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ssd-technologies/conduit/internal/config"
	"github.com/ssd-technologies/conduit/internal/share"
)

// testConfig returns the default configuration with rate limiting off.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.RateLimit.PerMinute = 0
	return cfg
}

// setupTestServer creates a Server on a mock clock.
func setupTestServer(t *testing.T, cfg config.Config) (*Server, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	srv := New(Options{
		Config: cfg,
		Clock:  mock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(srv.Close)
	return srv, mock
}

// doJSON sends a JSON request through srv and returns the recorder.
func doJSON(t *testing.T, srv *Server, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v; body = %s", err, rec.Body.String())
	}
	return out
}

// createTestShare creates a share and returns its id and owner token.
func createTestShare(t *testing.T, srv *Server, filename string, size int64) (string, string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/share", map[string]any{"filename": filename, "size": size}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create share: status = %d, want %d; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp createShareResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp.ShareID, resp.OwnerToken
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestCreateShare(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())

	id, token := createTestShare(t, srv, "holiday.jpg", 2048)
	if len(id) != 6 {
		t.Errorf("share id %q: length = %d, want 6", id, len(id))
	}
	if token == "" || token == id {
		t.Errorf("owner token %q must be set and differ from the share id", token)
	}
	if srv.registry.Len() != 1 {
		t.Errorf("registry has %d shares, want 1", srv.registry.Len())
	}
}

func TestCreateShare_Validation(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())

	tests := []struct {
		name string
		body any
	}{
		{"empty filename", map[string]any{"filename": "", "size": 10}},
		{"negative size", map[string]any{"filename": "a.txt", "size": -1}},
		{"wrong type", map[string]any{"filename": 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/share", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
	if srv.registry.Len() != 0 {
		t.Fatalf("invalid requests created %d shares", srv.registry.Len())
	}
}

func TestStats_FreshShare(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())
	id, _ := createTestShare(t, srv, "notes.txt", 12)

	rec := doJSON(t, srv, http.MethodGet, "/stats/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["filename"] != "notes.txt" {
		t.Errorf("filename = %v", body["filename"])
	}
	if body["active_streams"] != float64(0) {
		t.Errorf("active_streams = %v, want 0", body["active_streams"])
	}
	if _, ok := body["telemetry"]; ok {
		t.Error("fresh share should have no telemetry")
	}
	if _, ok := body["last_heartbeat_at"]; ok {
		t.Error("fresh share should have no heartbeat")
	}
	if _, ok := body["owner_token"]; ok {
		t.Error("stats must not expose the owner token")
	}
}

func TestInfo(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())

	tests := []struct {
		filename string
		want     string
	}{
		{"paper.pdf", "application/pdf"},
		{"archive.unknownext", "application/octet-stream"},
		{"README", "application/octet-stream"},
	}
	for _, tt := range tests {
		id, _ := createTestShare(t, srv, tt.filename, 1)
		rec := doJSON(t, srv, http.MethodGet, "/info/"+id, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("info %s: status = %d", tt.filename, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["type"] != tt.want {
			t.Errorf("type for %s = %v, want %s", tt.filename, body["type"], tt.want)
		}
	}
}

func TestUnknownShare_NotFound(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())

	for _, path := range []string{"/info/nope", "/stats/nope", "/download/nope"} {
		rec := doJSON(t, srv, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
		if cd := rec.Header().Get("Content-Disposition"); cd != "" {
			t.Errorf("GET %s: unexpected Content-Disposition %q", path, cd)
		}
	}
}

func TestUnshare_WrongToken(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())
	id, _ := createTestShare(t, srv, "a.txt", 1)

	rec := doJSON(t, srv, http.MethodPost, "/unshare", unshareRequest{ShareID: id, OwnerToken: "guess"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if _, err := srv.registry.Get(id); err != nil {
		t.Fatalf("share removed by a forbidden unshare: %v", err)
	}
}

func TestUnshare_TokenFromHeader(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())
	id, token := createTestShare(t, srv, "a.txt", 1)

	rec := doJSON(t, srv, http.MethodPost, "/unshare", unshareRequest{ShareID: id},
		http.Header{ownerTokenHeader: []string{token}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/info/"+id, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("info after unshare: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestUnshare_MissingShareID(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())
	rec := doJSON(t, srv, http.MethodPost, "/unshare", unshareRequest{OwnerToken: "x"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// untouchableBody fails the test if the handler reads it.
type untouchableBody struct{ t *testing.T }

func (b untouchableBody) Read([]byte) (int, error) {
	b.t.Error("upload body read before authorization")
	return 0, io.EOF
}

func TestUpload_WrongTokenRejectedBeforeBody(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())
	id, _ := createTestShare(t, srv, "a.txt", 1)

	req := httptest.NewRequest(http.MethodPost, "/upload/"+id+"/stream1", untouchableBody{t})
	req.Header.Set(ownerTokenHeader, "wrong")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestUpload_UnknownStream(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())
	id, token := createTestShare(t, srv, "a.txt", 1)

	req := httptest.NewRequest(http.MethodPost, "/upload/"+id+"/nostream", strings.NewReader("x"))
	req.Header.Set(ownerTokenHeader, token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRateLimit_CreateShare(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.PerMinute = 60
	cfg.RateLimit.Burst = 3
	srv, _ := setupTestServer(t, cfg)

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/share", strings.NewReader(`{"filename":"a","size":1}`))
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := send("198.51.100.1"); code != http.StatusCreated {
			t.Fatalf("request %d: status = %d, want %d", i+1, code, http.StatusCreated)
		}
	}
	if code := send("198.51.100.1"); code != http.StatusTooManyRequests {
		t.Fatalf("4th request: status = %d, want %d", code, http.StatusTooManyRequests)
	}
	if code := send("198.51.100.2"); code != http.StatusCreated {
		t.Fatalf("other client: status = %d, want %d", code, http.StatusCreated)
	}
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example"}
	srv, _ := setupTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/share", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, ownerTokenHeader) {
		t.Errorf("Access-Control-Allow-Headers = %q, want it to include %s", got, ownerTokenHeader)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed origin: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://any.example", true},
		{[]string{"*"}, "https://any.example", true},
		{[]string{"https://a.example"}, "https://A.example", true},
		{[]string{"https://a.example"}, "https://b.example", false},
		{[]string{"https://a.example"}, "", true},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("originAllowed(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

// TestSecurityHeaders verifies that security headers are set on every response.
func TestSecurityHeaders(t *testing.T) {
	srv, _ := setupTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	expected := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

// TestSanitizeFilename tests the sanitizeFilename function against various attack vectors.
func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"normal", "hello.txt", "hello.txt"},
		{"directory traversal", "../../etc/passwd", "passwd"},
		{"quotes and CRLF injection", "file\"\r\nX-Injected: true", "fileX-Injected: true"},
		{"only dots", "..", "download"},
		{"empty after strip", "", "download"},
		{"single dot", ".", "download"},
		{"backslash path", `..\..\secret.txt`, "secret.txt"},
		{"quotes only", `"`, "download"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeFilename(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", share.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", share.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", share.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("x: %w", share.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", share.ErrBusy), http.StatusConflict},
		{fmt.Errorf("x: %w", share.ErrWaitTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("x: %w", share.ErrTransferAborted), http.StatusGone},
		{share.ErrInternalIO, http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStartWorkers_ReaperEvictsSilentShare(t *testing.T) {
	srv, mock := setupTestServer(t, testConfig())
	id, _ := createTestShare(t, srv, "a.txt", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.StartWorkers(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for srv.registry.Has(id) {
		if time.Now().After(deadline) {
			t.Fatal("silent share was never evicted")
		}
		mock.Add(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}
}
