// Package receive implements the upload-side server: a browser form posts
// multipart bodies to /upload, and the chunked client drives the
// /transfer/parallel endpoints. Everything lands in the staging store for
// the operator to save or discard.
package receive

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"syndro/internal/clock"
	"syndro/internal/config"
	"syndro/internal/domain"
	"syndro/internal/gate"
	"syndro/internal/logging"
	"syndro/internal/metrics"
	"syndro/internal/multipart"
	"syndro/internal/netinfo"
	"syndro/internal/ratelimit"
	"syndro/internal/staging"
	"syndro/internal/transfer"
	"syndro/internal/web"
)

// copyChunkSize bounds each read while buffering an upload body, so the
// running total is checked against the cap after every chunk.
const copyChunkSize = 256 << 10

type Dependencies struct {
	Config   config.Config
	Staging  staging.Store
	Gate     *gate.Gate
	Limiter  *ratelimit.Limiter
	Counters *metrics.Counters
	Logger   *log.Logger
	Clock    clock.Clock
}

// Server owns one receiving session. Staged files live until the operator
// resolves them or the session is torn down.
type Server struct {
	cfg      config.Config
	staging  staging.Store
	gate     *gate.Gate
	limiter  *ratelimit.Limiter
	counters *metrics.Counters
	logger   *log.Logger
	clock    clock.Clock

	Router http.Handler

	assemblies sync.Map // transfer id -> *assembly

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	url        string
	port       int
	expire     *time.Timer
	cancel     context.CancelFunc
	stopped    bool
}

func NewServer(deps Dependencies) *Server {
	logSink := deps.Logger
	if logSink == nil {
		logSink = log.New(io.Discard, "", 0)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New(deps.Config.RateLimit.Max, deps.Config.RateLimit.Window, clk)
	}

	server := &Server{
		cfg:      deps.Config,
		staging:  deps.Staging,
		gate:     deps.Gate,
		limiter:  limiter,
		counters: deps.Counters,
		logger:   logSink,
		clock:    clk,
	}
	server.Router = server.routes()
	return server
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(web.RequestLogger(s.logger))
	r.Use(web.CORS)
	r.Use(web.RateLimit(s.limiter, s.countRateLimited))

	r.Get("/", s.handleForm)
	r.Post("/upload", s.handleUpload)
	r.Post("/transfer/parallel/initiate", s.handleInitiate)
	r.Post("/transfer/chunk", s.handleChunk)
	r.Post("/transfer/parallel/complete", s.handleComplete)

	return r
}

func (s *Server) countRateLimited() {
	if s.counters != nil {
		s.counters.IncRateLimited()
	}
}

func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) Start(ctx context.Context) (string, error) {
	listener, port, err := web.ProbeListen(s.cfg.ReceivePort, s.cfg.PortProbeLimit)
	if err != nil {
		return "", fmt.Errorf("bind receive server: %w", err)
	}

	host, err := netinfo.LocalIP()
	if err != nil {
		host = "127.0.0.1"
	}

	var cancel context.CancelFunc
	if s.gate != nil {
		var sweepCtx context.Context
		sweepCtx, cancel = context.WithCancel(ctx)
		s.gate.Start(sweepCtx)
	}

	s.mu.Lock()
	s.listener = listener
	s.port = port
	s.url = fmt.Sprintf("http://%s:%d", host, port)
	s.cancel = cancel
	s.httpServer = &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.expire = time.AfterFunc(s.cfg.SessionTTL, s.Stop)
	publishedURL := s.url
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Allowlist(s.logger, map[string]string{
				"event": "receive_server_error",
				"error": err.Error(),
			})
		}
	}()

	logging.Allowlist(s.logger, map[string]string{
		"event": "receive_session_started",
		"port":  strconv.Itoa(port),
		"url":   publishedURL,
	})
	return publishedURL, nil
}

// Stop follows the same teardown order as the share server: listener and
// in-flight responses first, timers second, shared state last. Unfinished
// chunk assemblies and unresolved staged files are deleted.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	httpServer := s.httpServer
	expire := s.expire
	cancel := s.cancel
	s.mu.Unlock()

	if httpServer != nil {
		_ = httpServer.Close()
	}
	if expire != nil {
		expire.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if s.gate != nil {
		s.gate.Close()
	}

	s.assemblies.Range(func(key, value any) bool {
		value.(*assembly).abort()
		s.assemblies.Delete(key)
		return true
	})
	s.staging.Dispose()

	logging.Allowlist(s.logger, map[string]string{"event": "receive_session_stopped"})
}

// uploadAllowed applies the confirmation gate to ingestion endpoints when
// upload gating is enabled. The browser form itself is always served, like
// the download side's landing page.
func (s *Server) uploadAllowed(r *http.Request) bool {
	if !s.cfg.GateUploads || s.gate == nil {
		return true
	}
	return s.gate.IsAllowed(web.ClientIP(r))
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	if s.cfg.GateUploads && s.gate != nil {
		identity := r.URL.Query().Get("device")
		if identity == "" {
			identity = r.UserAgent()
		}
		s.gate.RequestAccess(web.ClientIP(r), identity)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, uploadPage)
}

type uploadedFile struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	TempPath string `json:"temp_path"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadAllowed(r) {
		web.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "not_confirmed"})
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "not_multipart"})
		return
	}
	boundary := params["boundary"]

	buffer, err := os.CreateTemp(s.staging.TempDir(), "upload-*.body")
	if err != nil {
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "buffer_failed"})
		return
	}
	bufferPath := buffer.Name()
	// The buffered request body never outlives the request, whatever
	// happens in between.
	defer os.Remove(bufferPath)

	total, err := copyCapped(buffer, r.Body, s.cfg.MaxUploadBytes)
	closeErr := buffer.Close()
	if err == errTooLarge {
		web.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload_too_large"})
		return
	}
	if err != nil || closeErr != nil {
		logging.Allowlist(s.logger, map[string]string{
			"event": "upload_buffer_error",
			"error": fmt.Sprint(err, closeErr),
		})
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "buffer_failed"})
		return
	}

	// Second pass: read the buffered body back and split it. Peak memory
	// is bounded to one request body instead of the connection lifetime.
	body, err := os.ReadFile(bufferPath)
	if err != nil {
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "buffer_failed"})
		return
	}

	parts := multipart.Parse(body, boundary)
	accepted := make([]uploadedFile, 0, len(parts))
	for _, part := range parts {
		if int64(len(part.Body)) > s.cfg.MaxFileBytes {
			logging.Allowlist(s.logger, map[string]string{
				"event": "upload_part_too_large",
				"file":  part.Filename,
				"bytes": strconv.Itoa(len(part.Body)),
			})
			continue
		}
		staged, err := s.stageBytes(part.Filename, part.Body)
		if err != nil {
			logging.Allowlist(s.logger, map[string]string{
				"event": "upload_stage_error",
				"file":  part.Filename,
				"error": err.Error(),
			})
			continue
		}
		accepted = append(accepted, uploadedFile{Name: staged.Name, Size: staged.Size, TempPath: staged.TempPath})
	}

	logging.Allowlist(s.logger, map[string]string{
		"event":  "upload_received",
		"source": web.ClientIP(r),
		"count":  strconv.Itoa(len(accepted)),
		"bytes":  strconv.FormatInt(total, 10),
	})
	web.WriteJSON(w, http.StatusOK, map[string]any{"count": len(accepted), "files": accepted})
}

// stageBytes writes a payload under a collision-resistant temp name and
// hands it to the staging store.
func (s *Server) stageBytes(filename string, payload []byte) (domain.StagedFile, error) {
	name := sanitizeName(filename)
	if name == "" {
		return domain.StagedFile{}, fmt.Errorf("unusable filename %q", filename)
	}
	tempPath := filepath.Join(s.staging.TempDir(), tempName(s.clock.Now(), name))
	if err := os.WriteFile(tempPath, payload, 0600); err != nil {
		return domain.StagedFile{}, err
	}
	staged, err := s.staging.Stage(name, tempPath, int64(len(payload)))
	if err != nil {
		_ = os.Remove(tempPath)
		return domain.StagedFile{}, err
	}
	if s.counters != nil {
		s.counters.IncUploadsStaged()
		s.counters.AddUploadBytes(staged.Size)
	}
	return staged, nil
}

// sanitizeName strips any directory components from a client-supplied
// filename.
func sanitizeName(filename string) string {
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return ""
	}
	return name
}

func tempName(now time.Time, name string) string {
	return fmt.Sprintf("%d_%s_%s", now.UnixMilli(), uuid.NewString()[:8], name)
}

var errTooLarge = fmt.Errorf("body exceeds cap")

// copyCapped streams src to dst in bounded chunks, failing as soon as the
// running total passes cap.
func copyCapped(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > limit {
				return total, errTooLarge
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

type initiateRequest struct {
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Encrypted   bool   `json:"encrypted"`
	KeyB64      string `json:"key_b64,omitempty"`
}

type initiateResponse struct {
	TransferID string `json:"transfer_id"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if !s.uploadAllowed(r) {
		web.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "not_confirmed"})
		return
	}

	var req initiateRequest
	if err := web.DecodeJSON(w, r, &req, 8<<10); err != nil {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	name := sanitizeName(req.FileName)
	if name == "" || req.FileSize <= 0 || req.ChunkSize <= 0 || req.TotalChunks <= 0 {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if req.FileSize > s.cfg.MaxFileBytes {
		web.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file_too_large"})
		return
	}
	expected := int((req.FileSize + req.ChunkSize - 1) / req.ChunkSize)
	if expected != req.TotalChunks {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "chunk_count_mismatch"})
		return
	}

	var cipher *transfer.Cipher
	if req.Encrypted {
		key, err := s.chunkKey(req.KeyB64)
		if err != nil {
			web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_key"})
			return
		}
		cipher, err = transfer.NewCipher(key)
		if err != nil {
			web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_key"})
			return
		}
	}

	asm, err := newAssembly(s.staging.TempDir(), name, req.FileSize, req.ChunkSize, req.TotalChunks, cipher, s.clock.Now())
	if err != nil {
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "assembly_failed"})
		return
	}
	s.assemblies.Store(asm.id, asm)

	web.WriteJSON(w, http.StatusOK, initiateResponse{TransferID: asm.id})
}

// chunkKey resolves the chunk decryption key: the client either ships a
// locally generated key in the initiate call, or both ends derive it from
// the out-of-band shared secret.
func (s *Server) chunkKey(keyB64 string) ([]byte, error) {
	if keyB64 != "" {
		return base64.StdEncoding.DecodeString(keyB64)
	}
	return transfer.DeriveKey(s.cfg.SharedSecret)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if !s.uploadAllowed(r) {
		web.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "not_confirmed"})
		return
	}

	transferID := r.Header.Get("X-Transfer-Id")
	index, err := strconv.Atoi(r.Header.Get("X-Chunk-Index"))
	if transferID == "" || err != nil || index < 0 {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_chunk_header"})
		return
	}
	originalSize, err := strconv.ParseInt(r.Header.Get("X-Chunk-Size"), 10, 64)
	if err != nil || originalSize <= 0 {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_chunk_header"})
		return
	}
	encrypted := r.Header.Get("X-Chunk-Encrypted") == "1"

	value, ok := s.assemblies.Load(transferID)
	if !ok {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_transfer"})
		return
	}
	asm := value.(*assembly)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, asm.chunkSize+transfer.NonceSize+64))
	if err != nil {
		web.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "chunk_too_large"})
		return
	}

	received, err := asm.writeChunk(index, originalSize, encrypted, payload)
	if err != nil {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	web.WriteJSON(w, http.StatusOK, map[string]any{"received": received, "total": asm.totalChunks})
}

type completeRequest struct {
	TransferID string            `json:"transfer_id"`
	Hash       transfer.FileHash `json:"hash"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if !s.uploadAllowed(r) {
		web.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "not_confirmed"})
		return
	}

	var req completeRequest
	if err := web.DecodeJSON(w, r, &req, 8<<10); err != nil || req.TransferID == "" {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	value, ok := s.assemblies.Load(req.TransferID)
	if !ok {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_transfer"})
		return
	}
	asm := value.(*assembly)

	path, err := asm.finish()
	if err != nil {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	computed, err := transfer.HashFileWith(path, req.Hash.Algo)
	if err != nil || computed.Value != req.Hash.Value {
		asm.abort()
		s.assemblies.Delete(req.TransferID)
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "hash_mismatch"})
		return
	}

	staged, err := s.staging.Stage(asm.name, path, asm.size)
	if err != nil {
		asm.abort()
		s.assemblies.Delete(req.TransferID)
		web.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "stage_failed"})
		return
	}
	if s.counters != nil {
		s.counters.IncUploadsStaged()
		s.counters.AddUploadBytes(staged.Size)
	}
	s.assemblies.Delete(req.TransferID)

	logging.Allowlist(s.logger, map[string]string{
		"event":  "chunked_upload_complete",
		"source": web.ClientIP(r),
		"file":   staged.Name,
		"bytes":  strconv.FormatInt(staged.Size, 10),
	})
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"file": uploadedFile{Name: staged.Name, Size: staged.Size, TempPath: staged.TempPath},
	})
}
