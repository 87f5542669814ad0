// Package share implements the download-side server: it publishes a file
// catalog on the LAN and streams shared files, whole or ranged, to any
// browser the operator has confirmed.
package share

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"syndro/internal/clock"
	"syndro/internal/config"
	"syndro/internal/gate"
	"syndro/internal/logging"
	"syndro/internal/metrics"
	"syndro/internal/netinfo"
	"syndro/internal/ratelimit"
	"syndro/internal/web"
)

// streamChunkSize bounds each positioned read while serving a byte range.
const streamChunkSize = 256 << 10

type DownloadEventType string

const (
	DownloadStarted   DownloadEventType = "started"
	DownloadCompleted DownloadEventType = "completed"
)

type DownloadEvent struct {
	Type   DownloadEventType
	Source string
	File   string
	Index  int
	Bytes  int64
	At     time.Time
}

type Dependencies struct {
	Config   config.Config
	Catalog  *Catalog
	Gate     *gate.Gate
	Limiter  *ratelimit.Limiter
	Counters *metrics.Counters
	Logger   *log.Logger
	Clock    clock.Clock
}

// Server owns one sharing session: the catalog snapshot, the confirmation
// gate, the bound listener, and the session timers. A new share means a
// new Server; nothing survives Stop.
type Server struct {
	cfg      config.Config
	catalog  *Catalog
	gate     *gate.Gate
	limiter  *ratelimit.Limiter
	counters *metrics.Counters
	logger   *log.Logger
	clock    clock.Clock

	Router http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	url        string
	port       int
	expire     *time.Timer
	cancel     context.CancelFunc
	stopped    bool
	downloads  chan DownloadEvent
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
	g := deps.Gate
	if g == nil {
		g = gate.New(gate.Options{
			RequireConfirmation: deps.Config.RequireConfirmation,
			PendingTimeout:      deps.Config.PendingTimeout,
			SessionTTL:          deps.Config.SessionTTL,
			MaxActive:           deps.Config.MaxActiveConnections,
			SweepInterval:       deps.Config.SweepInterval,
			Clock:               clk,
			Limiter:             limiter,
			Counters:            deps.Counters,
			Logger:              logSink,
		})
	}

	server := &Server{
		cfg:       deps.Config,
		catalog:   deps.Catalog,
		gate:      g,
		limiter:   limiter,
		counters:  deps.Counters,
		logger:    logSink,
		clock:     clk,
		downloads: make(chan DownloadEvent, 64),
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

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/api/files", s.handleFiles)
	r.Get("/thumbnail/{index}", s.handleThumbnail)
	r.Get("/download/{index}/{name}", s.handleDownload)

	return r
}

func (s *Server) countRateLimited() {
	if s.counters != nil {
		s.counters.IncRateLimited()
	}
}

// Gate exposes the confirmation gate so the operator surface can resolve
// prompts and watch connection events.
func (s *Server) Gate() *gate.Gate {
	return s.gate
}

// Downloads delivers download started/completed events.
func (s *Server) Downloads() <-chan DownloadEvent {
	return s.downloads
}

// URL is the reachable address published for this session, valid after
// Start.
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

// Start binds the first free port at or above the configured one, starts
// the gate sweep, arms the session-expiration timer, and begins serving.
// It returns the published URL.
func (s *Server) Start(ctx context.Context) (string, error) {
	listener, port, err := web.ProbeListen(s.cfg.SharePort, s.cfg.PortProbeLimit)
	if err != nil {
		return "", fmt.Errorf("bind share server: %w", err)
	}

	host, err := netinfo.LocalIP()
	if err != nil {
		host = "127.0.0.1"
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.gate.Start(sweepCtx)

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
				"event": "share_server_error",
				"error": err.Error(),
			})
		}
	}()

	logging.Allowlist(s.logger, map[string]string{
		"event": "share_session_started",
		"port":  strconv.Itoa(port),
		"url":   publishedURL,
		"count": strconv.Itoa(s.catalog.Len()),
	})
	return publishedURL, nil
}

// Stop tears the session down: close the listener and force-close in-flight
// responses first, then cancel the timers, then release shared state. Safe
// to call more than once; the expiration timer calls it too.
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
	s.gate.Close()

	logging.Allowlist(s.logger, map[string]string{"event": "share_session_stopped"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("device"))
	if identity == "" {
		identity = r.UserAgent()
	}
	// First contact: surface the peer to the operator. The landing page
	// itself is always served.
	s.gate.RequestAccess(web.ClientIP(r), identity)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, landingPage)
}

type fileEntry struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	SizeHuman    string `json:"size_human"`
	Type         string `json:"type"`
	MIME         string `json:"mime"`
	DownloadURL  string `json:"download_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.Entries()
	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		item := fileEntry{
			Index:       entry.Index,
			Name:        entry.Name,
			Size:        entry.Size,
			SizeHuman:   HumanSize(entry.Size),
			Type:        entry.Kind,
			MIME:        MIMEType(entry.Name),
			DownloadURL: fmt.Sprintf("/download/%d/%s", entry.Index, url.PathEscape(entry.Name)),
		}
		if entry.Kind == "image" {
			item.ThumbnailURL = fmt.Sprintf("/thumbnail/%d", entry.Index)
		}
		files = append(files, item)
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_file"})
		return
	}
	entry, ok := s.catalog.Get(index)
	if !ok {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_file"})
		return
	}
	if entry.Kind != "image" {
		web.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "not_an_image"})
		return
	}

	file, err := os.Open(entry.Path)
	if err != nil {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_file"})
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", MIMEType(entry.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	source := web.ClientIP(r)
	if !s.gate.IsAllowed(source) {
		web.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "not_confirmed"})
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_file"})
		return
	}
	entry, ok := s.catalog.Get(index)
	if !ok {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_file"})
		return
	}

	file, err := os.Open(entry.Path)
	if err != nil {
		web.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_file"})
		return
	}
	defer file.Close()

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, valid, malformed := parseRange(rangeHeader, entry.Size)
		if !malformed {
			if !valid {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", entry.Size))
				web.WriteJSON(w, http.StatusRequestedRangeNotSatisfiable, map[string]string{"error": "unsatisfiable_range"})
				return
			}
			s.serveRange(w, r, entry, file, start, end)
			return
		}
		// Malformed Range syntax degrades to a whole-file response.
	}

	s.serveFull(w, r, entry, file, source)
}

func (s *Server) serveFull(w http.ResponseWriter, r *http.Request, entry Entry, file *os.File, source string) {
	setDownloadHeaders(w, entry)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.WriteHeader(http.StatusOK)

	s.emitDownload(DownloadEvent{
		Type: DownloadStarted, Source: source, File: entry.Name,
		Index: entry.Index, Bytes: entry.Size, At: s.clock.Now(),
	})
	if s.counters != nil {
		s.counters.IncDownloadsStarted()
	}

	if _, err := io.Copy(w, file); err != nil {
		// Mid-stream socket or disk failure: the response is already
		// underway, just log and let this request die alone.
		logging.Allowlist(s.logger, map[string]string{
			"event":  "download_stream_error",
			"file":   entry.Name,
			"source": source,
			"error":  err.Error(),
		})
		return
	}

	s.emitDownload(DownloadEvent{
		Type: DownloadCompleted, Source: source, File: entry.Name,
		Index: entry.Index, Bytes: entry.Size, At: s.clock.Now(),
	})
	if s.counters != nil {
		s.counters.IncDownloadsCompleted()
	}
}

func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, entry Entry, file *os.File, start, end int64) {
	length := end - start + 1
	setDownloadHeaders(w, entry)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, entry.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	buf := make([]byte, streamChunkSize)
	offset := start
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := file.ReadAt(buf[:n], offset)
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				return
			}
			offset += int64(read)
			remaining -= int64(read)
		}
		if err != nil {
			if err != io.EOF {
				logging.Allowlist(s.logger, map[string]string{
					"event": "download_range_error",
					"file":  entry.Name,
					"error": err.Error(),
				})
			}
			return
		}
	}
}

func (s *Server) emitDownload(event DownloadEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.downloads <- event:
	default:
	}
}

func setDownloadHeaders(w http.ResponseWriter, entry Entry) {
	w.Header().Set("Content-Type", MIMEType(entry.Name))
	w.Header().Set("Content-Disposition", contentDisposition(entry.Name))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
}

// contentDisposition renders an attachment header with an ASCII fallback
// name plus the RFC 5987 UTF-8 form for non-ASCII filenames.
func contentDisposition(name string) string {
	ascii := make([]byte, 0, len(name))
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			ascii = append(ascii, '_')
			continue
		}
		ascii = append(ascii, byte(r))
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, ascii, url.PathEscape(name))
}

// parseRange interprets a "bytes=start-end" header against the file size.
// valid=false means 416; malformed=true means unparseable syntax, which
// callers treat as no Range at all.
func parseRange(header string, size int64) (start, end int64, valid, malformed bool) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false, true
	}
	startRaw, endRaw, ok := strings.Cut(spec, "-")
	if !ok || startRaw == "" {
		return 0, 0, false, true
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startRaw), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, true
	}
	end = size - 1
	if trimmed := strings.TrimSpace(endRaw); trimmed != "" {
		end, err = strconv.ParseInt(trimmed, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, false, true
		}
	}
	if start >= size || start > end {
		return 0, 0, false, false
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, true, false
}
