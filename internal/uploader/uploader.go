// Package uploader drives a chunk-parallel upload against a receive
// server's /transfer/parallel endpoints. The file is split into fixed
// chunks, fingerprinted up front, optionally encrypted chunk by chunk, and
// pushed by a small worker pool.
package uploader

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"syndro/internal/transfer"
)

type Config struct {
	// BaseURL of the receive server, e.g. http://192.168.1.20:8385.
	BaseURL string

	ChunkSize int64
	Workers   int

	// Encrypt chunks with AES-256-GCM. Key is used as-is when set;
	// otherwise SharedSecret is expanded into one; otherwise a random key
	// is generated and shipped in the initiate call.
	Encrypt      bool
	Key          []byte
	SharedSecret string

	HTTPClient *http.Client
}

type Client struct {
	cfg    Config
	http   *http.Client
	cipher *transfer.Cipher
	keyB64 string
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = transfer.DefaultChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	client := &Client{cfg: cfg, http: cfg.HTTPClient}
	if cfg.Encrypt {
		key := cfg.Key
		switch {
		case len(key) > 0:
			client.keyB64 = base64.StdEncoding.EncodeToString(key)
		case cfg.SharedSecret != "":
			derived, err := transfer.DeriveKey(cfg.SharedSecret)
			if err != nil {
				return nil, err
			}
			key = derived
			// Both ends derive the key; it never crosses the wire.
		default:
			generated, err := transfer.NewRandomKey()
			if err != nil {
				return nil, err
			}
			key = generated
			client.keyB64 = base64.StdEncoding.EncodeToString(key)
		}
		cipher, err := transfer.NewCipher(key)
		if err != nil {
			return nil, err
		}
		client.cipher = cipher
	}
	return client, nil
}

// Result reports one finished upload.
type Result struct {
	TransferID string
	Name       string
	Size       int64
	Chunks     int
	Hash       transfer.FileHash
}

// Upload pushes one file. The whole-file hash is computed before any chunk
// moves, the chunks are uploaded by the worker pool, and the completion
// call hands the hash to the server for verification.
func (c *Client) Upload(ctx context.Context, path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	size := info.Size()
	if size == 0 {
		return Result{}, fmt.Errorf("%s is empty", path)
	}

	hash, err := transfer.HashFile(path)
	if err != nil {
		return Result{}, err
	}

	descriptors := transfer.DescribeChunks(size, c.cfg.ChunkSize)
	transferID, err := c.initiate(ctx, filepath.Base(path), size, len(descriptors))
	if err != nil {
		return Result{}, err
	}

	if err := c.uploadChunks(ctx, path, transferID, descriptors); err != nil {
		return Result{}, err
	}

	if err := c.complete(ctx, transferID, hash); err != nil {
		return Result{}, err
	}

	return Result{
		TransferID: transferID,
		Name:       filepath.Base(path),
		Size:       size,
		Chunks:     len(descriptors),
		Hash:       hash,
	}, nil
}

func (c *Client) initiate(ctx context.Context, name string, size int64, totalChunks int) (string, error) {
	payload := map[string]any{
		"file_name":    name,
		"file_size":    size,
		"chunk_size":   c.cfg.ChunkSize,
		"total_chunks": totalChunks,
		"encrypted":    c.cipher != nil,
	}
	if c.keyB64 != "" {
		payload["key_b64"] = c.keyB64
	}

	var resp struct {
		TransferID string `json:"transfer_id"`
	}
	if err := c.postJSON(ctx, "/transfer/parallel/initiate", payload, &resp); err != nil {
		return "", err
	}
	if resp.TransferID == "" {
		return "", fmt.Errorf("initiate returned no transfer id")
	}
	return resp.TransferID, nil
}

// uploadChunks runs the worker pool: every worker pulls descriptors from
// one shared queue until it drains or a chunk fails.
func (c *Client) uploadChunks(ctx context.Context, path, transferID string, descriptors []transfer.ChunkDescriptor) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	queue := make(chan transfer.ChunkDescriptor, len(descriptors))
	for _, desc := range descriptors {
		queue <- desc
	}
	close(queue)

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for desc := range queue {
				if workCtx.Err() != nil {
					return
				}
				if err := c.sendChunk(workCtx, file, transferID, desc); err != nil {
					errs <- fmt.Errorf("chunk %d: %w", desc.Index, err)
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (c *Client) sendChunk(ctx context.Context, file *os.File, transferID string, desc transfer.ChunkDescriptor) error {
	buf := make([]byte, desc.Length)
	if _, err := file.ReadAt(buf, desc.Offset); err != nil && err != io.EOF {
		return err
	}

	payload := buf
	encrypted := "0"
	if c.cipher != nil {
		sealed, err := c.cipher.Seal(buf)
		if err != nil {
			return err
		}
		payload = sealed
		encrypted = "1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/transfer/chunk", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Transfer-Id", transferID)
	req.Header.Set("X-Chunk-Index", strconv.Itoa(desc.Index))
	req.Header.Set("X-Chunk-Size", strconv.FormatInt(desc.Length, 10))
	req.Header.Set("X-Chunk-Encrypted", encrypted)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) complete(ctx context.Context, transferID string, hash transfer.FileHash) error {
	payload := map[string]any{
		"transfer_id": transferID,
		"hash":        hash,
	}
	return c.postJSON(ctx, "/transfer/parallel/complete", payload, nil)
}

func (c *Client) postJSON(ctx context.Context, route string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+route, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func httpError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&payload)
	if payload.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
