// Package transfer holds the chunked-upload wire primitives shared by the
// receive server and the upload client: chunk geometry, file hashing, and
// per-chunk encryption.
package transfer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	DefaultChunkSize = 1 << 20

	// Files at or above this size get the cheap partial hash instead of a
	// full-content digest.
	fullHashLimit = 1 << 30

	// Bytes sampled from each end of the file for the partial hash.
	sampleSize = 1 << 20
)

const (
	HashAlgoSHA256  = "sha256"
	HashAlgoPartial = "partial-sha256"
)

// ChunkDescriptor locates one chunk within the source file. Descriptors
// are computed once from the committed chunk size and never change.
type ChunkDescriptor struct {
	Index  int
	Offset int64
	Length int64
}

// DescribeChunks splits totalSize into fixed-size chunks; the last one
// carries the remainder.
func DescribeChunks(totalSize, chunkSize int64) []ChunkDescriptor {
	if totalSize <= 0 || chunkSize <= 0 {
		return nil
	}
	count := int((totalSize + chunkSize - 1) / chunkSize)
	descriptors := make([]ChunkDescriptor, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > totalSize {
			length = totalSize - offset
		}
		descriptors = append(descriptors, ChunkDescriptor{Index: i, Offset: offset, Length: length})
	}
	return descriptors
}

// FileHash is a content fingerprint tagged with how it was computed, so a
// verifier can tell a partial hash from a full one.
type FileHash struct {
	Algo  string `json:"algo"`
	Value string `json:"value"`
}

// HashFile fingerprints a file: a streaming SHA-256 of the whole content
// for files under 1 GiB, and for larger files a digest of the first and
// last sample plus the size, tagged distinctly.
func HashFile(path string) (FileHash, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileHash{}, err
	}
	if info.Size() < fullHashLimit {
		return HashFileWith(path, HashAlgoSHA256)
	}
	return HashFileWith(path, HashAlgoPartial)
}

// HashFileWith computes a fingerprint with a caller-chosen algorithm, used
// by the server to recompute whatever the client declared.
func HashFileWith(path, algo string) (FileHash, error) {
	switch algo {
	case HashAlgoSHA256:
		return fullHash(path)
	case HashAlgoPartial:
		return partialHash(path)
	default:
		return FileHash{}, fmt.Errorf("unknown hash algorithm %q", algo)
	}
}

func fullHash(path string) (FileHash, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileHash{}, err
	}
	defer file.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return FileHash{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return FileHash{Algo: HashAlgoSHA256, Value: hex.EncodeToString(digest.Sum(nil))}, nil
}

func partialHash(path string) (FileHash, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileHash{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return FileHash{}, err
	}
	size := info.Size()

	head := sampleSize
	if int64(head) > size {
		head = int(size)
	}
	digest := sha256.New()
	if _, err := io.CopyN(digest, file, int64(head)); err != nil && err != io.EOF {
		return FileHash{}, fmt.Errorf("hash head of %s: %w", path, err)
	}

	if size > int64(sampleSize) {
		tailStart := size - sampleSize
		if tailStart < int64(head) {
			tailStart = int64(head)
		}
		if _, err := file.Seek(tailStart, io.SeekStart); err != nil {
			return FileHash{}, err
		}
		if _, err := io.Copy(digest, file); err != nil {
			return FileHash{}, fmt.Errorf("hash tail of %s: %w", path, err)
		}
	}

	var sizeBytes [8]byte
	binary.BigEndian.PutUint64(sizeBytes[:], uint64(size))
	digest.Write(sizeBytes[:])

	return FileHash{Algo: HashAlgoPartial, Value: hex.EncodeToString(digest.Sum(nil))}, nil
}
