// Package chunkStore is the file half of the content-addressed chunk store:
// xz-compressed blobs in sharded directories, named by the SHA1 of the
// compressed bytes. Reference counts live in the metadata index; this
// package only ever touches files.
package chunkStore

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

var (
	// ErrNotFound means no chunk file exists for the hash.
	ErrNotFound = errors.New("chunk not found")
	// ErrCorrupt means the stored bytes no longer hash to their name.
	ErrCorrupt = errors.New("chunk corrupt")
)

const dirName = "chunks"

type Store struct {
	root string
	log  *logrus.Logger
}

// WriteResult reports what Write did. Existed is true when the chunk was
// already present and no file was written.
type WriteResult struct {
	Hash    string
	Size    int64 // compressed bytes on disk
	RawSize int64
	Existed bool
}

// New prepares the chunk directory under baseDir.
func New(baseDir string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	root := filepath.Join(baseDir, dirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}
	return &Store{root: root, log: log}, nil
}

// Compress runs the payload through xz. The compressed form is what gets
// hashed and stored, so the same algorithm must be used on every path.
func Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("xz compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("xz close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("xz decompress: %w", err)
	}
	return raw, nil
}

// HashOf returns the hex SHA1 of the compressed bytes, which is the chunk's
// address.
func HashOf(compressed []byte) string {
	sum := sha1.Sum(compressed)
	return hex.EncodeToString(sum[:])
}

// Write compresses raw, hashes it and stores it if novel. Writes go to a
// temp file first and are renamed into place so readers never observe a
// partial chunk.
func (s *Store) Write(raw []byte) (WriteResult, error) {
	compressed, err := Compress(raw)
	if err != nil {
		return WriteResult{}, err
	}
	hash := HashOf(compressed)
	res := WriteResult{Hash: hash, Size: int64(len(compressed)), RawSize: int64(len(raw))}

	path, err := s.Path(hash)
	if err != nil {
		return WriteResult{}, err
	}
	if _, err := os.Stat(path); err == nil {
		res.Existed = true
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("create shard directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.root, ".write-*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("create temp chunk: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return WriteResult{}, fmt.Errorf("write temp chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return WriteResult{}, fmt.Errorf("close temp chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return WriteResult{}, fmt.Errorf("publish chunk: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"hash": hash,
		"size": res.Size,
	}).Debug("chunk written")
	return res, nil
}

// Read loads a chunk, re-verifies its address and decompresses it. A hash
// mismatch reports ErrCorrupt.
func (s *Store) Read(hash string) ([]byte, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read chunk %s: %w", hash, err)
	}
	if got := HashOf(compressed); got != hash {
		s.log.WithFields(logrus.Fields{
			"want": hash,
			"got":  got,
		}).Error("chunk failed hash verification")
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, hash)
	}
	return Decompress(compressed)
}

// Has reports whether a chunk file exists.
func (s *Store) Has(hash string) bool {
	path, err := s.Path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove unlinks a chunk file. Removing an absent chunk is not an error so
// garbage collection can be re-run after a partial pass.
func (s *Store) Remove(hash string) error {
	path, err := s.Path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove chunk %s: %w", hash, err)
	}
	return nil
}

// Walk calls fn for every stored chunk file with its on-disk (compressed)
// size. Temp files from in-flight writes are skipped.
func (s *Store) Walk(fn func(hash string, size int64) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if ValidateHash(name) != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(name, info.Size())
	})
}

// Path maps a hash to its sharded file location,
// chunks/<hash[0:2]>/<hash[2:4]>/<hash>. The hash is validated first so a
// malformed one can never escape the chunk root.
func (s *Store) Path(hash string) (string, error) {
	if err := ValidateHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash), nil
}

// ValidateHash checks for a 40 character lowercase hex string.
func ValidateHash(hash string) error {
	if len(hash) != 40 {
		return fmt.Errorf("malformed chunk hash %q", hash)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("malformed chunk hash %q", hash)
		}
	}
	return nil
}
