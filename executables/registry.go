// Package executables stores uploaded server binaries and indexes them by
// the commit they were built from.
package executables

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/tomyedwab/etes/internal/apperr"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Executable is an uploaded binary. ContentHash is the commit the binary
// was built from and identifies it; TriggerHash is the commit whose CI run
// produced the upload (equal to ContentHash unless a merge commit was built).
type Executable struct {
	ContentHash string `db:"content_hash" json:"hash"`
	TriggerHash string `db:"trigger_hash" json:"triggerHash"`
	StoragePath string `db:"storage_path" json:"-"`
	Digest      string `db:"digest" json:"digest"`
	Size        int64  `db:"size" json:"size"`
	CreatedAt   int64  `db:"created_at" json:"createdAt"`
}

// ValidHash reports whether h is a full lowercase hex commit hash.
func ValidHash(h string) bool {
	return hashPattern.MatchString(h)
}

// NormalizeHash lower-cases h and validates it.
func NormalizeHash(h string) (string, error) {
	h = strings.ToLower(h)
	if !ValidHash(h) {
		return "", fmt.Errorf("%w: %q is not a 40 character commit hash", apperr.ErrInvalid, h)
	}
	return h, nil
}

// FileName is the on-disk name of a binary.
func FileName(contentHash, triggerHash string) string {
	if contentHash == triggerHash {
		return contentHash + ".bin"
	}
	return triggerHash + "_" + contentHash + ".bin"
}

// Registry is the set of uploaded executables. Binaries live in dir; the
// index lives in SQLite and is mirrored in memory for lookups.
type Registry struct {
	mu        sync.RWMutex
	db        *sqlx.DB
	dir       string
	keyDigest [sha256.Size]byte
	hasKey    bool
	byHash    map[string]Executable
	logger    *slog.Logger
}

// NewRegistry opens the registry in dir, creating it if needed, and
// reconciles the index with the files present on disk.
func NewRegistry(db *sqlx.DB, dir string, uploadKey string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ExecutableDBInit(db); err != nil {
		return nil, fmt.Errorf("initializing executable index: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", apperr.ErrIO, dir, err)
	}
	r := &Registry{
		db:        db,
		dir:       dir,
		keyDigest: sha256.Sum256([]byte(uploadKey)),
		hasKey:    uploadKey != "",
		byHash:    make(map[string]Executable),
		logger:    logger.With("component", "executables"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	rows, err := ExecutableDBList(r.db)
	if err != nil {
		return fmt.Errorf("loading executable index: %w", err)
	}
	for _, exe := range rows {
		if _, err := os.Stat(exe.StoragePath); err != nil {
			r.logger.Warn("Dropping index entry with missing file", "hash", exe.ContentHash, "path", exe.StoragePath)
			if err := ExecutableDBDelete(r.db, exe.ContentHash); err != nil {
				return fmt.Errorf("pruning executable index: %w", err)
			}
			continue
		}
		r.byHash[exe.ContentHash] = exe
	}

	// Adopt binaries placed in the directory by hand or by an older layout.
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.bin"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		contentHash, triggerHash, ok := parseFileName(filepath.Base(path))
		if !ok {
			continue
		}
		if _, known := r.byHash[contentHash]; known {
			continue
		}
		exe, err := adoptFile(path, contentHash, triggerHash)
		if err != nil {
			r.logger.Warn("Failed to adopt executable", "path", path, "error", err)
			continue
		}
		if err := ExecutableDBInsert(r.db, &exe); err != nil {
			return fmt.Errorf("indexing %s: %w", path, err)
		}
		r.byHash[contentHash] = exe
		r.logger.Info("Adopted executable from disk", "hash", contentHash, "trigger", triggerHash)
	}
	r.logger.Info("Executable registry loaded", "count", len(r.byHash), "dir", r.dir)
	return nil
}

func parseFileName(name string) (contentHash, triggerHash string, ok bool) {
	base := strings.TrimSuffix(name, ".bin")
	parts := strings.Split(base, "_")
	switch len(parts) {
	case 1:
		contentHash, triggerHash = parts[0], parts[0]
	case 2:
		triggerHash, contentHash = parts[0], parts[1]
	default:
		return "", "", false
	}
	return contentHash, triggerHash, ValidHash(contentHash) && ValidHash(triggerHash)
}

func adoptFile(path, contentHash, triggerHash string) (Executable, error) {
	f, err := os.Open(path)
	if err != nil {
		return Executable{}, err
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Executable{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Executable{}, err
	}
	return Executable{
		ContentHash: contentHash,
		TriggerHash: triggerHash,
		StoragePath: path,
		Digest:      hex.EncodeToString(h.Sum(nil)),
		Size:        n,
		CreatedAt:   info.ModTime().Unix(),
	}, nil
}

// CheckCredential compares the presented upload key against the configured
// one in constant time. Both sides are hashed first so neither the length
// nor a matching prefix changes the comparison time.
func (r *Registry) CheckCredential(credential string) error {
	presented := sha256.Sum256([]byte(credential))
	match := subtle.ConstantTimeCompare(presented[:], r.keyDigest[:]) == 1
	if !match || !r.hasKey {
		return fmt.Errorf("%w: invalid upload credential", apperr.ErrAuthFailed)
	}
	return nil
}

// Register stores body as the executable for contentHash. The binary is
// fully written and synced before the entry becomes visible to Lookup.
func (r *Registry) Register(ctx context.Context, credential, contentHash, triggerHash string, body io.Reader) (Executable, error) {
	if err := r.CheckCredential(credential); err != nil {
		return Executable{}, err
	}
	contentHash, err := NormalizeHash(contentHash)
	if err != nil {
		return Executable{}, err
	}
	triggerHash, err = NormalizeHash(triggerHash)
	if err != nil {
		return Executable{}, err
	}
	if _, exists := r.Lookup(contentHash); exists {
		return Executable{}, fmt.Errorf("%w: executable %s already exists", apperr.ErrConflict, contentHash)
	}

	tmp, err := os.CreateTemp(r.dir, ".upload-*")
	if err != nil {
		return Executable{}, fmt.Errorf("%w: creating temp file: %v", apperr.ErrIO, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	h := blake3.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		tmp.Close()
		if errors.Is(err, apperr.ErrInvalid) {
			return Executable{}, fmt.Errorf("writing executable: %w", err)
		}
		return Executable{}, fmt.Errorf("%w: writing executable: %v", apperr.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Executable{}, fmt.Errorf("%w: syncing executable: %v", apperr.ErrIO, err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return Executable{}, fmt.Errorf("%w: chmod executable: %v", apperr.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return Executable{}, fmt.Errorf("%w: closing executable: %v", apperr.ErrIO, err)
	}
	if err := ctx.Err(); err != nil {
		return Executable{}, err
	}

	exe := Executable{
		ContentHash: contentHash,
		TriggerHash: triggerHash,
		StoragePath: filepath.Join(r.dir, FileName(contentHash, triggerHash)),
		Digest:      hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		CreatedAt:   time.Now().UTC().Unix(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byHash[contentHash]; exists {
		return Executable{}, fmt.Errorf("%w: executable %s already exists", apperr.ErrConflict, contentHash)
	}
	if err := os.Rename(tmpPath, exe.StoragePath); err != nil {
		return Executable{}, fmt.Errorf("%w: storing executable: %v", apperr.ErrIO, err)
	}
	committed = true
	if err := ExecutableDBInsert(r.db, &exe); err != nil {
		os.Remove(exe.StoragePath)
		return Executable{}, fmt.Errorf("%w: indexing executable: %v", apperr.ErrIO, err)
	}
	r.byHash[contentHash] = exe

	r.logger.Info("Registered executable",
		"hash", contentHash,
		"trigger", triggerHash,
		"size", size,
		"digest", exe.Digest)
	return exe, nil
}

// Lookup returns the executable built from contentHash.
func (r *Registry) Lookup(contentHash string) (Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exe, ok := r.byHash[strings.ToLower(contentHash)]
	return exe, ok
}

// LookupByCommit finds the executable whose content or trigger hash is
// commit, preferring a content hash match.
func (r *Registry) LookupByCommit(commit string) (Executable, bool) {
	commit = strings.ToLower(commit)
	if exe, ok := r.Lookup(commit); ok {
		return exe, true
	}
	for _, exe := range r.List() {
		if exe.TriggerHash == commit {
			return exe, true
		}
	}
	return Executable{}, false
}

// ListByTrigger returns every executable produced for triggerHash.
func (r *Registry) ListByTrigger(triggerHash string) []Executable {
	triggerHash = strings.ToLower(triggerHash)
	var out []Executable
	for _, exe := range r.List() {
		if exe.TriggerHash == triggerHash {
			out = append(out, exe)
		}
	}
	return out
}

// List returns all executables, newest first.
func (r *Registry) List() []Executable {
	r.mu.RLock()
	out := make([]Executable, 0, len(r.byHash))
	for _, exe := range r.byHash {
		out = append(out, exe)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ContentHash < out[j].ContentHash
	})
	return out
}

// LimitBody fails reads with ErrInvalid once more than max bytes have been
// read from r. A non-positive max disables the limit.
func LimitBody(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return &limitedBody{r: r, remaining: max, max: max}
}

type limitedBody struct {
	r         io.Reader
	remaining int64
	max       int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, fmt.Errorf("%w: upload exceeds %d bytes", apperr.ErrInvalid, l.max)
	}
	// Read one byte past the limit so an exact-size body still reaches EOF.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n + int(l.remaining), fmt.Errorf("%w: upload exceeds %d bytes", apperr.ErrInvalid, l.max)
	}
	return n, err
}

// DecodeBody wraps an upload body according to its Content-Encoding.
// Only identity and zstd are accepted.
func DecodeBody(body io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd body: %v", apperr.ErrInvalid, err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %q", apperr.ErrInvalid, contentEncoding)
	}
}
