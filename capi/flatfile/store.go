// Package flatfile is the content-addressed artifact store. Blobs are named
// by their hex SHA-256 and live in a local directory, mirrored to a remote
// object container shared with the workers.
package flatfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"code.cloudfoundry.org/lager/v3"
)

var ErrNotFound = errors.New("artifact not found")

var shaRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Remote is an object container holding the same sha-named blobs. The azure
// implementation lives in azure.go; tests substitute an in-memory one.
type Remote interface {
	Container() string
	Upload(ctx context.Context, name string, content []byte) error
	Download(ctx context.Context, name string) ([]byte, error)
	SignedURL(expiry time.Duration) (string, error)
}

type Store struct {
	logger  lager.Logger
	dir     string
	tempDir string
	remote  Remote
}

// New creates the store rooted at dir. remote may be nil for local-only
// operation; remote calls then fail with ErrNoRemote.
func New(logger lager.Logger, dir, tempDir string, remote Remote) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, "output"), tempDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	return &Store{
		logger:  logger.Session("flatfile"),
		dir:     dir,
		tempDir: tempDir,
		remote:  remote,
	}, nil
}

var ErrNoRemote = errors.New("no remote backing configured")

// WithRemote returns a store bound to a different container, sharing the
// local directory. The API uses this to target per-team containers.
func (s *Store) WithRemote(remote Remote) *Store {
	clone := *s
	clone.remote = remote
	return &clone
}

func (s *Store) Remote() Remote {
	return s.remote
}

func Sum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(sha string) string {
	return filepath.Join(s.dir, sha)
}

// Put stores content locally and returns its sha. Re-storing existing
// content is a no-op.
func (s *Store) Put(content []byte) (string, error) {
	sha := Sum(content)
	if _, err := os.Stat(s.path(sha)); err == nil {
		return sha, nil
	}

	if err := s.writeAtomic(s.path(sha), content); err != nil {
		return "", fmt.Errorf("storing artifact: %w", err)
	}
	return sha, nil
}

// PutRemote stores content in both backings.
func (s *Store) PutRemote(ctx context.Context, content []byte) (string, error) {
	if s.remote == nil {
		return "", ErrNoRemote
	}

	sha, err := s.Put(content)
	if err != nil {
		return "", err
	}

	if err := s.remote.Upload(ctx, sha, content); err != nil {
		return "", fmt.Errorf("uploading artifact: %w", err)
	}
	return sha, nil
}

// Get returns the blob from the local backing.
func (s *Store) Get(sha string) ([]byte, error) {
	if !shaRe.MatchString(sha) {
		return nil, fmt.Errorf("%w: bad key %q", ErrNotFound, sha)
	}

	content, err := os.ReadFile(s.path(sha))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sha)
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return content, nil
}

// GetRemote fetches the blob from the remote backing, caching it locally.
func (s *Store) GetRemote(ctx context.Context, sha string) ([]byte, error) {
	if s.remote == nil {
		return nil, ErrNoRemote
	}
	if !shaRe.MatchString(sha) {
		return nil, fmt.Errorf("%w: bad key %q", ErrNotFound, sha)
	}

	content, err := s.remote.Download(ctx, sha)
	if err != nil {
		return nil, fmt.Errorf("downloading artifact %s: %w", sha, err)
	}

	if _, err := s.Put(content); err != nil {
		return nil, err
	}
	return content, nil
}

// Export materializes a stored blob at dest. The workspace uses this to
// place PoV blobs and patch files inside a job's working copy.
func (s *Store) Export(sha, dest string) error {
	content, err := s.Get(sha)
	if err != nil {
		return err
	}
	return s.writeAtomic(dest, content)
}

// ExportRemote is Export reading through the remote backing.
func (s *Store) ExportRemote(ctx context.Context, sha, dest string) error {
	content, err := s.GetRemote(ctx, sha)
	if err != nil {
		return err
	}
	return s.writeAtomic(dest, content)
}

// Import stores the contents of an existing file and returns its sha.
func (s *Store) Import(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return s.Put(content)
}

// SaveOutput writes a pulled archive under <dir>/output/<filename>,
// disambiguating name collisions with _copy1, _copy2, ... suffixes.
// Returns the path actually written.
func (s *Store) SaveOutput(filename string, content []byte) (string, error) {
	base := filepath.Base(filename)
	dest := filepath.Join(s.dir, "output", base)

	ext := ""
	stem := base
	for {
		e := filepath.Ext(stem)
		if e == "" {
			break
		}
		ext = e + ext
		stem = stem[:len(stem)-len(e)]
	}

	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		dest = filepath.Join(s.dir, "output", fmt.Sprintf("%s_copy%d%s", stem, i, ext))
	}

	if err := s.writeAtomic(dest, content); err != nil {
		return "", fmt.Errorf("saving output %s: %w", base, err)
	}

	s.logger.Info("saved-output", lager.Data{"path": dest})
	return dest, nil
}

// SignedURL mints a delegated-access URL for the remote container, capped
// at two hours.
func (s *Store) SignedURL(expiry time.Duration) (string, error) {
	if s.remote == nil {
		return "", ErrNoRemote
	}
	return s.remote.SignedURL(expiry)
}

func (s *Store) writeAtomic(dest string, content []byte) error {
	tmp, err := os.CreateTemp(s.tempDir, "flatfile-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("placing %s: %w", dest, err)
	}
	return nil
}
