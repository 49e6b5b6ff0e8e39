// Package artifact owns completed clips from the moment a worker hands one
// over until deletion. A retrieval handle is valid for exactly one retrieval
// or until the TTL elapses, whichever comes first; either event destroys the
// underlying file and the handle permanently.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("artifact: not found")

const contentType = "video/mp4"

// Artifact is the metadata of a stored clip.
type Artifact struct {
	Handle      string
	JobID       string
	Size        int64
	ContentType string
	ExpiresAt   time.Time

	path string
}

type Manager struct {
	basePath string
	ttl      time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	index map[string]*Artifact

	now func() time.Time
}

func NewManager(basePath string, ttl time.Duration, logger zerolog.Logger) (*Manager, error) {
	if basePath == "" {
		return nil, errors.New("artifact: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure base path: %w", err)
	}
	return &Manager{
		basePath: basePath,
		ttl:      ttl,
		logger:   logger.With().Str("component", "artifact").Logger(),
		index:    make(map[string]*Artifact),
		now:      time.Now,
	}, nil
}

// Store takes ownership of the file at srcPath, moves it under the store root
// and returns the opaque single-use retrieval handle.
func (m *Manager) Store(ctx context.Context, jobID, srcPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("artifact: stat source: %w", err)
	}

	handle := uuid.NewString()
	dst := filepath.Join(m.basePath, handle+".mp4")
	if err := os.Rename(srcPath, dst); err != nil {
		// Rename fails across filesystems; fall back to copy.
		if err := copyFile(srcPath, dst); err != nil {
			return "", fmt.Errorf("artifact: store: %w", err)
		}
		_ = os.Remove(srcPath)
	}

	a := &Artifact{
		Handle:      handle,
		JobID:       jobID,
		Size:        info.Size(),
		ContentType: contentType,
		ExpiresAt:   m.now().Add(m.ttl),
		path:        dst,
	}

	m.mu.Lock()
	m.index[handle] = a
	m.mu.Unlock()

	m.logger.Info().
		Str("job_id", jobID).
		Str("handle", handle).
		Int64("size_bytes", a.Size).
		Time("expires_at", a.ExpiresAt).
		Msg("artifact stored")
	return handle, nil
}

// Retrieve consumes the handle and returns the artifact content. The handle
// is invalidated before a single byte is streamed, so it can never be
// replayed; closing the reader deletes the file.
func (m *Manager) Retrieve(handle string) (*Artifact, io.ReadCloser, error) {
	m.mu.Lock()
	a, ok := m.index[handle]
	if ok {
		delete(m.index, handle)
	}
	m.mu.Unlock()

	if !ok {
		return nil, nil, ErrNotFound
	}
	if m.now().After(a.ExpiresAt) {
		m.remove(a)
		return nil, nil, ErrNotFound
	}

	f, err := os.Open(a.path)
	if err != nil {
		m.remove(a)
		return nil, nil, ErrNotFound
	}
	m.logger.Info().Str("handle", handle).Str("job_id", a.JobID).Msg("artifact retrieved, handle consumed")
	return a, &consumedReader{File: f, path: a.path}, nil
}

// Expire invalidates a handle and deletes its file regardless of TTL.
func (m *Manager) Expire(handle string) {
	m.mu.Lock()
	a, ok := m.index[handle]
	if ok {
		delete(m.index, handle)
	}
	m.mu.Unlock()
	if ok {
		m.remove(a)
	}
}

// Sweep deletes every artifact past its TTL and returns how many it removed.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var expired []*Artifact
	for handle, a := range m.index {
		if now.After(a.ExpiresAt) {
			delete(m.index, handle)
			expired = append(expired, a)
		}
	}
	m.mu.Unlock()

	for _, a := range expired {
		m.remove(a)
		m.logger.Info().Str("handle", a.Handle).Str("job_id", a.JobID).Msg("artifact expired")
	}
	return len(expired)
}

// Run sweeps expired artifacts on a fixed interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) remove(a *Artifact) {
	if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn().Err(err).Str("handle", a.Handle).Msg("delete artifact file failed")
	}
}

// consumedReader deletes the backing file once the caller finishes reading.
type consumedReader struct {
	*os.File
	path string
}

func (r *consumedReader) Close() error {
	err := r.File.Close()
	if rmErr := os.Remove(r.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
