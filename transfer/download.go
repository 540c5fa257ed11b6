// Package transfer implements the resumable HTTP download path: content is
// staged in a .part file next to the destination, resumed with Range
// requests across runs, flushed to disk, validated against the expected
// size, and only then renamed into place. A destination therefore either
// doesn't exist or is complete.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"lmsync/http"
	"lmsync/logging"
)

// PartSuffix is appended to the destination path while a download is
// staged.
const PartSuffix = ".part"

// ErrSizeMismatch is returned when a completed transfer doesn't match the
// size the server advertised. The .part file is kept for inspection.
var ErrSizeMismatch = errors.New("transfer: size mismatch")

// Request describes one download.
type Request struct {
	// URL is the (possibly pre-signed) source URL. Never logged.
	URL string

	// Headers are sent on the request, e.g. replayed capture headers.
	Headers map[string]string

	// Dest is the final path. The staging file is Dest + ".part".
	Dest string

	// ExpectedSize validates the result when positive.
	ExpectedSize int64
}

// Downloader performs staged, resumable downloads through the shared HTTP
// client. Concurrent downloads to the same destination are serialized
// in-process.
type Downloader struct {
	client *http.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDownloader creates a downloader on top of the shared HTTP client.
func NewDownloader(client *http.Client) *Downloader {
	return &Downloader{
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
}

// destLock returns the mutex guarding one destination path.
func (d *Downloader) destLock(dest string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.locks[dest]
	if !ok {
		l = &sync.Mutex{}
		d.locks[dest] = l
	}
	return l
}

// Download fetches req.URL into req.Dest. An existing .part file is resumed
// with a Range request; if the server ignores the range and replies 200,
// the stage is restarted from scratch.
func (d *Downloader) Download(ctx context.Context, req Request) error {
	lock := d.destLock(req.Dest)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	partPath := req.Dest + PartSuffix
	offset := partSize(partPath)

	// A leftover stage larger than the expected size can't be trusted
	if req.ExpectedSize > 0 && offset > req.ExpectedSize {
		logging.Warn().Str("dest", req.Dest).Int64("staged", offset).
			Int64("expected", req.ExpectedSize).Msg("oversized partial download, restarting")
		if err := os.Remove(partPath); err != nil {
			return fmt.Errorf("discard oversized stage: %w", err)
		}
		offset = 0
	}

	// A stage that is already complete only needs finalizing
	if req.ExpectedSize > 0 && offset == req.ExpectedSize {
		return d.finalize(partPath, req.Dest, req.ExpectedSize)
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if offset > 0 {
		headers["Range"] = fmt.Sprintf("bytes=%d-", offset)
		logging.Debug().Str("dest", req.Dest).Int64("offset", offset).Msg("resuming download")
	}

	resp, err := d.client.Stream(ctx, req.URL, headers)
	if err != nil && offset > 0 && isRangeRejected(err) {
		// The remote refused to resume, so the stage is useless
		logging.Debug().Str("dest", req.Dest).Msg("range rejected, restarting download")
		if err := os.Remove(partPath); err != nil {
			return fmt.Errorf("discard rejected stage: %w", err)
		}
		offset = 0
		delete(headers, "Range")
		resp, err = d.client.Stream(ctx, req.URL, headers)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode == 200 {
		// Server ignored the range, start over
		logging.Debug().Str("dest", req.Dest).Msg("range not honored, restarting download")
		offset = 0
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open stage file: %w", err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return fmt.Errorf("truncate stage file: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek stage file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		// The stage stays behind so the next run can resume it
		return fmt.Errorf("write stage file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync stage file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close stage file: %w", err)
	}

	return d.finalize(partPath, req.Dest, req.ExpectedSize)
}

// finalize validates the staged file and renames it into place.
func (d *Downloader) finalize(partPath, dest string, expected int64) error {
	if expected > 0 {
		got := partSize(partPath)
		if got != expected {
			return fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeMismatch, got, expected)
		}
	}
	if err := os.Rename(partPath, dest); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// isRangeRejected reports whether the server answered a ranged request
// with 416, which means the staged bytes cannot be resumed from.
func isRangeRejected(err error) bool {
	var httpErr *http.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 416
}

func partSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
