// Package ffmpeg wraps the ffmpeg binary for stream-copy downloads of
// recording media. Stream copy re-muxes without transcoding, which is the
// fast path for both direct mp4 URLs and HLS playlists.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotInstalled means the ffmpeg binary could not be found. Callers fall
// back to the plain HTTP download path and should not retry ffmpeg.
var ErrNotInstalled = errors.New("ffmpeg: not installed")

// ErrStreamRejected means ffmpeg ran but could not ingest the stream,
// typically because the signed URL or headers were rejected. The HTTP
// fallback may still succeed.
var ErrStreamRejected = errors.New("ffmpeg: stream rejected")

// ProcessError carries ffmpeg's exit detail for logs.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("ffmpeg: exit status %d: %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Is(target error) bool {
	return target == ErrStreamRejected
}

// Runner executes ffmpeg.
type Runner struct {
	// Path is the ffmpeg binary; "ffmpeg" from PATH when empty.
	Path string
}

// NewRunner creates a Runner for the given binary path.
func NewRunner(path string) *Runner {
	if path == "" {
		path = "ffmpeg"
	}
	return &Runner{Path: path}
}

// Available checks that the binary runs by invoking "-version".
func (r *Runner) Available(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.Path, "-version")
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotInstalled, r.Path)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ProcessError{ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("%w: %s", ErrNotInstalled, r.Path)
	}
	return nil
}

// StageSuffix marks ffmpeg's in-progress output. It is distinct from the
// HTTP pipeline's .part suffix so a failed stream copy never disturbs a
// resumable download stage for the same destination.
const StageSuffix = ".ffmpeg"

// StreamCopy downloads inputURL into dest using stream copy, staging the
// output next to the destination and renaming only on success. headers are
// sent verbatim on the media request.
func (r *Runner) StreamCopy(ctx context.Context, inputURL string, headers map[string]string, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	tmp := dest + StageSuffix

	args := []string{
		"-y",
		"-loglevel", "error",
		"-hide_banner",
	}
	if blob := headerBlob(headers); blob != "" {
		args = append(args, "-headers", blob)
	}
	args = append(args,
		"-i", inputURL,
		"-c", "copy",
		"-map", "0",
		"-movflags", "+faststart",
		tmp,
	)

	cmd := exec.CommandContext(ctx, r.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotInstalled, r.Path)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ProcessError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return fmt.Errorf("run ffmpeg: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize ffmpeg output: %w", err)
	}
	return nil
}

// headerBlob renders request headers in the CRLF-joined form ffmpeg's
// -headers flag expects, in stable order.
func headerBlob(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}
