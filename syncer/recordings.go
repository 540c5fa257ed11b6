package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lmsync/canvas"
	"lmsync/ffmpeg"
	httpc "lmsync/http"
	"lmsync/logging"
	"lmsync/storage"
	"lmsync/transfer"
	"lmsync/zoom"
)

// SessionCapturer drives the browser capture flow for one course.
// *zoom.Capture satisfies it.
type SessionCapturer interface {
	CaptureSession(ctx context.Context) error
	CaptureReplay(ctx context.Context, rec zoom.RecordingFile) (storage.ReplayAuth, error)
	InvalidateReplay(rec zoom.RecordingFile) error
	Finish()
}

// RecordingAPI lists recordings through a captured session.
// *zoom.Client satisfies it.
type RecordingAPI interface {
	ListRecordings(ctx context.Context, since string) ([]zoom.RecordingSummary, error)
	RecordingFiles(ctx context.Context, meeting zoom.RecordingSummary) ([]zoom.RecordingFile, error)
}

// StreamCopier is the ffmpeg stream-copy path. *ffmpeg.Runner satisfies it.
type StreamCopier interface {
	Available(ctx context.Context) error
	StreamCopy(ctx context.Context, inputURL string, headers map[string]string, dest string) error
}

// RecordingSyncer syncs cloud recordings course by course. Each course gets
// its own captured browser session, persisted next to the course's manifest
// so later runs can reuse it until it expires.
type RecordingSyncer struct {
	// NewCapture builds the capture flow for one course's tool page.
	NewCapture func(toolURL string, store *storage.SessionStore) SessionCapturer

	// NewAPI builds the recordings client from a captured session.
	NewAPI func(scid string, headers map[string]string, cookies []httpc.Cookie) RecordingAPI

	// ToolURL resolves the LMS launch page for a course's recordings tab,
	// discovering the tool when the configuration doesn't pin it.
	ToolURL func(ctx context.Context, courseID int64) (string, error)

	// Copier is tried first for each recording; nil disables stream copy.
	Copier StreamCopier

	// Downloader is the fallback (and copier-less) download path.
	Downloader FileDownloader

	// Since bounds the listing, yyyy-mm-dd. Empty lists everything.
	Since string

	// Concurrency bounds parallel transfers. Values below 1 mean 1.
	// Captures always run sequentially, they share one browser.
	Concurrency int
}

// recordingTask is one recording with its authorization already captured,
// ready for a browser-free transfer.
type recordingTask struct {
	file zoom.RecordingFile
	key  string
	dest string
	auth storage.ReplayAuth
}

// syncCourse syncs one course's recordings. Failures are folded into the
// summary; a course without a usable session fails as a whole.
func (r *RecordingSyncer) syncCourse(ctx context.Context, mode Mode, course canvas.Course, dir string) Summary {
	var sum Summary
	log := logging.With().Int64("course_id", course.ID).Logger()

	sessionPath := filepath.Join(dir, sessionName)
	if mode == ModePlan {
		if _, err := os.Stat(sessionPath); os.IsNotExist(err) {
			log.Info().Msg("no captured session, recordings not planned")
			return sum
		}
	}

	led, err := openLedger(filepath.Join(dir, manifestName), mode == ModeExecute)
	if err != nil {
		log.Error().Err(err).Msg("open manifest failed")
		sum.Failed++
		return sum
	}

	store, err := storage.OpenSessionStore(sessionPath)
	if err != nil {
		log.Error().Err(err).Msg("open session store failed")
		sum.Failed++
		return sum
	}

	toolURL, err := r.ToolURL(ctx, course.ID)
	if err != nil {
		log.Error().Err(err).Msg("resolve tool launch page failed")
		sum.Failed++
		return sum
	}

	capture := r.NewCapture(toolURL, store)
	defer capture.Finish()

	if store.Scid() == "" || len(store.Cookies()) == 0 {
		if mode == ModePlan {
			log.Info().Msg("no captured session, recordings not planned")
			return sum
		}
		if err := capture.CaptureSession(ctx); err != nil {
			log.Error().Err(err).Msg("session capture failed")
			sum.Failed++
			return sum
		}
	}

	api := r.NewAPI(store.Scid(), store.Headers(), store.Cookies())
	meetings, err := api.ListRecordings(ctx, r.Since)
	if errors.Is(err, zoom.ErrSessionExpired) && mode == ModeExecute {
		// The stored session went stale. One fresh capture, then give up.
		log.Info().Msg("captured session expired, capturing a fresh one")
		store.Clear()
		if err := capture.CaptureSession(ctx); err != nil {
			log.Error().Err(err).Msg("session re-capture failed")
			sum.Failed++
			return sum
		}
		api = r.NewAPI(store.Scid(), store.Headers(), store.Cookies())
		meetings, err = api.ListRecordings(ctx, r.Since)
	}
	if err != nil {
		log.Error().Err(err).Msg("list recordings failed")
		sum.Failed++
		return sum
	}

	// Phase one walks the browser sequentially, capturing replay
	// authorization for everything that needs a transfer.
	var tasks []recordingTask
	for _, meeting := range meetings {
		files, err := api.RecordingFiles(ctx, meeting)
		if err != nil {
			log.Error().Err(err).Str("topic", meeting.Topic).Msg("list recording files failed")
			sum.Failed++
			continue
		}

		for i, f := range files {
			key := "recording/" + f.PlayURL
			dest := recordingDest(dir, f, i, len(files))

			if _, ok := led.get(key); ok && fileExists(dest) {
				sum.Skipped++
				continue
			}

			if mode == ModePlan {
				sum.New++
				log.Info().Str("dest", dest).Msg("would download recording")
				continue
			}

			auth, err := capture.CaptureReplay(ctx, f)
			if err != nil {
				led.recordError(key, err.Error())
				sum.Failed++
				log.Error().Err(err).Str("dest", dest).Msg("replay capture failed")
				continue
			}
			tasks = append(tasks, recordingTask{file: f, key: key, dest: dest, auth: auth})
		}
	}

	// Phase two runs the transfers in parallel. The browser is only needed
	// again to refresh a rejected authorization, which captureMu serializes.
	var (
		mu        sync.Mutex
		captureMu sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			err := r.download(gctx, capture, &captureMu, task)
			mu.Lock()
			if err != nil {
				led.recordError(task.key, err.Error())
				sum.Failed++
			} else {
				sum.New++
				led.set(task.key, storage.ItemState{
					UpdatedAt: task.file.RecordingStart,
					SyncedAt:  time.Now().UTC(),
				})
			}
			mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("dest", task.dest).Msg("recording download failed")
			}
			return nil
		})
	}
	g.Wait()

	if err := led.save(); err != nil {
		log.Error().Err(err).Msg("save manifest failed")
	}
	return sum
}

// download transfers one captured recording. A rejected authorization is
// re-captured exactly once.
func (r *RecordingSyncer) download(ctx context.Context, capture SessionCapturer, captureMu *sync.Mutex, task recordingTask) error {
	err := r.transfer(ctx, task.auth, task.dest)
	if err == nil || !isAuthRejected(err) {
		return err
	}

	// The signed URL went stale between capture and download
	captureMu.Lock()
	err = capture.InvalidateReplay(task.file)
	var auth storage.ReplayAuth
	if err == nil {
		auth, err = capture.CaptureReplay(ctx, task.file)
	}
	captureMu.Unlock()
	if err != nil {
		return err
	}
	return r.transfer(ctx, auth, task.dest)
}

// transfer moves one recording to disk: stream copy when ffmpeg is usable,
// otherwise the resumable HTTP path. A stream the server rejects for ffmpeg
// may still be downloadable directly, so that case falls through too.
func (r *RecordingSyncer) transfer(ctx context.Context, auth storage.ReplayAuth, dest string) error {
	if r.Copier != nil {
		switch err := r.Copier.Available(ctx); {
		case err == nil:
			err := r.Copier.StreamCopy(ctx, auth.DownloadURL, auth.Headers, dest)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ffmpeg.ErrStreamRejected) {
				return err
			}
			logging.Warn().Str("dest", dest).Msg("stream copy rejected, falling back to direct download")

		case errors.Is(err, ffmpeg.ErrNotInstalled):
			logging.Debug().Msg("ffmpeg not installed, using direct download")

		default:
			// A broken binary shouldn't fail the item, only the fast path
			logging.Warn().Err(err).Msg("ffmpeg unusable, using direct download")
		}
	}

	return r.Downloader.Download(ctx, transfer.Request{
		URL:     auth.DownloadURL,
		Headers: auth.Headers,
		Dest:    dest,
	})
}

// isAuthRejected reports whether a download failed because the captured
// authorization was no longer accepted.
func isAuthRejected(err error) bool {
	var authErr *httpc.AuthError
	var permErr *httpc.PermissionError
	return errors.As(err, &authErr) || errors.As(err, &permErr)
}

// recordingDest names a recording's destination file. Meetings with several
// media files get a numeric suffix after the first.
func recordingDest(dir string, f zoom.RecordingFile, i, total int) string {
	name := sanitizeFilename(f.FilenameHint())
	if total > 1 && i > 0 {
		name = fmt.Sprintf("%s - %d", name, i+1)
	}
	return filepath.Join(dir, "recordings", name+".mp4")
}
