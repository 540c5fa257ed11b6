// Package syncer orchestrates a sync run: course content through the LMS
// API with a bounded worker pool, then cloud recordings through the browser,
// tracking per-course state in an on-disk manifest so unchanged items are
// skipped on later runs.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lmsync/canvas"
	"lmsync/config"
	"lmsync/logging"
	"lmsync/storage"
	"lmsync/transfer"
)

const (
	manifestName = "state.json"
	sessionName  = "session.json"
)

// Mode selects between reporting what a run would do and doing it.
type Mode int

const (
	// ModePlan walks everything and counts, but writes nothing.
	ModePlan Mode = iota
	// ModeExecute downloads and persists.
	ModeExecute
)

func (m Mode) String() string {
	if m == ModePlan {
		return "plan"
	}
	return "execute"
}

// ErrPartialFailure is returned by Run when some items failed but the run
// itself completed. The Summary still describes everything that succeeded.
var ErrPartialFailure = errors.New("sync: some items failed")

// Summary is the outcome of a run.
type Summary struct {
	// New counts items synced for the first time.
	New int
	// Updated counts items re-synced because they changed.
	Updated int
	// Skipped counts items whose change markers matched the manifest.
	Skipped int
	// Failed counts items that errored. Their manifest entries keep the
	// failure trail for the next run.
	Failed int
}

func (s *Summary) add(other Summary) {
	s.New += other.New
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// Total returns the number of items considered.
func (s *Summary) Total() int {
	return s.New + s.Updated + s.Skipped + s.Failed
}

// CourseAPI is the slice of the LMS client the orchestrator uses.
// *canvas.Client satisfies it; tests use a fake.
type CourseAPI interface {
	ListCourses(ctx context.Context) ([]canvas.Course, error)
	ListModules(ctx context.Context, courseID int64) ([]canvas.Module, error)
	ListAssignments(ctx context.Context, courseID int64) ([]canvas.Assignment, error)
	GetPage(ctx context.Context, courseID int64, slug string) (*canvas.Page, error)
	GetFile(ctx context.Context, fileID int64) (*canvas.File, error)
}

// FileDownloader fetches one URL to a destination path.
// *transfer.Downloader satisfies it.
type FileDownloader interface {
	Download(ctx context.Context, req transfer.Request) error
}

// Syncer runs sync operations for all enrolled courses.
type Syncer struct {
	cfg        *config.Config
	api        CourseAPI
	downloader FileDownloader
	recordings *RecordingSyncer
	filter     map[int64]bool
}

// New creates a syncer for course content. Recording sync is off until
// SetRecordingSyncer is called.
func New(cfg *config.Config, api CourseAPI, downloader FileDownloader) *Syncer {
	return &Syncer{
		cfg:        cfg,
		api:        api,
		downloader: downloader,
	}
}

// SetRecordingSyncer enables recording sync after course content.
func (s *Syncer) SetRecordingSyncer(r *RecordingSyncer) {
	s.recordings = r
}

// SetCourseFilter restricts the run to the given course ids. An empty
// filter syncs everything.
func (s *Syncer) SetCourseFilter(ids []int64) {
	if len(ids) == 0 {
		s.filter = nil
		return
	}
	s.filter = make(map[int64]bool, len(ids))
	for _, id := range ids {
		s.filter[id] = true
	}
}

// skipCourse reports whether a course is excluded from this run, either by
// configuration or by the run's course filter.
func (s *Syncer) skipCourse(id int64) bool {
	if s.cfg.Canvas.IsIgnoredCourse(id) {
		return true
	}
	return s.filter != nil && !s.filter[id]
}

// Run syncs every enrolled course that isn't ignored. Course content is
// synced concurrently up to the configured limit; recordings follow
// sequentially because they share one browser. Item failures are counted
// and reported as ErrPartialFailure rather than aborting the run.
func (s *Syncer) Run(ctx context.Context, mode Mode) (*Summary, error) {
	runID := uuid.NewString()
	log := logging.With().Str("run_id", runID).Stringer("mode", mode).Logger()
	log.Info().Msg("sync run starting")

	courses, err := s.api.ListCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}

	var (
		mu    sync.Mutex
		total Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, course := range courses {
		if s.skipCourse(course.ID) {
			log.Debug().Int64("course_id", course.ID).Msg("course skipped")
			continue
		}
		course := course
		g.Go(func() error {
			sum, err := s.syncCourseContent(gctx, mode, course)
			mu.Lock()
			total.add(sum)
			if err != nil {
				total.Failed++
			}
			mu.Unlock()
			if err != nil {
				log.Error().Err(err).Int64("course_id", course.ID).
					Str("course", course.Name).Msg("course sync failed")
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return &total, err
	}

	if s.recordings != nil && s.cfg.Zoom.Enabled {
		for _, course := range courses {
			if s.skipCourse(course.ID) {
				continue
			}
			total.add(s.recordings.syncCourse(ctx, mode, course, s.courseDir(course)))
		}
	}

	log.Info().Int("new", total.New).Int("updated", total.Updated).
		Int("skipped", total.Skipped).Int("failed", total.Failed).
		Msg("sync run finished")

	if total.Failed > 0 {
		return &total, fmt.Errorf("%w: %d of %d items", ErrPartialFailure, total.Failed, total.Total())
	}
	return &total, nil
}

// CourseDir is the directory mirroring one course under the download root.
func CourseDir(root string, course canvas.Course) string {
	return filepath.Join(root, sanitizeFilename(course.Name))
}

// SessionStorePath is where a course's captured browser session lives.
func SessionStorePath(courseDir string) string {
	return filepath.Join(courseDir, sessionName)
}

func (s *Syncer) courseDir(course canvas.Course) string {
	return CourseDir(s.cfg.DownloadRoot, course)
}

// ledger wraps the on-disk manifest so plan runs never create files or
// directories: a missing manifest is read as empty, and writes are dropped
// unless the ledger was opened for persisting.
type ledger struct {
	m       *storage.Manifest
	persist bool
}

func openLedger(path string, persist bool) (*ledger, error) {
	if persist {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create course directory: %w", err)
		}
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return &ledger{persist: false}, nil
	}

	m, err := storage.OpenManifest(path)
	if err != nil {
		return nil, err
	}
	return &ledger{m: m, persist: persist}, nil
}

func (l *ledger) get(key string) (storage.ItemState, bool) {
	if l.m == nil {
		return storage.ItemState{}, false
	}
	return l.m.Get(key)
}

func (l *ledger) set(key string, st storage.ItemState) {
	if l.m != nil && l.persist {
		l.m.Set(key, st)
	}
}

func (l *ledger) recordError(key, msg string) {
	if l.m != nil && l.persist {
		l.m.RecordError(key, msg)
	}
}

func (l *ledger) save() error {
	if l.m == nil || !l.persist {
		return nil
	}
	return l.m.Save()
}

// writeLocal writes rendered content to disk atomically.
func writeLocal(dest string, body []byte) error {
	w, err := storage.NewAtomicWriter(dest)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// sanitizeFilename replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	replacements := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := s
	for _, char := range replacements {
		result = strings.ReplaceAll(result, char, "_")
	}
	return strings.TrimSpace(result)
}
