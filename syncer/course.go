package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lmsync/canvas"
	"lmsync/logging"
	"lmsync/storage"
	"lmsync/transfer"
)

// courseSync is the per-course walk state: the ledger, the running counts,
// and the dedup sets that keep embedded references from being fetched twice.
type courseSync struct {
	s      *Syncer
	mode   Mode
	course canvas.Course
	dir    string
	led    *ledger
	sum    Summary
	log    zerolog.Logger

	seenFiles map[int64]bool
	seenPages map[string]bool
}

// syncCourseContent syncs one course's modules, pages, files, and
// assignments. Pages and assignment descriptions are scanned for embedded
// file and page references, which are synced too.
func (s *Syncer) syncCourseContent(ctx context.Context, mode Mode, course canvas.Course) (Summary, error) {
	dir := s.courseDir(course)
	led, err := openLedger(filepath.Join(dir, manifestName), mode == ModeExecute)
	if err != nil {
		return Summary{}, err
	}

	cs := &courseSync{
		s:         s,
		mode:      mode,
		course:    course,
		dir:       dir,
		led:       led,
		log:       logging.With().Int64("course_id", course.ID).Logger(),
		seenFiles: make(map[int64]bool),
		seenPages: make(map[string]bool),
	}

	modules, err := s.api.ListModules(ctx, course.ID)
	if err != nil {
		return cs.sum, fmt.Errorf("list modules: %w", err)
	}
	for _, mod := range modules {
		for _, item := range mod.Items {
			switch item.Type {
			case "File":
				cs.syncFile(ctx, item.ContentID)
			case "Page":
				cs.syncPage(ctx, course.ID, item.PageURL)
			}
		}
	}

	assignments, err := s.api.ListAssignments(ctx, course.ID)
	if err != nil {
		return cs.sum, fmt.Errorf("list assignments: %w", err)
	}
	for _, a := range assignments {
		cs.syncAssignment(ctx, a)
	}

	if err := led.save(); err != nil {
		return cs.sum, fmt.Errorf("save manifest: %w", err)
	}
	return cs.sum, nil
}

// fail records one item failure without aborting the course.
func (cs *courseSync) fail(key string, err error) {
	cs.led.recordError(key, err.Error())
	cs.sum.Failed++
	cs.log.Error().Err(err).Str("item", key).Msg("item sync failed")
}

func (cs *courseSync) syncFile(ctx context.Context, fileID int64) {
	if fileID == 0 || cs.seenFiles[fileID] {
		return
	}
	cs.seenFiles[fileID] = true
	key := fmt.Sprintf("file/%d", fileID)

	f, err := cs.s.api.GetFile(ctx, fileID)
	if err != nil {
		cs.fail(key, fmt.Errorf("get file %d: %w", fileID, err))
		return
	}

	prev, _ := cs.led.get(key)
	if !canvas.HasChanged(prev, "", f.UpdatedAt, f.Size) {
		cs.sum.Skipped++
		return
	}

	if cs.mode == ModePlan {
		cs.count(prev)
		cs.log.Info().Str("file", f.DisplayName).Msg("would download file")
		return
	}

	dest := filepath.Join(cs.dir, "files", sanitizeFilename(f.DisplayName))
	err = cs.s.downloader.Download(ctx, transfer.Request{
		URL:          f.URL,
		Dest:         dest,
		ExpectedSize: f.Size,
	})
	if err != nil {
		cs.fail(key, fmt.Errorf("download file %d: %w", fileID, err))
		return
	}

	cs.count(prev)
	cs.led.set(key, storage.ItemState{
		UpdatedAt: f.UpdatedAt,
		Size:      f.Size,
		SyncedAt:  time.Now().UTC(),
	})
}

func (cs *courseSync) syncPage(ctx context.Context, courseID int64, slug string) {
	if slug == "" || cs.seenPages[slug] {
		return
	}
	cs.seenPages[slug] = true
	key := "page/" + slug

	p, err := cs.s.api.GetPage(ctx, courseID, slug)
	if err != nil {
		cs.fail(key, fmt.Errorf("get page %s: %w", slug, err))
		return
	}

	hash := canvas.HashContent([]byte(p.Body))
	prev, _ := cs.led.get(key)

	switch {
	case prev.ContentHash == hash:
		cs.sum.Skipped++

	case cs.mode == ModePlan:
		cs.count(prev)
		cs.log.Info().Str("page", slug).Msg("would save page")

	default:
		dest := filepath.Join(cs.dir, "pages", sanitizeFilename(slug)+".html")
		if err := writeLocal(dest, []byte(p.Body)); err != nil {
			cs.fail(key, fmt.Errorf("write page %s: %w", slug, err))
			break
		}
		cs.count(prev)
		cs.led.set(key, storage.ItemState{
			ContentHash: hash,
			UpdatedAt:   p.UpdatedAt,
			SyncedAt:    time.Now().UTC(),
		})
	}

	// Embedded content can change underneath an unchanged page, so
	// references are followed regardless of the page's own state.
	cs.followRefs(ctx, courseID, p.Body)
}

func (cs *courseSync) syncAssignment(ctx context.Context, a canvas.Assignment) {
	key := fmt.Sprintf("assignment/%d", a.ID)

	hash := canvas.HashContent([]byte(a.Description))
	prev, _ := cs.led.get(key)

	switch {
	case prev.ContentHash == hash:
		cs.sum.Skipped++

	case cs.mode == ModePlan:
		cs.count(prev)
		cs.log.Info().Str("assignment", a.Name).Msg("would save assignment")

	default:
		dest := filepath.Join(cs.dir, "assignments", sanitizeFilename(a.Name)+".html")
		if err := writeLocal(dest, []byte(a.Description)); err != nil {
			cs.fail(key, fmt.Errorf("write assignment %d: %w", a.ID, err))
			break
		}
		cs.count(prev)
		cs.led.set(key, storage.ItemState{
			ContentHash: hash,
			UpdatedAt:   a.UpdatedAt,
			SyncedAt:    time.Now().UTC(),
		})
	}

	cs.followRefs(ctx, cs.course.ID, a.Description)
}

// followRefs syncs the files and same-course pages referenced by HTML.
func (cs *courseSync) followRefs(ctx context.Context, courseID int64, html string) {
	for _, id := range canvas.ExtractFileIDs(html) {
		cs.syncFile(ctx, id)
	}
	for _, ref := range canvas.ExtractPageRefs(html) {
		if ref.CourseID == courseID {
			cs.syncPage(ctx, ref.CourseID, ref.Slug)
		}
	}
}

// count classifies a sync as new or updated. Items that only have a failure
// trail were never synced, so they count as new.
func (cs *courseSync) count(prev storage.ItemState) {
	if prev.SyncedAt.IsZero() {
		cs.sum.New++
	} else {
		cs.sum.Updated++
	}
}
