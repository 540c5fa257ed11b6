package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"lmsync/canvas"
	"lmsync/config"
	"lmsync/transfer"
)

// fakeAPI serves canned LMS content.
type fakeAPI struct {
	mu sync.Mutex

	courses     []canvas.Course
	modules     map[int64][]canvas.Module
	assignments map[int64][]canvas.Assignment
	pages       map[string]*canvas.Page
	files       map[int64]*canvas.File

	moduleCalls []int64
}

func (f *fakeAPI) ListCourses(ctx context.Context) ([]canvas.Course, error) {
	return f.courses, nil
}

func (f *fakeAPI) ListModules(ctx context.Context, courseID int64) ([]canvas.Module, error) {
	f.mu.Lock()
	f.moduleCalls = append(f.moduleCalls, courseID)
	f.mu.Unlock()
	return f.modules[courseID], nil
}

func (f *fakeAPI) ListAssignments(ctx context.Context, courseID int64) ([]canvas.Assignment, error) {
	return f.assignments[courseID], nil
}

func (f *fakeAPI) GetPage(ctx context.Context, courseID int64, slug string) (*canvas.Page, error) {
	p, ok := f.pages[slug]
	if !ok {
		return nil, fmt.Errorf("no such page %q", slug)
	}
	return p, nil
}

func (f *fakeAPI) GetFile(ctx context.Context, fileID int64) (*canvas.File, error) {
	file, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("no such file %d", fileID)
	}
	return file, nil
}

// fakeDownloader records requests and writes small destination files.
type fakeDownloader struct {
	mu       sync.Mutex
	requests []transfer.Request
	errByURL map[string]error
	errQueue []error
}

func (d *fakeDownloader) Download(ctx context.Context, req transfer.Request) error {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	var queued error
	if len(d.errQueue) > 0 {
		queued = d.errQueue[0]
		d.errQueue = d.errQueue[1:]
	}
	d.mu.Unlock()

	if queued != nil {
		return queued
	}
	if err := d.errByURL[req.URL]; err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(req.Dest, []byte("data"), 0644)
}

func (d *fakeDownloader) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DownloadRoot: t.TempDir(),
		Concurrency:  2,
		MaxRPS:       100,
		Canvas: config.CanvasConfig{
			BaseURL: "https://lms.example.edu",
			Token:   "tok",
		},
	}
}

// contentAPI is one course with a file, a page that embeds another file,
// and an assignment that links back to the page.
func contentAPI() *fakeAPI {
	return &fakeAPI{
		courses: []canvas.Course{{ID: 1, Name: "Math 101"}},
		modules: map[int64][]canvas.Module{
			1: {{
				ID:   10,
				Name: "Week 1",
				Items: []canvas.ModuleItem{
					{ID: 100, Type: "File", ContentID: 7, Title: "Notes"},
					{ID: 101, Type: "Page", PageURL: "syllabus", Title: "Syllabus"},
					{ID: 102, Type: "ExternalUrl", URL: "https://elsewhere.example.com"},
				},
			}},
		},
		assignments: map[int64][]canvas.Assignment{
			1: {{
				ID:          30,
				Name:        "Homework 1",
				Description: `<p>Read <a href="/courses/1/pages/syllabus">the syllabus</a> first.</p>`,
				UpdatedAt:   "2026-02-01T00:00:00Z",
			}},
		},
		pages: map[string]*canvas.Page{
			"syllabus": {
				PageID:    20,
				URL:       "syllabus",
				Title:     "Syllabus",
				Body:      `<p>See <a href="/courses/1/files/8">the handout</a>.</p>`,
				UpdatedAt: "2026-01-15T00:00:00Z",
			},
		},
		files: map[int64]*canvas.File{
			7: {ID: 7, DisplayName: "notes.pdf", URL: "https://lms.example.edu/files/7/download?sig=a",
				Size: 4, UpdatedAt: "2026-01-10T00:00:00Z"},
			8: {ID: 8, DisplayName: "handout.pdf", URL: "https://lms.example.edu/files/8/download?sig=b",
				Size: 4, UpdatedAt: "2026-01-12T00:00:00Z"},
		},
	}
}

func TestRunExecuteThenSkips(t *testing.T) {
	cfg := testConfig(t)
	api := contentAPI()
	dl := &fakeDownloader{}
	s := New(cfg, api, dl)

	sum, err := s.Run(context.Background(), ModeExecute)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	// file 7, page syllabus, embedded file 8, assignment
	if sum.New != 4 || sum.Failed != 0 {
		t.Errorf("first run summary = %+v, want 4 new", sum)
	}
	if dl.calls() != 2 {
		t.Errorf("downloader called %d times, want 2", dl.calls())
	}

	courseDir := filepath.Join(cfg.DownloadRoot, "Math 101")
	for _, rel := range []string{
		filepath.Join("files", "notes.pdf"),
		filepath.Join("files", "handout.pdf"),
		filepath.Join("pages", "syllabus.html"),
		filepath.Join("assignments", "Homework 1.html"),
		manifestName,
	} {
		if _, err := os.Stat(filepath.Join(courseDir, rel)); err != nil {
			t.Errorf("expected %s to exist: %v", rel, err)
		}
	}

	// Nothing changed, so a second run skips everything
	sum, err = s.Run(context.Background(), ModeExecute)
	if err != nil {
		t.Fatalf("second Run() returned error: %v", err)
	}
	if sum.Skipped != 4 || sum.New != 0 || sum.Updated != 0 {
		t.Errorf("second run summary = %+v, want 4 skipped", sum)
	}
	if dl.calls() != 2 {
		t.Errorf("second run re-downloaded: %d calls", dl.calls())
	}
}

func TestRunExecuteDetectsUpdate(t *testing.T) {
	cfg := testConfig(t)
	api := contentAPI()
	dl := &fakeDownloader{}
	s := New(cfg, api, dl)

	if _, err := s.Run(context.Background(), ModeExecute); err != nil {
		t.Fatal(err)
	}

	api.files[7].UpdatedAt = "2026-03-01T00:00:00Z"
	sum, err := s.Run(context.Background(), ModeExecute)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if sum.Updated != 1 || sum.Skipped != 3 {
		t.Errorf("summary = %+v, want 1 updated and 3 skipped", sum)
	}
}

func TestRunPlanWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	api := contentAPI()
	dl := &fakeDownloader{}
	s := New(cfg, api, dl)

	sum, err := s.Run(context.Background(), ModePlan)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if sum.New != 4 {
		t.Errorf("plan summary = %+v, want 4 new", sum)
	}
	if dl.calls() != 0 {
		t.Errorf("plan mode called the downloader %d times", dl.calls())
	}
	if _, err := os.Stat(filepath.Join(cfg.DownloadRoot, "Math 101")); !os.IsNotExist(err) {
		t.Error("plan mode created the course directory")
	}
}

func TestRunPartialFailure(t *testing.T) {
	cfg := testConfig(t)
	api := contentAPI()
	dl := &fakeDownloader{errByURL: map[string]error{
		"https://lms.example.edu/files/7/download?sig=a": errors.New("boom"),
	}}
	s := New(cfg, api, dl)

	sum, err := s.Run(context.Background(), ModeExecute)
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("Run() error = %v, want ErrPartialFailure", err)
	}
	if sum.Failed != 1 || sum.New != 3 {
		t.Errorf("summary = %+v, want 1 failed and 3 new", sum)
	}

	// The failed file is retried on the next run once the error clears
	dl.errByURL = nil
	sum, err = s.Run(context.Background(), ModeExecute)
	if err != nil {
		t.Fatalf("recovery Run() returned error: %v", err)
	}
	if sum.New != 1 || sum.Skipped != 3 {
		t.Errorf("recovery summary = %+v, want 1 new and 3 skipped", sum)
	}
}

func TestRunIgnoresCourses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Canvas.IgnoredCourses = []int64{1}
	api := contentAPI()
	dl := &fakeDownloader{}
	s := New(cfg, api, dl)

	sum, err := s.Run(context.Background(), ModeExecute)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if sum.Total() != 0 {
		t.Errorf("summary = %+v, want empty", sum)
	}
	if len(api.moduleCalls) != 0 {
		t.Errorf("ignored course was listed: %v", api.moduleCalls)
	}
}

func TestRunCourseFilter(t *testing.T) {
	cfg := testConfig(t)
	api := contentAPI()
	api.courses = append(api.courses, canvas.Course{ID: 2, Name: "History 201"})
	dl := &fakeDownloader{}
	s := New(cfg, api, dl)
	s.SetCourseFilter([]int64{2})

	sum, err := s.Run(context.Background(), ModeExecute)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if sum.Total() != 0 {
		t.Errorf("summary = %+v, want empty (course 2 has no content)", sum)
	}
	for _, id := range api.moduleCalls {
		if id != 2 {
			t.Errorf("filtered-out course %d was listed", id)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Math 101", "Math 101"},
		{"CS: Intro/Advanced", "CS_ Intro_Advanced"},
		{`a\b*c?d"e<f>g|h`, "a_b_c_d_e_f_g_h"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
