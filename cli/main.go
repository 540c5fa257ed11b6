package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"lmsync/browser"
	"lmsync/canvas"
	"lmsync/config"
	"lmsync/ffmpeg"
	httpc "lmsync/http"
	"lmsync/logging"
	"lmsync/storage"
	"lmsync/syncer"
	"lmsync/transfer"
	"lmsync/zoom"
)

// Exit codes: 1 covers fatal and configuration problems, 2 means the run
// finished but some items failed, 3 means authentication failed.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
	exitAuth    = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFatal)
	}

	switch os.Args[1] {
	case "sync":
		os.Exit(cmdSync(os.Args[2:]))
	case "courses":
		os.Exit(cmdCourses(os.Args[2:]))
	case "recordings":
		os.Exit(cmdRecordings(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(exitFatal)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lmsync - course content and recording backup

Usage:
  lmsync sync [flags]                  Sync all courses to the download root
  lmsync courses [flags]               List enrolled courses
  lmsync recordings -course <id>       List a course's cloud recordings
  lmsync help                          Show this help message

Examples:
  lmsync sync                          # Full sync
  lmsync sync -plan                    # Show what would change, write nothing
  lmsync sync -courses 4217,4310       # Only these courses
  lmsync sync -since 2026-08-01        # Bound recording listing by start date
  lmsync courses                       # Table of enrolled courses
  lmsync recordings -course 4217       # Recordings of one course

For help on a specific command: lmsync <command> -h
`)
}

// loadConfig loads configuration and initializes logging from it.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.Caller = cfg.Logging.Caller
	logging.Init(logCfg)
	return cfg, nil
}

func newHTTPClient(cfg *config.Config) *httpc.Client {
	hcfg := httpc.DefaultConfig()
	hcfg.RateLimiter.DefaultRPS = cfg.MaxRPS
	return httpc.New(hcfg)
}

func newCanvasClient(ctx context.Context, cfg *config.Config, hc *httpc.Client) (*canvas.Client, error) {
	token, err := cfg.Canvas.ResolveToken(ctx)
	if err != nil {
		return nil, err
	}
	return canvas.NewClient(hc, cfg.Canvas.BaseURL, token), nil
}

func cmdSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: lmsync.yaml)")
	plan := fs.Bool("plan", false, "Report what would be synced without writing anything")
	coursesFlag := fs.String("courses", "", "Comma-separated course ids to sync (default: all)")
	since := fs.String("since", "", "Only recordings started on or after this date (yyyy-mm-dd)")
	keepTabs := fs.Bool("keep-tabs", false, "Leave browser capture tabs open for debugging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lmsync sync [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hc := newHTTPClient(cfg)
	defer hc.Close()

	api, err := newCanvasClient(ctx, cfg, hc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving API token: %v\n", err)
		return exitFatal
	}

	dl := transfer.NewDownloader(hc)
	s := syncer.New(cfg, api, dl)

	if *coursesFlag != "" {
		ids, err := parseCourseIDs(*coursesFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing -courses: %v\n", err)
			return exitFatal
		}
		s.SetCourseFilter(ids)
	}

	if cfg.Zoom.Enabled {
		b, err := browser.Connect(ctx, cfg.Zoom.DevToolsURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to browser: %v\n", err)
			return exitFatal
		}
		defer b.Close()
		s.SetRecordingSyncer(newRecordingSyncer(cfg, b, api, hc, dl, *since, *keepTabs || cfg.Zoom.KeepTabs))
	}

	mode := syncer.ModeExecute
	if *plan {
		mode = syncer.ModePlan
	}

	sum, err := s.Run(ctx, mode)
	switch {
	case errors.Is(err, syncer.ErrPartialFailure):
		printSummary(sum, mode)
		fmt.Fprintf(os.Stderr, "Sync finished with failures: %v\n", err)
		return exitPartial
	case err != nil:
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		if isAuthFailure(err) {
			return exitAuth
		}
		return exitFatal
	}

	printSummary(sum, mode)
	return exitOK
}

// parseCourseIDs parses the -courses flag value.
func parseCourseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid course id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no course ids given")
	}
	return ids, nil
}

// isAuthFailure reports whether a run died on authentication rather than
// on the network or the filesystem.
func isAuthFailure(err error) bool {
	var authErr *httpc.AuthError
	return errors.As(err, &authErr) || errors.Is(err, zoom.ErrSessionExpired)
}

func newRecordingSyncer(cfg *config.Config, b *browser.Client, api *canvas.Client,
	hc *httpc.Client, dl *transfer.Downloader, since string, keepTabs bool) *syncer.RecordingSyncer {

	return &syncer.RecordingSyncer{
		NewCapture: func(toolURL string, store *storage.SessionStore) syncer.SessionCapturer {
			return zoom.NewCapture(b, store, zoom.Options{
				ToolURL:     toolURL,
				SSOEmail:    cfg.Canvas.SSOEmail,
				SSOPassword: cfg.Canvas.SSOPassword,
				KeepTabs:    keepTabs,
			})
		},
		NewAPI: func(scid string, headers map[string]string, cookies []httpc.Cookie) syncer.RecordingAPI {
			return newRecordingAPI(cfg, hc, scid, headers, cookies)
		},
		ToolURL: func(ctx context.Context, courseID int64) (string, error) {
			return resolveToolURL(ctx, api, cfg, courseID)
		},
		Copier:      ffmpeg.NewRunner(cfg.Zoom.FFmpegPath),
		Downloader:  dl,
		Since:       since,
		Concurrency: cfg.Concurrency,
	}
}

// resolveToolURL builds the launch page for a course's recordings tool. A
// configured tool id is used directly; zero discovers the tool by name in
// the course's external tool list.
func resolveToolURL(ctx context.Context, api *canvas.Client, cfg *config.Config, courseID int64) (string, error) {
	id := cfg.Zoom.ExternalToolID
	if id == 0 {
		tool, err := api.FindRecordingsTool(ctx, courseID)
		if err != nil {
			return "", err
		}
		id = tool.ID
	}
	return api.ToolLaunchURL(courseID, id), nil
}

// newRecordingAPI attaches the captured cookies to the shared HTTP client
// and builds the recordings client on top of it. Cookies are domain-scoped
// by the session, so LMS requests are unaffected.
func newRecordingAPI(cfg *config.Config, hc *httpc.Client, scid string,
	headers map[string]string, cookies []httpc.Cookie) *zoom.Client {

	sess := httpc.NewSession()
	sess.SetCookies(cookies)
	hc.SetSession(sess)

	if cfg.Zoom.UserAgent != "" {
		merged := make(map[string]string, len(headers)+1)
		for k, v := range headers {
			merged[k] = v
		}
		merged["User-Agent"] = cfg.Zoom.UserAgent
		headers = merged
	}
	return zoom.NewClient(hc, scid, headers)
}

func printSummary(sum *syncer.Summary, mode syncer.Mode) {
	verb := "Synced"
	if mode == syncer.ModePlan {
		verb = "Would sync"
	}
	fmt.Printf("%s %d new, %d updated; %d skipped, %d failed\n",
		verb, sum.New, sum.Updated, sum.Skipped, sum.Failed)
}

func cmdCourses(args []string) int {
	fs := flag.NewFlagSet("courses", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: lmsync.yaml)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lmsync courses [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hc := newHTTPClient(cfg)
	defer hc.Close()

	api, err := newCanvasClient(ctx, cfg, hc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving API token: %v\n", err)
		return exitFatal
	}

	courses, err := api.ListCourses(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing courses: %v\n", err)
		if isAuthFailure(err) {
			return exitAuth
		}
		return exitFatal
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCODE\tNAME\t")
	for _, c := range courses {
		name := c.Name
		if cfg.Canvas.IsIgnoredCourse(c.ID) {
			name += " (ignored)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t\n", c.ID, c.CourseCode, name)
	}
	w.Flush()
	return exitOK
}

func cmdRecordings(args []string) int {
	fs := flag.NewFlagSet("recordings", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: lmsync.yaml)")
	courseID := fs.Int64("course", 0, "Course id (required)")
	since := fs.String("since", "", "Only recordings started on or after this date (yyyy-mm-dd)")
	keepTabs := fs.Bool("keep-tabs", false, "Leave browser capture tabs open for debugging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lmsync recordings [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if *courseID == 0 {
		fmt.Fprintf(os.Stderr, "Error: missing -course\n")
		fs.Usage()
		return exitFatal
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitFatal
	}
	if !cfg.Zoom.Enabled {
		fmt.Fprintf(os.Stderr, "Error: recording sync is not enabled in the config\n")
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hc := newHTTPClient(cfg)
	defer hc.Close()

	api, err := newCanvasClient(ctx, cfg, hc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving API token: %v\n", err)
		return exitFatal
	}

	courses, err := api.ListCourses(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing courses: %v\n", err)
		return exitFatal
	}
	var course *canvas.Course
	for i := range courses {
		if courses[i].ID == *courseID {
			course = &courses[i]
			break
		}
	}
	if course == nil {
		fmt.Fprintf(os.Stderr, "Error: course %d not found among enrollments\n", *courseID)
		return exitFatal
	}

	dir := syncer.CourseDir(cfg.DownloadRoot, *course)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating course directory: %v\n", err)
		return exitFatal
	}
	store, err := storage.OpenSessionStore(syncer.SessionStorePath(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session store: %v\n", err)
		return exitFatal
	}

	b, err := browser.Connect(ctx, cfg.Zoom.DevToolsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to browser: %v\n", err)
		return exitFatal
	}
	defer b.Close()

	toolURL, err := resolveToolURL(ctx, api, cfg, course.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving recordings tool: %v\n", err)
		return exitFatal
	}

	capture := zoom.NewCapture(b, store, zoom.Options{
		ToolURL:     toolURL,
		SSOEmail:    cfg.Canvas.SSOEmail,
		SSOPassword: cfg.Canvas.SSOPassword,
		KeepTabs:    *keepTabs || cfg.Zoom.KeepTabs,
	})
	defer capture.Finish()

	if store.Scid() == "" || len(store.Cookies()) == 0 {
		if err := capture.CaptureSession(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error capturing session: %v\n", err)
			return exitFatal
		}
	}

	zc := newRecordingAPI(cfg, hc, store.Scid(), store.Headers(), store.Cookies())
	meetings, err := zc.ListRecordings(ctx, *since)
	if errors.Is(err, zoom.ErrSessionExpired) {
		store.Clear()
		if err := capture.CaptureSession(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error capturing session: %v\n", err)
			return exitFatal
		}
		zc = newRecordingAPI(cfg, hc, store.Scid(), store.Headers(), store.Cookies())
		meetings, err = zc.ListRecordings(ctx, *since)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing recordings: %v\n", err)
		if isAuthFailure(err) {
			return exitAuth
		}
		return exitFatal
	}

	if len(meetings) == 0 {
		fmt.Println("No recordings found.")
		return exitOK
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MEETING ID\tSTART\tTOPIC\t")
	for _, m := range meetings {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", m.MeetingID, m.StartTime, m.Topic)
	}
	w.Flush()
	fmt.Fprintf(os.Stderr, "\nTotal: %d recordings\n", len(meetings))
	return exitOK
}
