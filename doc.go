// Package lmsync backs up course content and cloud recordings from a
// learning management system to a local directory tree.
//
// # Overview
//
// lmsync mirrors each enrolled course under a download root: module files,
// wiki pages, assignment descriptions, and the files they embed. When
// recording sync is enabled, it also drives a locally running browser
// through the course's conferencing tool, captures the authenticated
// session, and downloads each cloud recording.
//
// A per-course manifest records change markers (etags, timestamps, sizes,
// content hashes) so later runs skip everything that hasn't changed.
// Downloads are staged in .part files and resumed across runs; a
// destination path either doesn't exist or is complete.
//
// # Quick Start
//
// Run a sync from the command line:
//
//	lmsync sync
//
// Or preview what a sync would do:
//
//	lmsync sync -plan
//
// Programmatic use goes through the syncer package:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	hc := http.New(http.DefaultConfig())
//	api := canvas.NewClient(hc, cfg.Canvas.BaseURL, token)
//	s := syncer.New(cfg, api, transfer.NewDownloader(hc))
//	summary, err := s.Run(ctx, syncer.ModeExecute)
//
// # Configuration
//
// Configuration is layered: built-in defaults, then an optional
// lmsync.yaml, then LMSYNC_* environment variables. See the config
// package for the full set of keys.
//
// # Error Handling
//
// All operations return errors supporting errors.Is and errors.As:
//
//	if errors.Is(err, syncer.ErrPartialFailure) {
//		// the run finished, some items failed
//	}
//
//	var rle *http.RateLimitError
//	if errors.As(err, &rle) {
//		time.Sleep(rle.RetryAfter)
//	}
//
// # Packages
//
//   - config: layered configuration
//   - canvas: LMS REST API client
//   - zoom: recording enumeration and browser session capture
//   - browser: DevTools protocol client
//   - transfer: resumable staged downloads
//   - ffmpeg: stream-copy download path
//   - storage: manifests, session stores, atomic writes
//   - syncer: the orchestrator tying it all together
//
// # Dependencies
//
// Recording sync needs a Chromium-based browser started with
// --remote-debugging-port, and uses ffmpeg when installed.
package lmsync
