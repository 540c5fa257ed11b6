// Package zoom syncs cloud recordings reachable through the LMS's
// conferencing tool. The tool's own REST API is only usable with a browser
// session: capture.go drives a browser to obtain the session id, cookies,
// and request headers, and the Client here replays them against the API.
package zoom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	httpc "lmsync/http"
)

// DefaultBaseURL is the conferencing vendor's LTI application host.
const DefaultBaseURL = "https://applications.zoom.us"

// ErrSessionExpired means the captured browser session no longer
// authenticates and a fresh capture is needed.
var ErrSessionExpired = errors.New("zoom: captured session expired")

// Client calls the recordings API with a captured session. The session's
// cookies and x-zm-* headers ride on the shared HTTP client's session;
// the lti_scid rides as a query parameter.
type Client struct {
	http    *httpc.Client
	scid    string
	headers map[string]string
	baseURL string
}

// NewClient creates a recordings API client from captured session material.
func NewClient(hc *httpc.Client, scid string, headers map[string]string) *Client {
	return &Client{
		http:    hc,
		scid:    scid,
		headers: headers,
		baseURL: DefaultBaseURL,
	}
}

// sessionErr maps authentication and permission rejections to
// ErrSessionExpired so callers can trigger a re-capture.
func sessionErr(err error) error {
	var authErr *httpc.AuthError
	var permErr *httpc.PermissionError
	if errors.As(err, &authErr) || errors.As(err, &permErr) {
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return err
}

// ListRecordings returns every cloud recording for the captured course,
// optionally bounded below by since (YYYY-MM-DD). The endpoint pages by
// number; iteration stops when the reported total is reached or a page
// comes back short or empty.
func (c *Client) ListRecordings(ctx context.Context, since string) ([]RecordingSummary, error) {
	var all []RecordingSummary
	var total int64 = -1

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("startTime", since)
		q.Set("endTime", time.Now().UTC().Format("2006-01-02"))
		q.Set("keyWord", "")
		q.Set("searchType", "1")
		q.Set("status", "")
		q.Set("page", strconv.Itoa(page))
		q.Set("total", "0")
		q.Set("lti_scid", c.scid)

		resp, err := c.http.Get(ctx, c.baseURL+"/api/v1/lti/rich/recording/COURSE?"+q.Encode(), c.headers)
		if err != nil {
			return nil, sessionErr(err)
		}

		var payload RecordingListResponse
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			return nil, fmt.Errorf("decode recording list: %w", err)
		}
		if payload.Result == nil || len(payload.Result.List) == 0 {
			break
		}

		if total < 0 {
			total = payload.Result.Total
		}
		all = append(all, payload.Result.List...)

		if total >= 0 && int64(len(all)) >= total {
			break
		}
		if payload.Result.PageSize > len(payload.Result.List) {
			break
		}
	}
	return all, nil
}

// RecordingFiles returns the downloadable assets of one meeting. Entries
// without a play URL can't be captured and are dropped.
func (c *Client) RecordingFiles(ctx context.Context, meeting RecordingSummary) ([]RecordingFile, error) {
	q := url.Values{}
	q.Set("meetingId", meeting.MeetingID)
	q.Set("lti_scid", c.scid)

	resp, err := c.http.Get(ctx, c.baseURL+"/api/v1/lti/rich/recording/file?"+q.Encode(), c.headers)
	if err != nil {
		return nil, sessionErr(err)
	}

	var payload RecordingFileResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode recording files: %w", err)
	}
	if payload.Result == nil {
		return nil, nil
	}

	var files []RecordingFile
	for _, entry := range payload.Result.RecordingFiles {
		if entry.PlayURL == "" {
			continue
		}
		files = append(files, RecordingFile{
			MeetingID:      meeting.MeetingID,
			MeetingNumber:  meeting.MeetingNumber,
			PlayURL:        entry.PlayURL,
			DownloadURL:    entry.DownloadURL,
			FileType:       entry.FileType,
			RecordingStart: entry.RecordingStart,
			Topic:          meeting.Topic,
			StartTime:      meeting.StartTime,
			Timezone:       meeting.Timezone,
		})
	}
	return files, nil
}
