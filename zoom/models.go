package zoom

import "strings"

// RecordingSummary is one meeting's cloud recording as listed by the tool.
type RecordingSummary struct {
	MeetingID     string `json:"meetingId"`
	MeetingNumber string `json:"meetingNumber"`
	Topic         string `json:"topic"`
	StartTime     string `json:"startTime"`
	Timezone      string `json:"timezone"`
}

// RecordingListResponse is the envelope of the recording list endpoint.
type RecordingListResponse struct {
	Status bool              `json:"status"`
	Code   int               `json:"code"`
	Result *RecordingsResult `json:"result"`
}

// RecordingsResult carries one page of recordings.
type RecordingsResult struct {
	PageNum  int                `json:"pageNum"`
	PageSize int                `json:"pageSize"`
	Total    int64              `json:"total"`
	List     []RecordingSummary `json:"list"`
}

// RecordingFileResponse is the envelope of the per-meeting file endpoint.
type RecordingFileResponse struct {
	Status bool                 `json:"status"`
	Code   int                  `json:"code"`
	Result *RecordingFileResult `json:"result"`
}

// RecordingFileResult lists the files of one meeting.
type RecordingFileResult struct {
	RecordingFiles []RecordingFileEntry `json:"recordingFiles"`
}

// RecordingFileEntry is a raw file entry from the API.
type RecordingFileEntry struct {
	PlayURL        string `json:"playUrl"`
	DownloadURL    string `json:"downloadUrl"`
	FileType       string `json:"fileType"`
	RecordingStart string `json:"recordingStart"`
}

// RecordingFile is one downloadable recording asset with its meeting
// context attached.
type RecordingFile struct {
	MeetingID      string
	MeetingNumber  string
	PlayURL        string
	DownloadURL    string
	FileType       string
	RecordingStart string
	Topic          string
	StartTime      string
	Timezone       string
}

// FilenameHint builds a human-meaningful base name for the downloaded
// file: the meeting's start date and topic. Falls back to the meeting id
// when neither is known.
func (f *RecordingFile) FilenameHint() string {
	var parts []string
	if f.StartTime != "" {
		date, _, _ := strings.Cut(f.StartTime, " ")
		parts = append(parts, date)
	}
	if f.Topic != "" {
		parts = append(parts, f.Topic)
	}
	if len(parts) == 0 {
		return "zoom-" + strings.ReplaceAll(f.MeetingID, "/", "_")
	}
	return strings.Join(parts, " - ")
}
