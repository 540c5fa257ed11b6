package canvas

// Course is an enrolled course.
type Course struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CourseCode string `json:"course_code"`
}

// Module is a course module with its items included.
type Module struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	Position int          `json:"position"`
	Items    []ModuleItem `json:"items"`
}

// ModuleItem is one entry in a module. Type tells which of the id fields
// is meaningful: "File" uses ContentID, "Page" uses PageURL.
type ModuleItem struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	ContentID int64  `json:"content_id"`
	PageURL   string `json:"page_url"`
	HTMLURL   string `json:"html_url"`
	URL       string `json:"url"`
}

// Assignment carries the HTML description that may reference files and pages.
type Assignment struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UpdatedAt   string `json:"updated_at"`
}

// Page is a wiki page addressed by its URL slug.
type Page struct {
	PageID    int64  `json:"page_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	UpdatedAt string `json:"updated_at"`
}

// File is a stored file. The download URL is pre-signed and must not be
// logged.
type File struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	UpdatedAt   string `json:"updated_at"`
	ModifiedAt  string `json:"modified_at"`
	// The API really does use a hyphen here.
	ContentType string `json:"content-type"`
}

// ExternalTool is a course navigation tool, used to find the recordings tab.
type ExternalTool struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}
