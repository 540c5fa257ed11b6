// Package canvas is the LMS REST API client: course, module, assignment,
// page, and file listing with transparent Link-header pagination.
package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"lmsync/http"
)

// perPage is the page size requested on every list call. The server may
// return fewer; pagination always follows the Link header rather than
// counting.
const perPage = 100

// Client calls the LMS REST API. All requests go through the shared HTTP
// client, so they are rate limited and retried with everything else.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient creates an API client for the LMS at baseURL.
func NewClient(hc *http.Client, baseURL, token string) *Client {
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.token,
		"Accept":        "application/json",
	}
}

// apiURL builds an absolute API URL from a path and query values.
func (c *Client) apiURL(path string, query url.Values) string {
	u := c.baseURL + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// getJSON fetches a single resource and decodes it.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	resp, err := c.http.Get(ctx, u, c.authHeaders())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}

// paginate fetches every page of a collection, following rel="next" links
// until the server stops providing one. The callback receives each page's
// raw body.
func (c *Client) paginate(ctx context.Context, first string, page func(body []byte) error) error {
	next := first
	for next != "" {
		resp, err := c.http.Get(ctx, next, c.authHeaders())
		if err != nil {
			return err
		}
		if err := page(resp.Body); err != nil {
			return err
		}
		next = http.NextPageURL(resp.Header)
	}
	return nil
}

// ListCourses returns all actively enrolled courses.
func (c *Client) ListCourses(ctx context.Context) ([]Course, error) {
	q := url.Values{}
	q.Set("enrollment_state", "active")
	q.Set("per_page", fmt.Sprint(perPage))

	var courses []Course
	err := c.paginate(ctx, c.apiURL("/courses", q), func(body []byte) error {
		var page []Course
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decode courses page: %w", err)
		}
		courses = append(courses, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return courses, nil
}

// ListModules returns a course's modules with their items included.
func (c *Client) ListModules(ctx context.Context, courseID int64) ([]Module, error) {
	q := url.Values{}
	q.Set("include[]", "items")
	q.Set("per_page", fmt.Sprint(perPage))

	var modules []Module
	err := c.paginate(ctx, c.apiURL(fmt.Sprintf("/courses/%d/modules", courseID), q), func(body []byte) error {
		var page []Module
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decode modules page: %w", err)
		}
		modules = append(modules, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modules, nil
}

// ListAssignments returns a course's assignments.
func (c *Client) ListAssignments(ctx context.Context, courseID int64) ([]Assignment, error) {
	q := url.Values{}
	q.Set("per_page", fmt.Sprint(perPage))

	var assignments []Assignment
	err := c.paginate(ctx, c.apiURL(fmt.Sprintf("/courses/%d/assignments", courseID), q), func(body []byte) error {
		var page []Assignment
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decode assignments page: %w", err)
		}
		assignments = append(assignments, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

// ListExternalTools returns a course's external tools.
func (c *Client) ListExternalTools(ctx context.Context, courseID int64) ([]ExternalTool, error) {
	q := url.Values{}
	q.Set("per_page", fmt.Sprint(perPage))

	var tools []ExternalTool
	err := c.paginate(ctx, c.apiURL(fmt.Sprintf("/courses/%d/external_tools", courseID), q), func(body []byte) error {
		var page []ExternalTool
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decode external tools page: %w", err)
		}
		tools = append(tools, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// FindRecordingsTool locates a course's conferencing tool by name. Used
// when the configuration doesn't pin the tool id.
func (c *Client) FindRecordingsTool(ctx context.Context, courseID int64) (*ExternalTool, error) {
	tools, err := c.ListExternalTools(ctx, courseID)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if strings.Contains(strings.ToLower(tools[i].Name), "zoom") {
			return &tools[i], nil
		}
	}
	return nil, fmt.Errorf("no conferencing tool among %d external tools of course %d", len(tools), courseID)
}

// GetPage fetches one wiki page by its URL slug, body included.
func (c *Client) GetPage(ctx context.Context, courseID int64, slug string) (*Page, error) {
	page := &Page{}
	u := c.apiURL(fmt.Sprintf("/courses/%d/pages/%s", courseID, url.PathEscape(slug)), nil)
	if err := c.getJSON(ctx, u, page); err != nil {
		return nil, err
	}
	return page, nil
}

// GetFile fetches one file's metadata, including its signed download URL.
func (c *Client) GetFile(ctx context.Context, fileID int64) (*File, error) {
	f := &File{}
	if err := c.getJSON(ctx, c.apiURL(fmt.Sprintf("/files/%d", fileID), nil), f); err != nil {
		return nil, err
	}
	return f, nil
}

// ToolLaunchURL is the course page that launches an external tool in the
// browser. Recording capture navigates here rather than to the tool's own
// URL so the LMS performs the LTI handshake.
func (c *Client) ToolLaunchURL(courseID, toolID int64) string {
	return fmt.Sprintf("%s/courses/%d/external_tools/%d", c.baseURL, courseID, toolID)
}
