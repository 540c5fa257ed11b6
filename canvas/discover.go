package canvas

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"

	"lmsync/storage"
)

// Embedded references in page and assignment HTML. File links appear both
// as API URLs and as plain /files/ links; both carry the numeric id.
var (
	fileIDRe   = regexp.MustCompile(`(?:/api/v1)?/files/(\d+)`)
	pageSlugRe = regexp.MustCompile(`/courses/(\d+)/pages/([A-Za-z0-9_\-]+)`)
)

// PageRef is a link to a wiki page found in HTML content.
type PageRef struct {
	CourseID int64
	Slug     string
}

// ExtractFileIDs returns the ids of all files referenced by the HTML,
// deduplicated, in order of first appearance.
func ExtractFileIDs(html string) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, m := range fileIDRe.FindAllStringSubmatch(html, -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// ExtractPageRefs returns the wiki pages referenced by the HTML,
// deduplicated, in order of first appearance.
func ExtractPageRefs(html string) []PageRef {
	type key struct {
		course int64
		slug   string
	}
	seen := make(map[key]bool)
	var refs []PageRef
	for _, m := range pageSlugRe.FindAllStringSubmatch(html, -1) {
		courseID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		k := key{courseID, m[2]}
		if seen[k] {
			continue
		}
		seen[k] = true
		refs = append(refs, PageRef{CourseID: courseID, Slug: m[2]})
	}
	return refs
}

// HashContent returns the hex SHA-1 of rendered content, used as the change
// marker for pages and assignment descriptions which have no etag.
func HashContent(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}

// HasChanged reports whether an item needs re-downloading given its last
// recorded state and the markers the server reports now. Preference order:
// etag, then updated-at timestamp, then size. An item with no usable
// markers on either side is treated as changed.
func HasChanged(prev storage.ItemState, etag, updatedAt string, size int64) bool {
	if etag != "" && prev.ETag != "" {
		return etag != prev.ETag
	}
	if updatedAt != "" && prev.UpdatedAt != "" {
		if updatedAt != prev.UpdatedAt {
			return true
		}
		// Same timestamp but different size means the markers lie
		return size > 0 && prev.Size > 0 && size != prev.Size
	}
	if size > 0 && prev.Size > 0 {
		return size != prev.Size
	}
	return true
}
