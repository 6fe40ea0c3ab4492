package catalog

import (
	"strings"
)

// ListQuery filters and paginates a snapshot's video listing.
type ListQuery struct {
	Page     int
	Limit    int
	FolderID string
	Search   string
	Tags     []string
}

// PageResult is one page of a filtered listing.
type PageResult struct {
	Videos     []Video `json:"videos"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	Total      int     `json:"total"`
	TotalPages int     `json:"totalPages"`
}

// FilterVideos applies the query to the snapshot. Filtering happens entirely
// in process, so listing traffic never reaches the origin.
func (s *Snapshot) FilterVideos(q ListQuery) PageResult {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}

	var matched []Video
	search := strings.ToLower(strings.TrimSpace(q.Search))
	for _, v := range s.Videos {
		if q.FolderID != "" && v.FolderID != q.FolderID {
			continue
		}
		if search != "" && !matchesSearch(v, search) {
			continue
		}
		if len(q.Tags) > 0 && !hasAllTags(v, q.Tags) {
			continue
		}
		matched = append(matched, v)
	}

	total := len(matched)
	totalPages := (total + q.Limit - 1) / q.Limit
	if totalPages == 0 {
		totalPages = 1
	}

	start := (q.Page - 1) * q.Limit
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}

	page := matched[start:end]
	if page == nil {
		page = []Video{}
	}
	return PageResult{
		Videos:     page,
		Page:       q.Page,
		Limit:      q.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

func matchesSearch(v Video, search string) bool {
	return strings.Contains(strings.ToLower(v.Title), search) ||
		strings.Contains(strings.ToLower(v.Description), search)
}

func hasAllTags(v Video, wanted []string) bool {
	for _, w := range wanted {
		found := false
		for _, tag := range v.Tags {
			if strings.EqualFold(tag, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
