package origin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RawFolder is a folder as the origin returns it.
type RawFolder struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	VideoCount  int       `json:"videoCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RawVideo is a video as the origin returns it, before normalization.
type RawVideo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Duration    int64     `json:"duration"`
	Thumbnail   string    `json:"thumbnail"`
	Poster      string    `json:"poster"`
	Views       int64     `json:"views"`
	Size        int64     `json:"size"`
	FolderID    string    `json:"folderId"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// VideoPage is one page of a folder listing. The origin is inconsistent about
// the shape: some deployments wrap the items in a pagination envelope, others
// return a bare JSON array with no paging metadata.
type VideoPage struct {
	Videos      []RawVideo
	CurrentPage int
	MaxPage     int
	Total       int
}

type pageEnvelope struct {
	Data        []RawVideo `json:"data"`
	CurrentPage int        `json:"currentPage"`
	MaxPage     int        `json:"maxPage"`
	Total       int        `json:"total"`
}

// parseVideoPage decodes either listing shape into a VideoPage.
func parseVideoPage(body []byte) (*VideoPage, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var videos []RawVideo
		if err := json.Unmarshal(body, &videos); err != nil {
			return nil, fmt.Errorf("decode video array: %w", err)
		}
		return &VideoPage{Videos: videos}, nil
	}

	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode video page envelope: %w", err)
	}
	return &VideoPage{
		Videos:      env.Data,
		CurrentPage: env.CurrentPage,
		MaxPage:     env.MaxPage,
		Total:       env.Total,
	}, nil
}
