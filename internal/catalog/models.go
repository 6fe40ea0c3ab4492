// Package catalog holds the synchronized video catalog: normalized models,
// the dual-tier snapshot store, the fan-out refresher and its scheduler, and
// read-side filtering over snapshots.
package catalog

import (
	"time"
)

// Video is a normalized catalog entry. AssetBaseURL and AssetPath locate the
// video's HLS directory on origin storage; when AssetPath is empty the video
// cannot be streamed through the relay.
type Video struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Duration     int64      `json:"duration"`
	Thumbnail    string     `json:"thumbnail,omitempty"`
	Poster       string     `json:"poster,omitempty"`
	AssetBaseURL string     `json:"assetBaseUrl,omitempty"`
	AssetPath    string     `json:"assetPath,omitempty"`
	Views        int64      `json:"views"`
	SizeBytes    int64      `json:"sizeBytes,omitempty"`
	FolderID     string     `json:"folderId"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

// Streamable reports whether the relay can serve this video.
func (v Video) Streamable() bool {
	return v.AssetBaseURL != "" && v.AssetPath != ""
}

// Folder is a normalized origin folder.
type Folder struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	VideoCount  int    `json:"videoCount"`
}

// Snapshot is one complete, immutable view of the catalog. Readers always see
// either the previous snapshot or this one, never a mix.
type Snapshot struct {
	Videos       []Video           `json:"videos"`
	Folders      []Folder          `json:"folders"`
	Total        int               `json:"total"`
	Timestamp    time.Time         `json:"timestamp"`
	FolderErrors map[string]string `json:"folderErrors,omitempty"`
}

// SameContent reports whether two snapshots carry the same catalog data,
// ignoring when they were taken. Used to detect no-op refreshes.
func (s *Snapshot) SameContent(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Total != other.Total ||
		len(s.Videos) != len(other.Videos) ||
		len(s.Folders) != len(other.Folders) {
		return false
	}
	for i := range s.Folders {
		if s.Folders[i] != other.Folders[i] {
			return false
		}
	}
	for i := range s.Videos {
		if !videosEqual(s.Videos[i], other.Videos[i]) {
			return false
		}
	}
	return true
}

func videosEqual(a, b Video) bool {
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.Duration == b.Duration &&
		a.Thumbnail == b.Thumbnail &&
		a.Poster == b.Poster &&
		a.AssetBaseURL == b.AssetBaseURL &&
		a.AssetPath == b.AssetPath &&
		a.Views == b.Views &&
		a.SizeBytes == b.SizeBytes &&
		a.FolderID == b.FolderID
}

// VideoByID returns the snapshot entry for id.
func (s *Snapshot) VideoByID(id string) (Video, bool) {
	if s == nil {
		return Video{}, false
	}
	for _, v := range s.Videos {
		if v.ID == id {
			return v, true
		}
	}
	return Video{}, false
}

// RefreshStatus describes the synchronization loop for the status endpoint.
type RefreshStatus struct {
	SchedulerRunning bool       `json:"schedulerRunning"`
	Refreshing       bool       `json:"refreshing"`
	LastAttempt      *time.Time `json:"lastAttempt,omitempty"`
	LastSuccess      *time.Time `json:"lastSuccess,omitempty"`
	NextRefreshIn    string     `json:"nextRefreshIn,omitempty"`
	IntervalSeconds  int        `json:"intervalSeconds"`
}
