package catalog

import (
	"net/url"
	"path"
	"strings"
	"time"

	"stevedore/internal/origin"
)

// NormalizeVideo converts an origin video into a catalog entry. The HLS asset
// location is not exposed by the origin API directly; it is derived from the
// poster URL, whose directory is the video's asset directory on storage.
func NormalizeVideo(raw origin.RawVideo, folderID string) Video {
	if folderID == "" {
		folderID = raw.FolderID
	}

	v := Video{
		ID:          raw.ID,
		Title:       raw.Title,
		Description: raw.Description,
		Duration:    raw.Duration,
		Thumbnail:   raw.Thumbnail,
		Poster:      raw.Poster,
		Views:       raw.Views,
		SizeBytes:   raw.Size,
		FolderID:    folderID,
		Tags:        raw.Tags,
	}
	if !raw.CreatedAt.IsZero() {
		created := raw.CreatedAt
		v.CreatedAt = &created
	}
	if !raw.UpdatedAt.IsZero() {
		updated := raw.UpdatedAt
		v.UpdatedAt = &updated
	}

	v.AssetBaseURL, v.AssetPath = deriveAssetLocation(raw.Poster)
	return v
}

// NormalizeFolder converts an origin folder into a catalog entry.
func NormalizeFolder(raw origin.RawFolder) Folder {
	return Folder{
		ID:          raw.ID,
		Name:        raw.Name,
		Description: raw.Description,
		VideoCount:  raw.VideoCount,
	}
}

// deriveAssetLocation strips the trailing image filename from a poster URL,
// leaving the storage host and the asset directory. Returns empty strings
// when the poster is missing or does not end in a filename, which marks the
// video unstreamable rather than failing the whole refresh.
func deriveAssetLocation(poster string) (baseURL, assetPath string) {
	if poster == "" {
		return "", ""
	}
	u, err := url.Parse(poster)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ""
	}

	last := path.Base(u.Path)
	if last == "/" || last == "." || !strings.Contains(last, ".") {
		return "", ""
	}

	dir := path.Dir(u.Path)
	if dir == "/" || dir == "." {
		return "", ""
	}

	return u.Scheme + "://" + u.Host, dir
}

// snapshotFromParts assembles a snapshot in folder order so two refreshes of
// identical origin data produce identical snapshots.
func snapshotFromParts(folders []Folder, videosByFolder [][]Video, folderErrors map[string]string) *Snapshot {
	snap := &Snapshot{
		Folders:   folders,
		Timestamp: time.Now().UTC(),
	}
	for _, videos := range videosByFolder {
		snap.Videos = append(snap.Videos, videos...)
	}
	snap.Total = len(snap.Videos)
	if len(folderErrors) > 0 {
		snap.FolderErrors = folderErrors
	}
	return snap
}
