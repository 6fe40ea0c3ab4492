package origin

import (
	"context"
	"fmt"
	"math"
	"time"
)

// FolderVideosResult is the outcome of crawling one folder. When a page fetch
// fails mid-crawl the videos collected so far are kept and PartialError
// records what went wrong.
type FolderVideosResult struct {
	Videos       []RawVideo
	PagesFetched int
	PartialError string
}

// FetchAllFolderVideos walks a folder's listing page by page until the last
// page is reached or the safety cap trips. Pages are fetched sequentially with
// a short pause between them so a crawl never bursts through the origin's
// request quota.
func (c *Client) FetchAllFolderVideos(ctx context.Context, folderID string) FolderVideosResult {
	var result FolderVideosResult
	maxPage := 0 // unknown until the first envelope arrives

	for page := 1; page <= c.cfg.MaxPages; page++ {
		vp, err := c.ListFolderVideos(ctx, folderID, page)
		if err != nil {
			result.PartialError = fmt.Sprintf("page %d: %v", page, err)
			c.logger.WithFields(logFields(folderID, page, err)).
				Warn("Folder crawl stopped early, keeping pages collected so far")
			return result
		}

		result.PagesFetched++
		result.Videos = append(result.Videos, vp.Videos...)

		if maxPage == 0 {
			maxPage = derivedMaxPage(vp, c.cfg.PageSize)
		}

		// An empty page always terminates, even when the envelope's
		// metadata claims more pages exist.
		if len(vp.Videos) == 0 {
			return result
		}
		if maxPage > 0 && page >= maxPage {
			return result
		}
		if page == c.cfg.MaxPages {
			c.logger.WithFields(map[string]interface{}{
				"folder_id": folderID,
				"max_pages": c.cfg.MaxPages,
			}).Warn("Folder crawl hit the page safety cap")
			return result
		}

		if err := sleepCtx(ctx, c.cfg.PageDelay); err != nil {
			result.PartialError = fmt.Sprintf("page %d: %v", page+1, err)
			return result
		}
	}

	return result
}

// derivedMaxPage works out the last page number from whatever paging metadata
// the envelope carried. Zero means unknown, so the crawl loops until an empty
// page or the safety cap.
func derivedMaxPage(vp *VideoPage, pageSize int) int {
	if vp.MaxPage > 0 {
		return vp.MaxPage
	}
	if vp.Total > 0 && pageSize > 0 {
		return int(math.Ceil(float64(vp.Total) / float64(pageSize)))
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logFields(folderID string, page int, err error) map[string]interface{} {
	return map[string]interface{}{
		"folder_id": folderID,
		"page":      page,
		"error":     err.Error(),
	}
}
