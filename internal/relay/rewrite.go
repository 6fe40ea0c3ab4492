// Package relay proxies HLS manifests and media segments from origin storage
// to players, rewriting manifest entries so every fetch comes back through
// the relay with the credential attached server side.
package relay

import (
	"strings"
)

// RewriteManifest rewrites an HLS manifest so media and sub-manifest entries
// point at the relay instead of origin storage. segmentURL maps an origin
// filename to its relay URL. Comment and directive lines pass through
// untouched, and line count and order are preserved so the manifest stays
// spec-valid for players.
func RewriteManifest(manifest string, segmentURL func(filename string) string) string {
	lines := strings.Split(manifest, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if isMediaEntry(trimmed) {
			lines[i] = segmentURL(trimmed)
		}
	}
	return strings.Join(lines, "\n")
}

// isMediaEntry reports whether a non-comment manifest line names a transport
// stream segment or a nested playlist.
func isMediaEntry(line string) bool {
	// Strip any query string before checking the extension.
	if idx := strings.IndexByte(line, '?'); idx >= 0 {
		line = line[:idx]
	}
	return strings.HasSuffix(line, ".ts") || strings.HasSuffix(line, ".m3u8")
}
