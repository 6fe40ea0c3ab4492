package relay

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proxyURL(filename string) string {
	return "/stream/vid-1/segment?path=" + filename
}

const mediaManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.000,
seg_0000.ts
#EXTINF:6.000,
seg_0001.ts
#EXTINF:4.500,
seg_0002.ts
#EXT-X-ENDLIST
`

func TestRewriteManifestMediaPlaylist(t *testing.T) {
	out := RewriteManifest(mediaManifest, proxyURL)

	assert.Contains(t, out, "/stream/vid-1/segment?path=seg_0000.ts")
	assert.Contains(t, out, "/stream/vid-1/segment?path=seg_0002.ts")
	assert.NotContains(t, out, "\nseg_0000.ts\n")

	// Directives are untouched and structure is intact.
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:6")
	assert.Equal(t, strings.Count(mediaManifest, "\n"), strings.Count(out, "\n"))
}

func TestRewriteManifestMasterPlaylist(t *testing.T) {
	master := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
360p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
720p.m3u8
`
	out := RewriteManifest(master, proxyURL)
	assert.Contains(t, out, "/stream/vid-1/segment?path=360p.m3u8")
	assert.Contains(t, out, "/stream/vid-1/segment?path=720p.m3u8")
}

func TestRewriteManifestPreservesLineOrder(t *testing.T) {
	out := RewriteManifest(mediaManifest, proxyURL)
	inLines := strings.Split(mediaManifest, "\n")
	outLines := strings.Split(out, "\n")
	require.Equal(t, len(inLines), len(outLines))

	for i := range inLines {
		if isMediaEntry(strings.TrimSpace(inLines[i])) {
			assert.Equal(t, proxyURL(strings.TrimSpace(inLines[i])), outLines[i])
		} else {
			assert.Equal(t, inLines[i], outLines[i])
		}
	}
}

func TestRewriteManifestIgnoresNonMediaLines(t *testing.T) {
	manifest := "#EXTM3U\n\nnotes.txt\n#comment mentioning seg_0001.ts\n"
	out := RewriteManifest(manifest, proxyURL)
	assert.Equal(t, manifest, out)
}

func TestRewriteManifestSegmentWithQuery(t *testing.T) {
	manifest := "#EXTM3U\nseg_0000.ts?token=abc\n"
	out := RewriteManifest(manifest, proxyURL)
	assert.Contains(t, out, "/stream/vid-1/segment?path=seg_0000.ts?token=abc")
}

func TestRewriteManifestLargePlaylist(t *testing.T) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "#EXTINF:6.000,\nseg_%04d.ts\n", i)
	}
	out := RewriteManifest(b.String(), proxyURL)
	assert.Equal(t, 500, strings.Count(out, "segment?path=seg_"))
}
