package shoutcast

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// maxPlaylistSize bounds how much of a playlist response is read.
const maxPlaylistSize = 64 * 1024

var playlistContentTypes = []string{
	"audio/x-scpls",
	"application/pls+xml",
	"audio/mpegurl",
	"audio/x-mpegurl",
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
}

// isPlaylistResponse reports whether resp looks like a playlist rather than
// an audio stream. Responses carrying icy-metaint are always streams.
func isPlaylistResponse(resp *http.Response, url string) bool {
	if _, ok := parseMetaInt(resp.Header); ok {
		return false
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	for _, ct := range playlistContentTypes {
		if mediaType == ct {
			return true
		}
	}

	path := strings.ToLower(url)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, ext := range []string{".pls", ".m3u", ".m3u8"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}

	return false
}

// readPlaylist reads the start of a playlist body.
func readPlaylist(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxPlaylistSize))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read playlist")
	}
	return data, nil
}

// replayBody re-attaches already consumed bytes to the front of a body.
type replayBody struct {
	io.Reader
	io.Closer
}

func newReplayBody(prefix []byte, rc io.ReadCloser) io.ReadCloser {
	return replayBody{Reader: io.MultiReader(bytes.NewReader(prefix), rc), Closer: rc}
}

// ParsePlaylist returns the first stream URL of a PLS or M3U playlist.
func ParsePlaylist(content string) (string, error) {
	if strings.Contains(content, "[playlist]") || strings.Contains(content, "File1=") {
		return parsePLS(content)
	}
	return parseM3U(content)
}

// parsePLS returns the first FileN= entry.
func parsePLS(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "File") {
			continue
		}
		_, url, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if url = strings.TrimSpace(url); url != "" {
			return url, nil
		}
	}

	return "", errors.New("no stream URL found in PLS playlist")
}

// parseM3U returns the first http(s) line, skipping comments.
func parseM3U(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}

	return "", errors.New("no stream URL found in M3U playlist")
}
