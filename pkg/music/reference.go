package music

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	youtubeHosts   = map[string]bool{
		"youtube.com":       true,
		"www.youtube.com":   true,
		"m.youtube.com":     true,
		"music.youtube.com": true,
	}
)

// IsURL checks if a string appears to be a URL rather than a search query
func IsURL(str string) bool {
	return strings.HasPrefix(str, "http://") || strings.HasPrefix(str, "https://") ||
		strings.HasPrefix(str, "www.") || strings.Contains(str, "youtube.com") ||
		strings.Contains(str, "youtu.be")
}

// VideoID extracts the video ID from an accepted reference shape, or returns
// "" if the reference does not match any of them.
//
// Accepted shapes: bare 11-character IDs, youtube.com/watch?v=ID,
// youtube.com/shorts/ID, youtube.com/embed/ID and youtu.be/ID.
func VideoID(ref string) string {
	ref = strings.TrimSpace(ref)
	if videoIDPattern.MatchString(ref) {
		return ref
	}
	if strings.HasPrefix(ref, "www.") {
		ref = "https://" + ref
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	host := strings.ToLower(u.Host)

	var id string
	switch {
	case host == "youtu.be":
		id = strings.Trim(u.Path, "/")
	case youtubeHosts[host]:
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		}
		id = strings.Trim(id, "/")
	}

	if !videoIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// ValidateReference rejects references outside the allow-list without any
// network access.
func ValidateReference(ref string) error {
	if VideoID(ref) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return nil
}

// WatchURL returns the canonical watch URL for a video ID.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// ThumbnailURL generates a thumbnail URL from a video ID
func ThumbnailURL(videoID string) string {
	if videoID == "" {
		return ""
	}
	return fmt.Sprintf("https://img.youtube.com/vi/%s/hqdefault.jpg", videoID)
}
