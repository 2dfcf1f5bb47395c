package poll

import (
	"net/http"
	"regexp"
	"strings"
)

var majorVersion = regexp.MustCompile(`(Chrome|Edg)/(\d+)`)

// APIHeaders returns the browser-like header set sent with catalog API
// requests: fetch metadata, origin/referer and client hints derived from ua.
func APIHeaders(ua, origin, referer, csrf string) http.Header {
	if referer == "" {
		referer = origin + "/catalog"
	}
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "cs-CZ,cs;q=0.9,en;q=0.8,sk;q=0.7,pl;q=0.6,de;q=0.5")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Origin", origin)
	h.Set("Referer", referer)
	if csrf != "" {
		h.Set("X-CSRF-Token", csrf)
	}

	if brands := clientHintBrands(ua); brands != "" {
		h.Set("Sec-CH-UA", brands)
	}
	platform, mobile := clientHintPlatform(ua)
	h.Set("Sec-CH-UA-Mobile", mobile)
	h.Set("Sec-CH-UA-Platform", platform)
	return h
}

// clientHintBrands builds Sec-CH-UA for Chromium-based agents only.
func clientHintBrands(ua string) string {
	if !strings.Contains(ua, "Chrome/") && !strings.Contains(ua, "Edg/") {
		return ""
	}
	m := majorVersion.FindStringSubmatch(ua)
	if m == nil {
		return ""
	}
	v := m[2]
	browser := "Google Chrome"
	if strings.Contains(ua, "Edg/") {
		browser = "Microsoft Edge"
	}
	return `"Not_A Brand";v="8", "Chromium";v="` + v + `", "` + browser + `";v="` + v + `"`
}

func clientHintPlatform(ua string) (platform, mobile string) {
	switch {
	case strings.Contains(ua, "Windows"):
		return `"Windows"`, "?0"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X") && !strings.Contains(ua, "iPhone") && !strings.Contains(ua, "iPad"):
		return `"macOS"`, "?0"
	case strings.Contains(ua, "Android"):
		return `"Android"`, "?1"
	case strings.Contains(ua, "Linux"):
		return `"Linux"`, "?0"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return `"iOS"`, "?1"
	default:
		return `"Unknown"`, "?0"
	}
}
