package tracking

import (
	"strings"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

// Ordered: mobile keywords are checked before tablet keywords, and
// anything unmatched classifies as desktop.
var mobileKeywords = []string{"mobile", "android", "iphone", "ipod", "blackberry", "iemobile", "opera mini"}
var tabletKeywords = []string{"tablet", "ipad"}

// ParseUserAgent classifies a user agent into device type, OS and
// browser using ordered substring rules. No UA parsing library is used;
// mail clients send a narrow set of agents and coarse buckets are all
// the analytics need.
func ParseUserAgent(ua string) domain.DeviceInfo {
	lower := strings.ToLower(ua)

	return domain.DeviceInfo{
		Type:    deviceType(lower),
		OS:      deviceOS(lower),
		Browser: deviceBrowser(lower),
	}
}

func deviceType(lower string) string {
	for _, kw := range mobileKeywords {
		if strings.Contains(lower, kw) {
			return "mobile"
		}
	}
	for _, kw := range tabletKeywords {
		if strings.Contains(lower, kw) {
			return "tablet"
		}
	}
	return "desktop"
}

func deviceOS(lower string) string {
	switch {
	case strings.Contains(lower, "windows"):
		return "Windows"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"),
		strings.Contains(lower, "ipod"):
		return "iOS"
	case strings.Contains(lower, "android"):
		return "Android"
	case strings.Contains(lower, "macintosh"), strings.Contains(lower, "mac os x"):
		return "macOS"
	case strings.Contains(lower, "linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}

func deviceBrowser(lower string) string {
	// Order matters: Chrome UAs contain "safari", Edge UAs contain
	// "chrome", Opera UAs contain both.
	switch {
	case strings.Contains(lower, "edg/"):
		return withVersion("Edge", lower, "edg/")
	case strings.Contains(lower, "opr/"):
		return withVersion("Opera", lower, "opr/")
	case strings.Contains(lower, "opera"):
		return "Opera"
	case strings.Contains(lower, "firefox/"):
		return withVersion("Firefox", lower, "firefox/")
	case strings.Contains(lower, "chrome/"):
		return withVersion("Chrome", lower, "chrome/")
	case strings.Contains(lower, "safari/"):
		if strings.Contains(lower, "version/") {
			return withVersion("Safari", lower, "version/")
		}
		return "Safari"
	default:
		return "Unknown"
	}
}

func withVersion(name, lower, token string) string {
	idx := strings.Index(lower, token)
	if idx < 0 {
		return name
	}
	rest := lower[idx+len(token):]
	end := 0
	for end < len(rest) && (rest[end] >= '0' && rest[end] <= '9' || rest[end] == '.') {
		end++
	}
	if end == 0 {
		return name
	}
	// Major.minor is enough for analytics buckets
	version := rest[:end]
	if dot := strings.Index(version, "."); dot > 0 {
		if second := strings.Index(version[dot+1:], "."); second > 0 {
			version = version[:dot+1+second]
		}
	}
	return name + " " + version
}
