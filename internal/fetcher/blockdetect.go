package fetcher

import (
	"fmt"
	"net/http"
	"strings"
)

// BlockType identifies the kind of bot protection a response carries.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockForbidden  BlockType = "forbidden"
)

// BlockedError is returned when a listing site serves a bot-protection page
// instead of content.
type BlockedError struct {
	URL        string
	Type       BlockType
	StatusCode int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: blocked by %s (status %d)", e.URL, e.Type, e.StatusCode)
}

// DetectBlock inspects a response and its body for bot-protection markers.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" ||
			strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return true, BlockCloudflare
	}

	// Zillow and Craigslist both front with PerimeterX/hCaptcha style walls.
	for _, marker := range []string{"captcha", "px-captcha", "press & hold", "are you a human"} {
		if strings.Contains(lower, marker) {
			return true, BlockCaptcha
		}
	}

	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	if resp.StatusCode == http.StatusForbidden && strings.Contains(lower, "access denied") {
		return true, BlockForbidden
	}

	return false, BlockNone
}
