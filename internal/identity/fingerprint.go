// Package identity derives the anonymous widget visitor identity and
// classifies each widget load as a first or returning visit.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

const anonymousIDPrefix = "anon_"

// Fingerprint is the set of browser and environment attributes a visitor's
// anonymous id is derived from.
type Fingerprint struct {
	Host         string
	UserAgent    string
	Language     string
	ScreenWidth  int
	ScreenHeight int
	Timezone     string
}

// String joins the attributes in a fixed order.
func (f Fingerprint) String() string {
	return strings.Join([]string{
		f.Host,
		f.UserAgent,
		f.Language,
		fmt.Sprintf("%dx%d", f.ScreenWidth, f.ScreenHeight),
		f.Timezone,
	}, "|")
}

// AnonymousID hashes the fingerprint into an anonymous visitor id.
func (f Fingerprint) AnonymousID() string {
	return FingerprintHash(f.String())
}

// FingerprintHash is a stability heuristic, not an identity guarantee: it
// runs the 31-multiplier rolling hash over the UTF-16 code units of s with
// 32-bit signed overflow and returns the base-36 absolute value prefixed
// with "anon_". Two browsers may collide.
func FingerprintHash(s string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}

	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return anonymousIDPrefix + strconv.FormatInt(abs, 36)
}

// ParseScreen reads a "WxH" screen size. Malformed input yields zeros.
func ParseScreen(s string) (width, height int) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width < 0 || height < 0 {
		return 0, 0
	}
	return width, height
}
