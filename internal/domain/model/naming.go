package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxFileNameBytes leaves headroom under the 255-byte limit of ext4/NTFS.
const MaxFileNameBytes = 240

var (
	unsafeFileChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	runsOfSpace     = regexp.MustCompile(`\s+`)
)

// SanitizeFileName strips characters most filesystems reject and collapses
// whitespace. An empty result becomes "clip".
func SanitizeFileName(name string) string {
	s := unsafeFileChars.ReplaceAllString(name, "")
	s = strings.TrimSpace(runsOfSpace.ReplaceAllString(s, " "))
	if s == "" {
		return "clip"
	}
	return s
}

// SafeFileName joins base and suffix, truncating base on a rune boundary so
// the result fits in maxBytes.
func SafeFileName(base, suffix string, maxBytes int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "clip"
	}
	suffix = strings.TrimSpace(suffix)
	if len(base)+len(suffix) <= maxBytes {
		return base + suffix
	}

	budget := maxBytes - len(suffix)
	consumed := 0
	var b strings.Builder
	for _, r := range base {
		n := utf8.RuneLen(r)
		if n < 0 {
			n = len(string(utf8.RuneError))
		}
		if consumed+n > budget {
			break
		}
		b.WriteRune(r)
		consumed += n
	}
	safe := strings.TrimRight(b.String(), " ")
	if safe == "" {
		safe = "clip"
	}
	return safe + suffix
}

// ClipFileName is the local file name of clip index.
func ClipFileName(index int) string { return fmt.Sprintf("clip_%03d.mp4", index) }

// CandidatesFileName holds the merged clip spans in clip order.
const CandidatesFileName = "clip_candidates.json"

// HookFileName and ReactionFileName name the per-clip sidecars written
// next to the clip files.
func HookFileName(index int) string     { return fmt.Sprintf("clip_%03d_hooks.json", index) }
func ReactionFileName(index int) string { return fmt.Sprintf("clip_%03d_reactions.json", index) }

// PropsFileName names the render props of clip index.
func PropsFileName(index int) string { return fmt.Sprintf("clip_%03d.json", index) }

var clipFilePattern = regexp.MustCompile(`^clip_(\d+)\.mp4$`)

// ParseClipFileName is the inverse of ClipFileName.
func ParseClipFileName(name string) (int, bool) {
	m := clipFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ClipRemoteName is the delivered file name of clip index for a source title.
func ClipRemoteName(sourceTitle string, index int) string {
	return SafeFileName(SanitizeFileName(sourceTitle), fmt.Sprintf("_clip_%03d.mp4", index), MaxFileNameBytes)
}
