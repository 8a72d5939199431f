package offline0

import (
	"regexp"
	"strings"
)

var (
	videoExtRe = regexp.MustCompile(`(?i)\.(mp4|webm|ogg|avi|mov)(\?.*)?$`)
	imageExtRe = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp)(\?.*)?$`)
)

// Patterns holds the substring fragments used by the dynamic classifiers.
type Patterns struct {
	VideoHosts          []string
	VideoPaths          []string
	LargeImagePaths     []string
	ThumbnailPaths      []string
	ThumbnailImageHints []string
}

func DefaultPatterns() Patterns {
	return Patterns{
		VideoHosts:          []string{"digitaloceanspaces.com"},
		VideoPaths:          []string{"/videos/", "video"},
		LargeImagePaths:     []string{"/images/players/", "/images/fitness/"},
		ThumbnailPaths:      []string{"/thumbnails/", "thumbnail"},
		ThumbnailImageHints: []string{"thumb", "preview"},
	}
}

// Manifest is the version-pinned list of install-time assets, by priority.
type Manifest struct {
	Critical []string
	High     []string
	Medium   []string
}

// InstallList returns every manifest file, critical first.
func (m Manifest) InstallList() []string {
	out := make([]string, 0, len(m.Critical)+len(m.High)+len(m.Medium))
	out = append(out, m.Critical...)
	out = append(out, m.High...)
	out = append(out, m.Medium...)
	return out
}

// Rule pairs a predicate with the category it assigns.
type Rule struct {
	Category Category
	Match    func(url string) bool
}

// Classifier maps URLs to categories. The first matching rule wins.
type Classifier struct {
	rules []Rule
}

func NewClassifier(m Manifest, p Patterns) *Classifier {
	video := func(url string) bool {
		if videoExtRe.MatchString(url) || containsAny(url, p.VideoHosts) || containsAny(url, p.VideoPaths) {
			return true
		}
		return imageExtRe.MatchString(url) && containsAny(url, p.LargeImagePaths)
	}
	thumb := func(url string) bool {
		if containsAny(url, p.ThumbnailPaths) {
			return true
		}
		return imageExtRe.MatchString(url) && containsAny(url, p.ThumbnailImageHints)
	}
	listed := func(files []string) func(string) bool {
		return func(url string) bool { return containsAny(url, files) }
	}

	return &Classifier{rules: []Rule{
		{Category: VideoOrLargeImage, Match: video},
		{Category: Thumbnail, Match: thumb},
		{Category: Critical, Match: listed(m.Critical)},
		{Category: High, Match: listed(m.High)},
		{Category: Medium, Match: listed(m.Medium)},
	}}
}

func (c *Classifier) Classify(url string) Category {
	for _, r := range c.rules {
		if r.Match(url) {
			return r.Category
		}
	}
	return Unclassified
}

// Rules returns the precedence list in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func containsAny(s string, frags []string) bool {
	for _, f := range frags {
		if f != "" && strings.Contains(s, f) {
			return true
		}
	}
	return false
}
