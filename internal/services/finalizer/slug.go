package finalizer

import (
	"fmt"
	"net/url"
	"strings"
)

// maxSlugLength caps the base slug; collision suffixes may push past it
const maxSlugLength = 80

// slugForURL derives the kb/ filename stem from a document's primary URL
// path: lowercased, runs of non-alphanumerics collapsed to single dashes,
// trimmed, capped. The root path becomes "index".
func slugForURL(rawURL string) string {
	path := ""
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	return slugForPath(path)
}

func slugForPath(path string) string {
	path = strings.ToLower(strings.Trim(path, "/"))
	if path == "" {
		return "index"
	}

	var b strings.Builder
	pendingDash := false
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}

	slug := b.String()
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "index"
	}
	return slug
}

// slugSet hands out unique slugs, suffixing collisions with -2, -3, ...
// in encounter order. Document order is deterministic, so a re-run of
// finalization reproduces the same filenames.
type slugSet struct {
	seen map[string]int
}

func newSlugSet() *slugSet {
	return &slugSet{seen: make(map[string]int)}
}

func (s *slugSet) claim(base string) string {
	n, taken := s.seen[base]
	if !taken {
		s.seen[base] = 1
		return base
	}

	for {
		n++
		candidate := fmt.Sprintf("%s-%d", base, n)
		if _, exists := s.seen[candidate]; !exists {
			s.seen[base] = n
			s.seen[candidate] = 1
			return candidate
		}
	}
}
