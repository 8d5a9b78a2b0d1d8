package crawler

import "strings"

// Hosts known to serve documentation through client-side rendering. A
// leading "*." matches the bare domain and any subdomain.
var jsHeavyDomains = []string{
	"*.gitbook.io",
	"*.zendesk.com",
	"*.freshdesk.com",
	"*.intercom.help",
	"*.helpscoutdocs.com",
	"*.helpjuice.com",
	"*.document360.io",
	"*.readme.io",
	"*.notion.site",
	"*.slite.com",
	"*.archbee.io",
	"*.mintlify.app",
	"*.docusaurus.io",
	"help-center.talenta.co",
}

// IsJSHeavyHost reports whether a host matches a known JS-heavy
// documentation platform, which selects the browser fetcher from the start.
func IsJSHeavyHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}

	for _, pattern := range jsHeavyDomains {
		if matchesDomainPattern(host, pattern) {
			return true
		}
	}

	return false
}

func matchesDomainPattern(host, pattern string) bool {
	if strings.HasPrefix(pattern, "*.") {
		base := strings.TrimPrefix(pattern, "*.")
		return host == base || strings.HasSuffix(host, "."+base)
	}
	return host == pattern
}
