package crawler

import "testing"

func TestIsJSHeavyHost(t *testing.T) {
	tests := []struct {
		host     string
		expected bool
	}{
		{"acme.gitbook.io", true},
		{"gitbook.io", true},
		{"support.zendesk.com", true},
		{"company.intercom.help", true},
		{"docs.readme.io", true},
		{"team.notion.site", true},
		{"help-center.talenta.co", true},
		{"ACME.GitBook.IO", true},
		{"  acme.gitbook.io  ", true},
		{"docs.example.com", false},
		{"notgitbook.io", false},
		{"gitbook.io.example.com", false},
		{"talenta.co", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsJSHeavyHost(tt.host); got != tt.expected {
			t.Errorf("IsJSHeavyHost(%q) = %v, want %v", tt.host, got, tt.expected)
		}
	}
}

func TestMatchesDomainPattern(t *testing.T) {
	if !matchesDomainPattern("a.b.gitbook.io", "*.gitbook.io") {
		t.Error("Wildcard should match nested subdomains")
	}
	if matchesDomainPattern("evilgitbook.io", "*.gitbook.io") {
		t.Error("Wildcard must not match suffix without a dot boundary")
	}
	if !matchesDomainPattern("help-center.talenta.co", "help-center.talenta.co") {
		t.Error("Exact pattern should match exact host")
	}
}
