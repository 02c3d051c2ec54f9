package scope

import (
	"path/filepath"
	"regexp"
	"strings"
)

// filenameRegexes matches credential-bearing filenames (spec.md §4.3).
var filenameRegexes = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.env(\..+)?$`),
	regexp.MustCompile(`\.pem$`),
	regexp.MustCompile(`\.key$`),
	regexp.MustCompile(`(?i)credentials`),
	regexp.MustCompile(`(?i)secret`),
}

// contentRegexes matches credential shapes appearing in file content.
var contentRegexes = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                                // AWS access key
	regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |)PRIVATE KEY-----`), // PEM header
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),                      // GitHub token
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                             // OpenAI-shaped token
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),                    // Slack token
	regexp.MustCompile(`(?i)[a-z]+://[^:\s/]+:[^@\s/]+@`),                 // DB URI with user:pass
	regexp.MustCompile(`(?i)(password|secret|api_key|token|auth|credentials?)\s*(:|=)\s*["']([^"'\s]{8,})["']`),
}

var placeholderMarkers = regexp.MustCompile(`(?i)test|mock|example|fixture`)

// HasCredentialFilename reports whether path's filename matches a
// credential-bearing naming pattern.
func HasCredentialFilename(path string) bool {
	base := filepath.Base(path)
	for _, re := range filenameRegexes {
		if re.MatchString(base) || re.MatchString(path) {
			return true
		}
	}
	return false
}

// HasCredentialContent reports whether content matches a credential-shape
// regex whose captured value isn't an obvious placeholder.
func HasCredentialContent(content string) bool {
	for _, re := range contentRegexes {
		matches := re.FindAllStringSubmatch(content, -1)
		for _, m := range matches {
			value := m[len(m)-1]
			if placeholderMarkers.MatchString(value) {
				continue
			}
			return true
		}
	}
	return false
}

// IsCredentialPath reports whether path itself (by name) or its content
// should be treated as a credential and therefore hard-denied regardless of
// allow-list.
func IsCredentialPath(path, content string) bool {
	if HasCredentialFilename(path) {
		return true
	}
	if strings.TrimSpace(content) != "" && HasCredentialContent(content) {
		return true
	}
	return false
}
