// name.go validates the user-supplied identifiers that become Kubernetes
// object and namespace names: usernames and sandbox names must be DNS labels
// because they are embedded verbatim in namespace and resource names.
package validation

import (
	"fmt"
	"regexp"
)

// maxDNSLabelLength is the RFC 1123 limit for a single DNS label.
const maxDNSLabelLength = 63

var dnsLabelPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// imageRefPattern is a permissive check for container image references:
// registry host, repository path, and an optional tag or digest. It rejects
// whitespace and shell metacharacters without re-implementing the full OCI
// reference grammar.
var imageRefPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@-]*$`)

// ValidateDNSLabel validates that name is a lowercase RFC 1123 DNS label:
// alphanumerics and hyphens, starting and ending with an alphanumeric,
// at most 63 characters.
func ValidateDNSLabel(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > maxDNSLabelLength {
		return fmt.Errorf("name must be at most %d characters, got %d", maxDNSLabelLength, len(name))
	}
	if !dnsLabelPattern.MatchString(name) {
		return fmt.Errorf("name must consist of lowercase alphanumeric characters or '-', and must start and end with an alphanumeric character")
	}
	return nil
}

// ValidateImageRef validates a container image reference. An empty string is
// valid — it means "use the configured default image".
func ValidateImageRef(image string) error {
	if image == "" {
		return nil
	}
	if len(image) > 255 {
		return fmt.Errorf("image reference must be at most 255 characters")
	}
	if !imageRefPattern.MatchString(image) {
		return fmt.Errorf("invalid image reference: %s", image)
	}
	return nil
}
