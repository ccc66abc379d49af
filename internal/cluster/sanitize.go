package cluster

import "regexp"

// safeToken keeps the character classes considered safe for manifest
// interpolation: alphanumeric, dash, dot, underscore, and slash.
// Anything else is dropped before a value is placed inside a container
// command or used as an object name in a manifest, to prevent manifest
// injection through a crafted bucket name or job name.
var safeToken = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// sanitize strips characters outside the safe set from s. It is applied to
// the job name, bucket name, object keys and mount paths interpolated into
// the shell commands embedded in a Job manifest, and to Job/PVC object
// names. The docker image and environment variable values are placed in
// their typed manifest fields as given, without sanitization; environment
// variable keys are mapped to [A-Za-z0-9_] by sanitizeEnvKey.
func sanitize(s string) string {
	return safeToken.ReplaceAllString(s, "")
}

// dns1123Label matches a valid Kubernetes DNS-1123 label.
var dns1123Label = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidDNS1123Label reports whether name is usable as a Kubernetes object name.
func ValidDNS1123Label(name string) bool {
	return len(name) > 0 && len(name) <= 63 && dns1123Label.MatchString(name)
}
