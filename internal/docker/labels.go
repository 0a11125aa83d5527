package docker

import (
	"regexp"
	"strings"
	"time"
)

// Policy represents a container's update policy.
type Policy string

const (
	PolicyAuto   Policy = "auto"
	PolicyManual Policy = "manual"
	PolicyPinned Policy = "pinned"
)

// SemverScope bounds how far a version bump may jump when selecting an
// update target from newer semver tags.
type SemverScope string

const (
	ScopeDefault SemverScope = ""      // no restriction configured
	ScopePatch   SemverScope = "patch" // x.y.Z only
	ScopeMinor   SemverScope = "minor" // x.Y.z
	ScopeMajor   SemverScope = "major" // any newer version
)

// ContainerPolicy reads the sentinel.policy label from container labels
// and returns the update policy plus whether it came from an explicit
// label. Falls back to defaultPolicy when the label is absent or invalid.
func ContainerPolicy(labels map[string]string, defaultPolicy string) (Policy, bool) {
	if v, ok := labels["sentinel.policy"]; ok {
		switch Policy(strings.ToLower(v)) {
		case PolicyAuto:
			return PolicyAuto, true
		case PolicyManual:
			return PolicyManual, true
		case PolicyPinned:
			return PolicyPinned, true
		}
	}
	return Policy(defaultPolicy), false
}

// ContainerSemverScope reads the sentinel.semver label. "all" is accepted
// as an alias for major; anything unrecognised means no restriction.
func ContainerSemverScope(labels map[string]string) SemverScope {
	switch strings.ToLower(labels["sentinel.semver"]) {
	case "patch":
		return ScopePatch
	case "minor":
		return ScopeMinor
	case "major", "all":
		return ScopeMajor
	}
	return ScopeDefault
}

// ContainerTagFilters compiles the sentinel.tags.include and
// sentinel.tags.exclude label regexes. An absent or invalid pattern yields
// nil for that side, which callers treat as "no filter".
func ContainerTagFilters(labels map[string]string) (include, exclude *regexp.Regexp) {
	if v := labels["sentinel.tags.include"]; v != "" {
		if re, err := regexp.Compile(v); err == nil {
			include = re
		}
	}
	if v := labels["sentinel.tags.exclude"]; v != "" {
		if re, err := regexp.Compile(v); err == nil {
			exclude = re
		}
	}
	return include, exclude
}

// ContainerUpdateDelay reads the sentinel.delay label as a Go duration
// ("48h", "30m"). Returns 0 when unset or unparsable.
func ContainerUpdateDelay(labels map[string]string) time.Duration {
	v := labels["sentinel.delay"]
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ContainerNotifySnooze reads the sentinel.notify.snooze label as a Go
// duration. Returns 0 when unset or unparsable.
func ContainerNotifySnooze(labels map[string]string) time.Duration {
	v := labels["sentinel.notify.snooze"]
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// IsLocalImage returns true if the image reference looks like a locally built
// image that has no registry to check against. Only returns true for images
// with no dots AND no slashes — these are bare names like "myapp:v1" that
// can't be resolved via a registry. Docker Hub images like "nginx:latest"
// or "library/nginx" are NOT considered local — they should go through
// the registry check (DistributionInspect handles auth failures gracefully).
func IsLocalImage(imageRef string) bool {
	// Strip tag/digest for analysis.
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}

	// If there's a slash, it could be a Docker Hub org image (gitea/gitea)
	// or a registry (ghcr.io/owner/image). Either way, not local.
	if strings.Contains(ref, "/") {
		return false
	}

	// If there's a dot, it's a registry hostname. Not local.
	if strings.Contains(ref, ".") {
		return false
	}

	// Bare single-segment names: official Docker Hub images like "nginx",
	// "postgres", "redis" are real registry images. But locally built images
	// like "myapp" also look like this. We can't distinguish them reliably,
	// so we DON'T mark them as local — let the registry check try and fail
	// gracefully for truly local images.
	return false
}
