package registry

import (
	"context"
	"regexp"
	"strings"

	"github.com/Will-Luck/Docker-Sentinel/internal/docker"
	"github.com/Will-Luck/Docker-Sentinel/internal/logging"
)

// CheckResult holds the outcome of a registry digest check.
type CheckResult struct {
	ImageRef        string
	LocalDigest     string
	RemoteDigest    string
	UpdateAvailable bool
	IsLocal         bool
	Error           error

	// Populated by CheckVersioned/CheckVersionedWithDigest when the image
	// carries a semver tag: newer tags (newest first, already filtered by
	// scope and include/exclude patterns) and the versions the local and
	// remote digests were resolved to, when manifest probing found them.
	NewerVersions          []string
	ResolvedCurrentVersion string
	ResolvedTargetVersion  string
}

// Checker queries the Docker daemon and remote registry to determine
// whether an image has an update available.
type Checker struct {
	docker  docker.API
	log     *logging.Logger
	creds   CredentialStore   // optional: registry credentials for tag/manifest requests
	tracker *RateLimitTracker // optional: consulted before tag/manifest requests
}

// NewChecker creates a registry checker.
func NewChecker(d docker.API, log *logging.Logger) *Checker {
	return &Checker{docker: d, log: log}
}

// SetCredentialStore attaches a persistent credential source used to
// authenticate registry tag and manifest requests.
func (c *Checker) SetCredentialStore(cs CredentialStore) { c.creds = cs }

// CredentialStore returns the attached credential source, or nil.
func (c *Checker) CredentialStore() CredentialStore { return c.creds }

// SetRateLimitTracker attaches a rate limit tracker consulted before tag
// and manifest requests.
func (c *Checker) SetRateLimitTracker(t *RateLimitTracker) { c.tracker = t }

// Check compares the local digest of an image to the remote registry digest.
func (c *Checker) Check(ctx context.Context, imageRef string) CheckResult {
	result := CheckResult{ImageRef: imageRef}

	// Local/untagged images can't be checked against a registry.
	if docker.IsLocalImage(imageRef) {
		result.IsLocal = true
		return result
	}

	// Strip the tag if present to get just repo:tag for digest lookup.
	// If the ref already contains @sha256:, it's pinned by digest — skip.
	if strings.Contains(imageRef, "@sha256:") {
		result.IsLocal = true // treat pinned-by-digest as not updatable
		return result
	}

	localDigest, err := c.docker.ImageDigest(ctx, imageRef)
	if err != nil {
		c.log.Warn("failed to get local digest", "image", imageRef, "error", err)
		result.Error = err
		return result
	}
	result.LocalDigest = localDigest

	remoteDigest, err := c.docker.DistributionDigest(ctx, imageRef)
	if err != nil {
		// Auth failures or 404s mean we can't check — treat as no update.
		c.log.Debug("failed to get remote digest, treating as local", "image", imageRef, "error", err)
		result.IsLocal = true
		return result
	}
	result.RemoteDigest = remoteDigest

	result.UpdateAvailable = !digestsMatch(localDigest, remoteDigest)
	return result
}

// digestsMatch compares two digests, normalising away the repo@ prefix.
// Local digests look like "docker.io/library/nginx@sha256:abc123..."
// Remote digests look like "sha256:abc123..."
func digestsMatch(local, remote string) bool {
	return extractHash(local) == extractHash(remote)
}

// extractHash returns the sha256:... portion of a digest string.
func extractHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}

// CheckVersioned is Check plus semver version resolution: when an update is
// available and the image carries a semver tag, it also lists the
// repository's tags and reports which newer semver tags exist.
func (c *Checker) CheckVersioned(ctx context.Context, imageRef string) CheckResult {
	return c.CheckVersionedWithDigest(ctx, imageRef, "", docker.ScopeDefault, nil, nil)
}

// CheckVersionedWithDigest is CheckVersioned with a caller-supplied local
// digest for images that may not exist on this daemon (remote agents, swarm
// worker nodes), a semver scope bound, and optional tag include/exclude
// filters. An empty knownDigest falls back to a local daemon inspect.
func (c *Checker) CheckVersionedWithDigest(ctx context.Context, imageRef, knownDigest string, scope docker.SemverScope, includeRE, excludeRE *regexp.Regexp) CheckResult {
	result := CheckResult{ImageRef: imageRef}

	if docker.IsLocalImage(imageRef) || strings.Contains(imageRef, "@sha256:") {
		result.IsLocal = true
		return result
	}

	localDigest := knownDigest
	if localDigest == "" {
		var err error
		localDigest, err = c.docker.ImageDigest(ctx, imageRef)
		if err != nil {
			c.log.Warn("failed to get local digest", "image", imageRef, "error", err)
			result.Error = err
			return result
		}
	}
	result.LocalDigest = localDigest

	remoteDigest, err := c.docker.DistributionDigest(ctx, imageRef)
	if err != nil {
		c.log.Debug("failed to get remote digest, treating as local", "image", imageRef, "error", err)
		result.IsLocal = true
		return result
	}
	result.RemoteDigest = remoteDigest

	result.UpdateAvailable = !digestsMatch(localDigest, remoteDigest)
	if !result.UpdateAvailable {
		return result
	}

	c.resolveNewerVersions(ctx, imageRef, &result, scope, includeRE, excludeRE)
	return result
}

// resolveNewerVersions fills NewerVersions and the resolved version fields.
// Failures here are deliberately soft: the digest comparison above already
// established that an update exists, version names are a refinement.
func (c *Checker) resolveNewerVersions(ctx context.Context, imageRef string, result *CheckResult, scope docker.SemverScope, includeRE, excludeRE *regexp.Regexp) {
	currentTag := ExtractTag(imageRef)
	cur, ok := ParseSemVer(currentTag)
	if !ok {
		return // "latest" and friends update by digest only
	}

	host := RegistryHost(imageRef)

	var cred *RegistryCredential
	if c.creds != nil {
		if saved, err := c.creds.GetRegistryCredentials(); err == nil {
			cred = FindByRegistry(saved, host)
		}
	}

	if c.tracker != nil {
		if ok, _ := c.tracker.CanProceed(host, 2); !ok {
			c.log.Debug("skipping version resolution, rate limit budget low", "registry", host)
			return
		}
	}

	token, err := FetchToken(ctx, RepoPath(imageRef), cred, host)
	if err != nil {
		c.log.Debug("token fetch failed, skipping version resolution", "image", imageRef, "error", err)
		return
	}

	tags, err := ListTags(ctx, imageRef, token, host, cred)
	if c.tracker != nil && tags.Headers != nil {
		c.tracker.Record(host, tags.Headers)
	}
	if err != nil {
		c.log.Debug("tag listing failed, skipping version resolution", "image", imageRef, "error", err)
		return
	}

	for _, sv := range NewerVersions(currentTag, tags.Tags) {
		if !semverInScope(cur, sv, scope) {
			continue
		}
		if sv.Pre != "" && cur.Pre == "" {
			continue // never jump from a stable tag onto a pre-release
		}
		if includeRE != nil && !includeRE.MatchString(sv.Raw) {
			continue
		}
		if excludeRE != nil && excludeRE.MatchString(sv.Raw) {
			continue
		}
		result.NewerVersions = append(result.NewerVersions, sv.Raw)
	}

	result.ResolvedCurrentVersion, result.ResolvedTargetVersion = ResolveVersions(
		ctx, imageRef, result.LocalDigest, result.RemoteDigest,
		tags.Tags, token, host, cred, c.tracker)
}

// semverInScope reports whether candidate is reachable from cur under the
// configured scope bound.
func semverInScope(cur, candidate SemVer, scope docker.SemverScope) bool {
	switch scope {
	case docker.ScopePatch:
		return candidate.Major == cur.Major && candidate.Minor == cur.Minor
	case docker.ScopeMinor:
		return candidate.Major == cur.Major
	default:
		return true
	}
}
