package precall

import (
	"fmt"
	"time"
)

// Counter metrics tracked per deployment per minute bucket.
const (
	MetricRPM = "rpm"
	MetricTPM = "tpm"
)

// UsageKey builds the shared-counter key for a deployment's per-minute
// usage, e.g. "openai:gpt-4o:dep-1:rpm:29512345".
func UsageKey(providerName, model, deploymentID, metric string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", providerName, model, deploymentID, metric, at.Unix()/60)
}

// CooldownKey mirrors a deployment's cooldown state into the shared cache
// so sibling router instances can observe it.
func CooldownKey(deploymentID string) string {
	return "cooldown:" + deploymentID
}

// AffinityKey maps a prompt fingerprint to the deployment that last served
// it, steering follow-up requests at the provider's prompt cache.
func AffinityKey(fingerprint string) string {
	return "prompt_cache:" + fingerprint
}

// AffinityTTL bounds how long an affinity entry steers requests. Provider
// prompt caches expire within minutes, so stale entries are harmless but
// pointless.
const AffinityTTL = 5 * time.Minute

// CounterTTL covers the minute bucket plus slack for clock skew between
// router instances.
const CounterTTL = 2 * time.Minute
