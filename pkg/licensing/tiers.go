// Package licensing defines shared DroidBay licensing contracts.
//
// This package exists so the desktop shell and companion tools can depend on
// canonical tier, feature, and status metadata without importing internal
// packages.
package licensing

// Feature constants represent gated features in DroidBay.
// These are checked at runtime against the effective tier.
const (
	// Free tier features
	FeatureDeviceOverview = "device_overview" // Connected device summary panel
	FeatureAppList        = "app_list"        // Installed package listing and search
	FeatureCloudAnalysis  = "cloud_analysis"  // Cloud-backed app analysis (daily quota on Free)

	// Pro tier features (everything in Free, plus:)
	FeatureBulkOperations    = "bulk_operations"    // Multi-select install/uninstall/enable/disable
	FeatureBatchDebloat      = "batch_debloat"      // One-click debloat presets
	FeatureScreenMirrorHD    = "screen_mirror_hd"   // High-bitrate screen mirroring
	FeatureAutomationScripts = "automation_scripts" // Scripted device workflows
	FeatureAppBackup         = "app_backup"         // Batch APK + data backup/restore
)

// Tier represents a license tier. The wire protocol carries tiers as small
// integers, so the zero value is deliberately the free tier.
type Tier int

const (
	TierFree Tier = 0
	TierPro  Tier = 1
)

// ParseTier maps a wire tier to a known tier. Unknown values map to free so
// a newer server can never unlock more than the client understands.
func ParseTier(raw int) Tier {
	switch Tier(raw) {
	case TierFree, TierPro:
		return Tier(raw)
	default:
		return TierFree
	}
}

// freeFeatures are the base capabilities available to all users.
var freeFeatures = []string{
	FeatureDeviceOverview,
	FeatureAppList,
	FeatureCloudAnalysis, // Quota-limited on Free, unmetered on Pro
}

// proFeatures adds batch tooling, HD mirroring, and automation on top of free.
var proFeatures = appendFeatures(freeFeatures,
	FeatureBulkOperations,
	FeatureBatchDebloat,
	FeatureScreenMirrorHD,
	FeatureAutomationScripts,
	FeatureAppBackup,
)

// appendFeatures returns a new slice with extra features appended (no mutation).
func appendFeatures(base []string, extra ...string) []string {
	result := make([]string, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// TierFeatures maps each tier to its included features.
var TierFeatures = map[Tier][]string{
	TierFree: freeFeatures,
	TierPro:  proFeatures,
}

// TierHasFeature checks if a tier includes a specific feature.
// Unknown tiers and unknown features both answer false.
func TierHasFeature(tier Tier, feature string) bool {
	features, ok := TierFeatures[tier]
	if !ok {
		return false
	}
	for _, f := range features {
		if f == feature {
			return true
		}
	}
	return false
}

// RequiredTier returns the lowest tier that includes the given feature.
// The second return is false for features not in the catalog.
func RequiredTier(feature string) (Tier, bool) {
	orderedTiers := []Tier{TierFree, TierPro}
	for _, tier := range orderedTiers {
		if TierHasFeature(tier, feature) {
			return tier, true
		}
	}
	return TierFree, false
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierFree:
		return "Free"
	case TierPro:
		return "Pro"
	default:
		return "Unknown"
	}
}

// GetFeatureDisplayName returns a human-readable name for a feature.
func GetFeatureDisplayName(feature string) string {
	switch feature {
	case FeatureDeviceOverview:
		return "Device Overview"
	case FeatureAppList:
		return "App Browser"
	case FeatureCloudAnalysis:
		return "Cloud App Analysis"
	case FeatureBulkOperations:
		return "Bulk App Operations"
	case FeatureBatchDebloat:
		return "Batch Debloat Presets"
	case FeatureScreenMirrorHD:
		return "HD Screen Mirroring"
	case FeatureAutomationScripts:
		return "Automation Scripts"
	case FeatureAppBackup:
		return "App Backup & Restore"
	default:
		return feature
	}
}
