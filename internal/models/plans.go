package models

// DefaultTierCredits is the built-in monthly included-credit allotment per
// plan. Deployments override individual tiers through the plans section of
// the config file.
var DefaultTierCredits = PlansConfig{
	PlanFree:    0,
	PlanGrower:  100,
	PlanBuilder: 200,
	PlanMaven:   400,
}

// DefaultFeatureCosts is the built-in per-unit credit cost of each metered
// feature.
var DefaultFeatureCosts = FeaturesConfig{
	"review_match": 1,
	"rank_check":   2,
	"rss_post":     1,
}
