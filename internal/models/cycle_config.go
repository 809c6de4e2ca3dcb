package models

// CycleConfig controls the monthly grant/expire job. The job self-gates on
// the last UTC day of the month, so the scheduler interval only bounds how
// quickly a missed window is noticed.
type CycleConfig struct {
	CronSecret       string `yaml:"cron_secret" json:"-"`
	Concurrency      int    `yaml:"concurrency,omitempty" json:"concurrency,omitzero"`
	ScheduleInterval string `yaml:"schedule_interval,omitempty" json:"schedule_interval,omitzero"`
	LockTTLMinutes   int    `yaml:"lock_ttl_minutes,omitempty" json:"lock_ttl_minutes,omitzero"`
}

// PlansConfig maps plan tiers to their monthly included-credit allotment.
// Missing entries fall back to the built-in defaults.
type PlansConfig map[Plan]int64

// FeaturesConfig maps feature types to their per-unit credit cost.
type FeaturesConfig map[string]int64
