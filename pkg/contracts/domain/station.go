package domain

import (
	"time"
)

// Station is a tracked external publisher of facility reports.
// Stations are seeded from the facility registry and are never deleted;
// a station that stops serving reports is disabled instead.
type Station struct {
	StationID           string     `json:"station_id" db:"station_id" validate:"required"`
	State               string     `json:"state,omitempty" db:"state"`
	Prefix              string     `json:"prefix,omitempty" db:"prefix"`
	Legacy              bool       `json:"legacy" db:"legacy"`
	Active              bool       `json:"active" db:"active"`
	Germane             bool       `json:"germane" db:"germane"`
	AWOL                bool       `json:"awol" db:"awol"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastReport          *time.Time `json:"last_report,omitempty" db:"last_report"`
	LastFailure         *time.Time `json:"last_failure,omitempty" db:"last_failure"`
	Created             time.Time  `json:"created" db:"created"`
	Updated             time.Time  `json:"updated" db:"updated"`
}
