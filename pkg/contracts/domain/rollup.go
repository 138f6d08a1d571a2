package domain

import (
	"time"
)

// RollupRecord holds trailing-window statistics over the wait-time series
// for one (station, appointment type) partition on one report date.
// Values are derived purely from the stored series; recomputing a rollup
// for the same key always produces the same stored values.
type RollupRecord struct {
	StationID         string    `json:"station_id" db:"station_id"`
	ReportID          int64     `json:"report_id" db:"report_id"`
	ReportDate        time.Time `json:"report_date" db:"report_date"`
	AppointmentType   string    `json:"appointment_type" db:"appointment_type"`
	WindowDays        int       `json:"window_days" db:"window_days"`
	EstablishedAvg    *float64  `json:"established_avg" db:"established_avg"`
	EstablishedStd    *float64  `json:"established_std" db:"established_std"`
	EstablishedMedian *float64  `json:"established_median" db:"established_median"`
	NewAvg            *float64  `json:"new_avg" db:"new_avg"`
	NewStd            *float64  `json:"new_std" db:"new_std"`
	NewMedian         *float64  `json:"new_median" db:"new_median"`
}
