package domain

import (
	"time"
)

// RawReport is one ingested workbook, stored byte-for-byte as received.
// Fingerprint is a pure function of the workbook's sheet content plus its
// filename; file properties such as creation timestamps never affect it.
// A RawReport is immutable after insert and unique per fingerprint.
type RawReport struct {
	ReportID    int64     `json:"report_id" db:"report_id"`
	StationID   string    `json:"station_id" db:"station_id"`
	FileName    string    `json:"file_name" db:"file_name"`
	Size        int64     `json:"size" db:"size"`
	Payload     []byte    `json:"-" db:"report"`
	Fingerprint []byte    `json:"-" db:"report_hash"`
	Downloaded  time.Time `json:"downloaded" db:"downloaded"`
}

// WaitTimeRecord is one observation of appointment wait times extracted from
// a "Wait Times" sheet. Measures are pointers: a sanitized NaN is stored as
// NULL, never as zero. Unique per (station, report date, appointment type);
// re-ingesting the same period overwrites the measures.
type WaitTimeRecord struct {
	StationID       string    `json:"station_id" db:"station_id"`
	ReportID        int64     `json:"report_id" db:"report_id"`
	ReportDate      time.Time `json:"report_date" db:"report_date"`
	AppointmentType string    `json:"appointment_type" db:"appointment_type"`
	Established     *float64  `json:"established" db:"established"`
	New             *float64  `json:"new" db:"new"`
	Source          string    `json:"source,omitempty" db:"source"`
}

// SatisfactionRecord is one observation from a "Satisfaction with Care"
// sheet. Same keying and overwrite semantics as WaitTimeRecord.
type SatisfactionRecord struct {
	StationID       string    `json:"station_id" db:"station_id"`
	ReportID        int64     `json:"report_id" db:"report_id"`
	ReportDate      time.Time `json:"report_date" db:"report_date"`
	AppointmentType string    `json:"appointment_type" db:"appointment_type"`
	Percent         *float64  `json:"percent" db:"percent"`
}
