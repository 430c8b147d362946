package model

import (
	"errors"
	"fmt"
	"time"
)

// Redrive request tags
const (
	TagRedriveRecords = "redrive records"
	TagRedriveTables  = "redrive tables"
)

// DateLayout is the layout of upload dates and export dates
const DateLayout = "2006-01-02"

// ExportRequest describes one export run. Exactly one of Date, the
// StartDateTime/EndDateTime pair, or RecordIDBlobOverride selects the records.
type ExportRequest struct {
	Date                 string      `json:"date,omitempty"`          // YYYY-MM-DD upload date
	StartDateTime        *time.Time  `json:"startDateTime,omitempty"` // inclusive
	EndDateTime          *time.Time  `json:"endDateTime,omitempty"`   // exclusive
	RecordIDBlobOverride string      `json:"recordIdS3Override,omitempty"`
	StudyWhitelist       []string    `json:"studyWhitelist,omitempty"`
	TableWhitelist       []SchemaKey `json:"tableWhitelist,omitempty"`
	RedriveCount         int         `json:"redriveCount,omitempty"`
	Tag                  string      `json:"tag,omitempty"`
}

// Validate checks that the request selects records in exactly one way
func (r *ExportRequest) Validate() error {
	modes := 0
	if r.Date != "" {
		if _, err := time.Parse(DateLayout, r.Date); err != nil {
			return fmt.Errorf("invalid date %q: %w", r.Date, err)
		}
		modes++
	}
	if r.StartDateTime != nil || r.EndDateTime != nil {
		if r.StartDateTime == nil || r.EndDateTime == nil {
			return errors.New("startDateTime and endDateTime must be specified together")
		}
		if !r.StartDateTime.Before(*r.EndDateTime) {
			return errors.New("startDateTime must be before endDateTime")
		}
		modes++
	}
	if r.RecordIDBlobOverride != "" {
		modes++
	}
	if modes != 1 {
		return errors.New("exactly one of date, startDateTime/endDateTime, or recordIdS3Override must be specified")
	}
	if r.RecordIDBlobOverride != "" && len(r.TableWhitelist) > 0 {
		return errors.New("recordIdS3Override cannot be combined with tableWhitelist")
	}
	return nil
}

// IsStudyAllowed reports whether the study passes the request's study whitelist
func (r *ExportRequest) IsStudyAllowed(studyID string) bool {
	if len(r.StudyWhitelist) == 0 {
		return true
	}
	for _, s := range r.StudyWhitelist {
		if s == studyID {
			return true
		}
	}
	return false
}

// IsTableAllowed reports whether the schema key passes the request's table whitelist
func (r *ExportRequest) IsTableAllowed(key SchemaKey) bool {
	if len(r.TableWhitelist) == 0 {
		return true
	}
	for _, k := range r.TableWhitelist {
		if k == key {
			return true
		}
	}
	return false
}

// UploadDates returns the upload dates covered by a date or date-time range request
func (r *ExportRequest) UploadDates() []string {
	if r.Date != "" {
		return []string{r.Date}
	}
	if r.StartDateTime == nil || r.EndDateTime == nil {
		return nil
	}
	var dates []string
	start := r.StartDateTime.UTC().Truncate(24 * time.Hour)
	for d := start; d.Before(*r.EndDateTime); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates
}
