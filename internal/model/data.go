package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by record readers for unknown ids
var ErrRecordNotFound = errors.New("record not found")

// SharingScope is the participant's data sharing choice at upload time
type SharingScope string

const (
	SharingScopeNoSharing               SharingScope = "NO_SHARING"
	SharingScopeSponsorsAndPartners     SharingScope = "SPONSORS_AND_PARTNERS"
	SharingScopeAllQualifiedResearchers SharingScope = "ALL_QUALIFIED_RESEARCHERS"
)

// Exportable reports whether records with this scope may leave the source store
func (s SharingScope) Exportable() bool {
	return s == SharingScopeSponsorsAndPartners || s == SharingScopeAllQualifiedResearchers
}

// Record is one health data record from the source record store
type Record struct {
	ID                string          `json:"id"`
	StudyID           string          `json:"studyId"`
	SchemaID          string          `json:"schemaId,omitempty"`
	SchemaRevision    int             `json:"schemaRevision,omitempty"`
	HealthCode        string          `json:"healthCode"`
	Data              json.RawMessage `json:"data,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedOn         int64           `json:"createdOn"`
	CreatedOnTimeZone string          `json:"createdOnTimeZone,omitempty"`
	UploadDate        string          `json:"uploadDate"`
	SharingScope      SharingScope    `json:"userSharingScope"`
	ExternalID        string          `json:"userExternalId,omitempty"`
	DataGroups        []string        `json:"userDataGroups,omitempty"`
}

// HasSchema reports whether the record names a schema at all
func (r *Record) HasSchema() bool {
	return r.SchemaID != ""
}

// SchemaKey returns the schema identity the record was uploaded against
func (r *Record) SchemaKey() SchemaKey {
	return SchemaKey{StudyID: r.StudyID, SchemaID: r.SchemaID, Revision: r.SchemaRevision}
}

// DataMap decodes the record's data payload into a generic JSON object
func (r *Record) DataMap() (map[string]any, error) {
	return DecodeObject(r.Data)
}

// MetadataMap decodes the record's metadata blob. A missing blob is an empty map.
func (r *Record) MetadataMap() (map[string]any, error) {
	return DecodeObject(r.Metadata)
}

// DecodeObject decodes a raw JSON object, treating empty input and "null" as {}.
// Numbers are decoded as json.Number so integers print without an exponent.
func DecodeObject(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	return out, nil
}
