package model

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldType is the declared type of a schema field
type FieldType string

const (
	FieldTypeAttachmentBlob      FieldType = "ATTACHMENT_BLOB"
	FieldTypeAttachmentCSV       FieldType = "ATTACHMENT_CSV"
	FieldTypeAttachmentJSONBlob  FieldType = "ATTACHMENT_JSON_BLOB"
	FieldTypeAttachmentJSONTable FieldType = "ATTACHMENT_JSON_TABLE"
	FieldTypeAttachmentV2        FieldType = "ATTACHMENT_V2"
	FieldTypeBoolean             FieldType = "BOOLEAN"
	FieldTypeCalendarDate        FieldType = "CALENDAR_DATE"
	FieldTypeDurationV2          FieldType = "DURATION_V2"
	FieldTypeFloat               FieldType = "FLOAT"
	FieldTypeInlineJSONBlob      FieldType = "INLINE_JSON_BLOB"
	FieldTypeInt                 FieldType = "INT"
	FieldTypeLargeTextAttachment FieldType = "LARGE_TEXT_ATTACHMENT"
	FieldTypeMultiChoice         FieldType = "MULTI_CHOICE"
	FieldTypeSingleChoice        FieldType = "SINGLE_CHOICE"
	FieldTypeString              FieldType = "STRING"
	FieldTypeTimeV2              FieldType = "TIME_V2"
	FieldTypeTimestamp           FieldType = "TIMESTAMP"
)

// IsAttachment reports whether values of this type are references to attachment blobs
func (t FieldType) IsAttachment() bool {
	switch t {
	case FieldTypeAttachmentBlob, FieldTypeAttachmentCSV, FieldTypeAttachmentJSONBlob,
		FieldTypeAttachmentJSONTable, FieldTypeAttachmentV2:
		return true
	default:
		return false
	}
}

// SchemaKey identifies a record shape and its destination table.
// It is comparable and safe to use as a map key.
type SchemaKey struct {
	StudyID  string `json:"studyId"`
	SchemaID string `json:"schemaId"`
	Revision int    `json:"revision"`
}

// String returns the destination table name for the key, e.g. "study-schema-v2"
func (k SchemaKey) String() string {
	return fmt.Sprintf("%s-%s-v%d", k.StudyID, k.SchemaID, k.Revision)
}

// ParseSchemaKey parses the output of SchemaKey.String. Study ids may not contain
// dashes; schema ids may.
func ParseSchemaKey(s string) (SchemaKey, error) {
	idx := strings.LastIndex(s, "-v")
	if idx < 0 {
		return SchemaKey{}, fmt.Errorf("invalid schema key %q: missing revision", s)
	}
	rev, err := strconv.Atoi(s[idx+2:])
	if err != nil {
		return SchemaKey{}, fmt.Errorf("invalid schema key %q: %w", s, err)
	}
	head := s[:idx]
	dash := strings.Index(head, "-")
	if dash <= 0 || dash == len(head)-1 {
		return SchemaKey{}, fmt.Errorf("invalid schema key %q: missing study or schema", s)
	}
	return SchemaKey{StudyID: head[:dash], SchemaID: head[dash+1:], Revision: rev}, nil
}

// FieldDefinition describes one field of an upload schema
type FieldDefinition struct {
	Name                  string    `json:"name"`
	Type                  FieldType `json:"type"`
	Required              bool      `json:"required"`
	MaxLength             int       `json:"maxLength,omitempty"`
	UnboundedText         bool      `json:"unboundedText,omitempty"`
	MultiChoiceAnswerList []string  `json:"multiChoiceAnswerList,omitempty"`
	AllowOtherChoices     bool      `json:"allowOtherChoices,omitempty"`
}

// Schema is a resolved upload schema. Field order is destination column order.
type Schema struct {
	Key              SchemaKey         `json:"key"`
	FieldDefinitions []FieldDefinition `json:"fieldDefinitions"`
}

// FieldTypes returns a name -> type map of the schema's fields
func (s *Schema) FieldTypes() map[string]FieldType {
	types := make(map[string]FieldType, len(s.FieldDefinitions))
	for _, def := range s.FieldDefinitions {
		types[def.Name] = def.Type
	}
	return types
}
