// Package schema defines the ObjectQL metadata model: objects with
// typed fields, validation rules, actions, views and permissions, and
// the process-wide Registry that resolves fully-qualified names across
// contributing packages.
package schema

// FieldType is the closed set of field kinds an object may declare.
type FieldType string

// The field type set. Unknown kinds are rejected at registration.
const (
	TypeText         FieldType = "text"
	TypeTextarea     FieldType = "textarea"
	TypeEmail        FieldType = "email"
	TypeURL          FieldType = "url"
	TypePhone        FieldType = "phone"
	TypeNumber       FieldType = "number"
	TypeCurrency     FieldType = "currency"
	TypePercent      FieldType = "percent"
	TypeAutoNumber   FieldType = "auto_number"
	TypeBoolean      FieldType = "boolean"
	TypeDate         FieldType = "date"
	TypeDatetime     FieldType = "datetime"
	TypeTime         FieldType = "time"
	TypeSelect       FieldType = "select"
	TypeLookup       FieldType = "lookup"
	TypeMasterDetail FieldType = "master_detail"
	TypeFile         FieldType = "file"
	TypeImage        FieldType = "image"
	TypeObject       FieldType = "object"
)

// Valid reports whether t belongs to the field type set.
func (t FieldType) Valid() bool {
	switch t {
	case TypeText, TypeTextarea, TypeEmail, TypeURL, TypePhone,
		TypeNumber, TypeCurrency, TypePercent, TypeAutoNumber,
		TypeBoolean, TypeDate, TypeDatetime, TypeTime, TypeSelect,
		TypeLookup, TypeMasterDetail, TypeFile, TypeImage, TypeObject:
		return true
	}
	return false
}

// Numeric reports whether values of this type compare numerically.
func (t FieldType) Numeric() bool {
	switch t {
	case TypeNumber, TypeCurrency, TypePercent, TypeAutoNumber:
		return true
	}
	return false
}

// Reference reports whether this type points at another object.
func (t FieldType) Reference() bool {
	return t == TypeLookup || t == TypeMasterDetail
}

// SelectOption is one enumerated choice of a select field.
type SelectOption struct {
	Label string `json:"label" yaml:"label"`
	Value string `json:"value" yaml:"value"`
}

// Field describes a single typed field of an object.
//
// Constraint fields are pointers where absence is meaningful: a nil
// Min means "no lower bound", not zero.
type Field struct {
	Type     FieldType `json:"type" yaml:"type"`
	Label    string    `json:"label,omitempty" yaml:"label,omitempty"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Multiple bool      `json:"multiple,omitempty" yaml:"multiple,omitempty"`

	// Numeric and length bounds.
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`

	// Pattern is an anchored regular expression the value must match.
	// Format names a recognized value format: email, url, phone, uuid,
	// iso8601. Protocols narrows the accepted schemes of url values.
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Format    string   `json:"format,omitempty" yaml:"format,omitempty"`
	Protocols []string `json:"protocols,omitempty" yaml:"protocols,omitempty"`

	// Select fields enumerate their options.
	Options []SelectOption `json:"options,omitempty" yaml:"options,omitempty"`

	// ReferenceTo is the FQN of the target object for lookup and
	// master_detail fields. References are stored as strings and
	// resolved lazily on first use, so definition cycles are legal.
	ReferenceTo string `json:"reference_to,omitempty" yaml:"reference_to,omitempty"`

	// File and image constraints.
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	MinSize    *int64   `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	MaxSize    *int64   `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	MinWidth   *int     `json:"min_width,omitempty" yaml:"min_width,omitempty"`
	MaxWidth   *int     `json:"max_width,omitempty" yaml:"max_width,omitempty"`
	MinHeight  *int     `json:"min_height,omitempty" yaml:"min_height,omitempty"`
	MaxHeight  *int     `json:"max_height,omitempty" yaml:"max_height,omitempty"`

	DefaultValue any `json:"default_value,omitempty" yaml:"default_value,omitempty"`
}

// Attachment is the JSON value shape of file and image fields. Storage
// backends own the bytes; the core contract is limited to this
// metadata record.
type Attachment struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	Size         int64          `json:"size"`
	Type         string         `json:"type"`
	OriginalName string         `json:"original_name,omitempty"`
	UploadedAt   string         `json:"uploaded_at,omitempty"`
	UploadedBy   string         `json:"uploaded_by,omitempty"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	Variants     map[string]any `json:"variants,omitempty"`
}
