// Package normalize maps raw source records onto the canonical request shape.
package normalize

import (
	"fmt"
	"time"

	"github.com/stl311/stl311sync/pkg/geo"
)

// Record is a validated request ready for reconciliation. Location is always
// set; records without a usable location never leave the normalizer.
type Record struct {
	ExternalID int64 `json:"external_id"`
	// ProvisionalID marks identifiers derived from the service code rather
	// than a source request id. They are not guaranteed unique.
	ProvisionalID bool `json:"provisional_id,omitempty"`

	Description  string `json:"description"`
	Status       string `json:"status"`
	ProblemCode  string `json:"problem_code,omitempty"`
	SubmitTo     string `json:"submit_to,omitempty"`
	Address      string `json:"address,omitempty"`
	City         string `json:"city,omitempty"`
	Zip          *int   `json:"zip,omitempty"`
	AddressType  string `json:"address_type,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	Ward         *int   `json:"ward,omitempty"`
	CallerType   string `json:"caller_type,omitempty"`
	Explanation  string `json:"explanation,omitempty"`
	GroupName    string `json:"group_name,omitempty"`

	Location geo.Point `json:"location"`

	InitiatedAt *time.Time `json:"initiated_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ValidationError explains why a single record was dropped.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Stats tallies one batch.
type Stats struct {
	Total              int            `json:"total"`
	Processed          int            `json:"processed"`
	ValidCoordinates   int            `json:"valid_coordinates"`
	FallbackLocations  int            `json:"fallback_locations"`
	MissingCoordinates int            `json:"missing_coordinates"`
	MissingIdentifier  int            `json:"missing_identifier"`
	ProvisionalIDs     int            `json:"provisional_ids"`
	InvalidDates       int            `json:"invalid_dates"`
	WithDates          int            `json:"with_dates"`
	UnknownFields      map[string]int `json:"unknown_fields,omitempty"`
}

// Dropped is the number of records that did not survive normalization.
func (s Stats) Dropped() int { return s.Total - s.Processed }
