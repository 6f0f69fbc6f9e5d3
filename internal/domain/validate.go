package domain

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// LocationPolicy decides how Location and GPSLocation combine.
type LocationPolicy int

const (
	// LocationExactlyOne requires exactly one of Location and GPSLocation.
	LocationExactlyOne LocationPolicy = iota
	// LocationAtLeastOne only rejects records with neither; both may be set.
	LocationAtLeastOne
)

// ParseLocationPolicy maps "exactly_one" / "at_least_one" to a policy.
func ParseLocationPolicy(s string) (LocationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exactly_one":
		return LocationExactlyOne, nil
	case "at_least_one":
		return LocationAtLeastOne, nil
	default:
		return LocationExactlyOne, fmt.Errorf("unknown location policy %q", s)
	}
}

// String implements fmt.Stringer.
func (p LocationPolicy) String() string {
	if p == LocationAtLeastOne {
		return "at_least_one"
	}
	return "exactly_one"
}

// Name length bounds, in runes.
const (
	NameMinLen = 4
	NameMaxLen = 40
)

// ValidationError reports one or more rejected fields. Fields maps the JSON
// field name to a human-readable message. Cause, when set, is a more specific
// sentinel (e.g. a uniqueness violation) callers may match with errors.Is.
type ValidationError struct {
	Fields map[string]string
	Cause  error
}

// Error implements error. Fields are listed in a stable order.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes Cause.
func (e *ValidationError) Unwrap() error { return e.Cause }

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// ValidationResult is the outcome of ValidateImpulse.
type ValidationResult struct {
	Fields map[string]string
}

// Valid reports whether no field was rejected.
func (r ValidationResult) Valid() bool { return len(r.Fields) == 0 }

// Err returns nil for a valid result and a *ValidationError otherwise.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Fields: r.Fields}
}

func (r *ValidationResult) add(field, msg string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	if _, exists := r.Fields[field]; !exists {
		r.Fields[field] = msg
	}
}

// impulseRules carries the declarative constraints; the json tags name the
// fields in messages.
type impulseRules struct {
	Name        string    `json:"name"        validate:"required,min=4,max=40"`
	Date        time.Time `json:"date"        validate:"required"`
	Description string    `json:"description" validate:"required"`
	AudioURL    string    `json:"audioUrl"    validate:"required,url"`
	ImageURL    string    `json:"imageUrl"    validate:"required,url"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NormalizeImpulse trims the free-text fields in place. Validation and the
// repository write path both call it so stored values are always trimmed.
func NormalizeImpulse(imp *Impulse) {
	imp.Name = strings.TrimSpace(imp.Name)
	imp.Description = strings.TrimSpace(imp.Description)
	if imp.Location != nil {
		loc := strings.TrimSpace(*imp.Location)
		if loc == "" {
			imp.Location = nil
		} else {
			imp.Location = &loc
		}
	}
}

// ValidateImpulse checks every record constraint and returns a typed result.
// It must run before a record is handed to the repository for writing.
func ValidateImpulse(imp *Impulse, policy LocationPolicy) ValidationResult {
	var res ValidationResult
	if imp == nil {
		res.add("impulse", "is required")
		return res
	}
	NormalizeImpulse(imp)

	rules := impulseRules{
		Name:        imp.Name,
		Date:        imp.Date,
		Description: imp.Description,
		AudioURL:    imp.AudioURL,
		ImageURL:    imp.ImageURL,
	}
	if err := validate.Struct(rules); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				res.add(fe.Field(), ruleMessage(fe))
			}
		} else {
			res.add("impulse", err.Error())
		}
	}

	hasLoc, hasGPS := imp.HasLocation(), imp.HasGPSLocation()
	switch {
	case !hasLoc && !hasGPS:
		res.add("location", "either location or GPS position must be provided")
	case hasLoc && hasGPS && policy == LocationExactlyOne:
		res.add("location", "provide either location or GPS position, not both")
	}
	if hasGPS {
		if msg := validatePoint(imp.GPSLocation); msg != "" {
			res.add("gpsLocation", msg)
		}
	}
	return res
}

func validatePoint(p *Point) string {
	if p.Type != PointType {
		return fmt.Sprintf("type must be %q", PointType)
	}
	if len(p.Coordinates) != 2 {
		return "coordinates must be [longitude, latitude]"
	}
	lng, lat := p.Coordinates[0], p.Coordinates[1]
	if lng < -180 || lng > 180 {
		return "longitude must be within [-180, 180]"
	}
	if lat < -90 || lat > 90 {
		return "latitude must be within [-90, 90]"
	}
	return ""
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have at most %s characters", fe.Param())
	case "url":
		return "must be a fully-qualified URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
