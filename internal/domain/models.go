// Package domain defines the persistence models for impulse records and the
// bookkeeping rows that keep the metadata store and the object store in step.
// These types are mapped with GORM and form the core data layer of the
// impulse service.
package domain

import (
	"strings"
	"time"
)

// PointType is the only accepted GeoJSON type tag for a GPS location.
const PointType = "Point"

// Point is a GeoJSON-style position. Coordinates are ordered
// [longitude, latitude].
type Point struct {
	Type        string    `json:"type"        example:"Point"`
	Coordinates []float64 `json:"coordinates" example:"13.4050,52.5200"`
}

// Impulse is one recorded impulse response: an audio sample and a photo of
// the space it was captured in, plus descriptive metadata. The two URLs point
// at objects in the configured object store.
//
// Fields:
//   - ID: UUID primary key (char(36)), assigned on create.
//   - Name: unique, trimmed, 4..40 runes.
//   - Slug: derived from Name on every write (see DeriveSlug); never set by callers.
//   - Date: when the impulse was recorded.
//   - Location / GPSLocation: free-text place or a Point; see LocationPolicy.
//   - Description: required free text.
//   - AudioURL / ImageURL: fully-qualified object-store URLs.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Impulse struct {
	ID          string    `json:"id"                    gorm:"type:char(36);primaryKey"`
	Name        string    `json:"name"                  gorm:"type:varchar(40);not null;uniqueIndex:ux_impulses_name"`
	Slug        string    `json:"slug"                  gorm:"type:varchar(64);not null;index:idx_impulses_slug"`
	Date        time.Time `json:"date"                  gorm:"not null"`
	Location    *string   `json:"location,omitempty"    gorm:"type:varchar(255)"`
	GPSLocation *Point    `json:"gpsLocation,omitempty" gorm:"type:text;serializer:json"`
	Description string    `json:"description"           gorm:"type:text;not null"`
	AudioURL    string    `json:"audioUrl"              gorm:"type:varchar(1024);not null"`
	ImageURL    string    `json:"imageUrl"              gorm:"type:varchar(1024);not null"`
	CreatedAt   time.Time `json:"createdAt"             gorm:"index:idx_impulses_created"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Impulse.
func (Impulse) TableName() string { return "impulses" }

// HasLocation reports whether a non-blank free-text location is set.
func (i *Impulse) HasLocation() bool {
	return i.Location != nil && strings.TrimSpace(*i.Location) != ""
}

// HasGPSLocation reports whether a GPS point is set.
func (i *Impulse) HasGPSLocation() bool { return i.GPSLocation != nil }

// ImpulsePatch is a partial metadata update. Nil fields are left untouched.
// Files cannot be replaced through a patch.
type ImpulsePatch struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	Location    *string    `json:"location,omitempty"`
	GPSLocation *Point     `json:"gpsLocation,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ImpulsePatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Date == nil &&
		p.Location == nil && p.GPSLocation == nil
}

// Apply merges the patch into rec. Under LocationExactlyOne, setting one kind
// of location clears the other so a record can switch between them.
func (p ImpulsePatch) Apply(rec *Impulse, policy LocationPolicy) {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.Date != nil {
		rec.Date = *p.Date
	}
	if p.Location != nil {
		loc := *p.Location
		rec.Location = &loc
		if policy == LocationExactlyOne && p.GPSLocation == nil {
			rec.GPSLocation = nil
		}
	}
	if p.GPSLocation != nil {
		pt := *p.GPSLocation
		rec.GPSLocation = &pt
		if policy == LocationExactlyOne && p.Location == nil {
			rec.Location = nil
		}
	}
}

// Cleanup task kinds.
const (
	// CleanupDeleteBlob removes an object (Target is its URL).
	CleanupDeleteBlob = "delete_blob"
	// CleanupDeleteRecord removes an impulse row (Target is its ID).
	CleanupDeleteRecord = "delete_record"
)

// CleanupTask is a durable compensation entry. When an inline compensating
// action fails (or leaves an orphaned object behind) a task is written here
// and retried by the reconciler until it succeeds.
//
// Fields:
//   - Kind: CleanupDeleteBlob or CleanupDeleteRecord.
//   - Target: object URL or impulse ID, depending on Kind.
//   - Reason: why the task was created (for operators).
//   - Attempts / LastError: retry bookkeeping.
//   - NextAttemptAt: the task is due once this is in the past.
//   - DoneAt: set when the task has completed; done tasks are never retried.
type CleanupTask struct {
	ID            string     `json:"id"              gorm:"type:char(36);primaryKey"`
	Kind          string     `json:"kind"            gorm:"type:varchar(32);not null;check:kind IN ('delete_blob','delete_record')"`
	Target        string     `json:"target"          gorm:"type:varchar(1024);not null"`
	Reason        string     `json:"reason"          gorm:"type:text"`
	Attempts      int        `json:"attempts"        gorm:"not null;default:0"`
	LastError     string     `json:"last_error"      gorm:"type:text"`
	NextAttemptAt time.Time  `json:"next_attempt_at" gorm:"not null;index:idx_cleanup_due,priority:2"`
	DoneAt        *time.Time `json:"done_at"         gorm:"index:idx_cleanup_due,priority:1"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for CleanupTask.
func (CleanupTask) TableName() string { return "cleanup_tasks" }
