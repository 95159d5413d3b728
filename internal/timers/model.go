package timers

import (
	"errors"
	"fmt"
)

// Filter narrows a timer listing by activity state.
type Filter int

const (
	// FilterAll returns active and stopped timers.
	FilterAll Filter = iota
	// FilterActive returns only running timers.
	FilterActive
	// FilterInactive returns only stopped timers.
	FilterInactive
)

// ErrInvalidFilter indicates an isActive query value other than true or false.
var ErrInvalidFilter = errors.New("timers: invalid activity filter")

// ParseFilter maps the isActive query flag onto a Filter. An empty value lists everything;
// only the exact literals true and false filter.
func ParseFilter(raw string) (Filter, error) {
	switch raw {
	case "":
		return FilterAll, nil
	case "true":
		return FilterActive, nil
	case "false":
		return FilterInactive, nil
	default:
		return FilterAll, fmt.Errorf("%w: %q", ErrInvalidFilter, raw)
	}
}

// Timer is the persisted timer record. End and Duration stay nil while the timer runs.
type Timer struct {
	ID          string `gorm:"column:timer_id;primaryKey;size:64;not null"`
	Owner       string `gorm:"column:owner_username;size:190;not null;index:idx_timers_owner_active,priority:1"`
	StartMs     int64  `gorm:"column:start_ms;not null"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
	IsActive    bool   `gorm:"column:is_active;not null;default:true;index:idx_timers_owner_active,priority:2;index:idx_timers_active"`
	ProgressMs  int64  `gorm:"column:progress_ms;not null;default:0"`
	EndMs       *int64 `gorm:"column:end_ms"`
	DurationMs  *int64 `gorm:"column:duration_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Timer) TableName() string {
	return "timers"
}

// View is the wire representation of a timer shared by the REST API and the realtime channel.
type View struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Start       int64  `json:"start"`
	Description string `json:"description"`
	IsActive    bool   `json:"isActive"`
	Progress    int64  `json:"progress"`
	End         *int64 `json:"end,omitempty"`
	Duration    *int64 `json:"duration,omitempty"`
}

// View converts the stored record into its wire representation.
func (t Timer) View() View {
	return View{
		ID:          t.ID,
		Name:        t.Owner,
		Start:       t.StartMs,
		Description: t.Description,
		IsActive:    t.IsActive,
		Progress:    t.ProgressMs,
		End:         copyInt64(t.EndMs),
		Duration:    copyInt64(t.DurationMs),
	}
}

// Views converts a slice of records, never returning nil so JSON encodes an empty array.
func Views(records []Timer) []View {
	views := make([]View, 0, len(records))
	for _, record := range records {
		views = append(views, record.View())
	}
	return views
}

// ActiveViews returns the running subset of views, preserving order.
func ActiveViews(views []View) []View {
	active := make([]View, 0, len(views))
	for _, view := range views {
		if view.IsActive {
			active = append(active, view)
		}
	}
	return active
}

func copyInt64(value *int64) *int64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
