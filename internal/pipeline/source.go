package pipeline

import (
	"context"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
)

// MeteorologySource provides gridded forcing data by calendar day.
type MeteorologySource interface {
	// Days returns the days the source can load, in chronological order.
	Days(ctx context.Context) ([]time.Time, error)
	// LoadDay returns every variable available for day. A day the source does
	// not hold yields an error wrapping domain.ErrDayNotFound.
	LoadDay(ctx context.Context, day time.Time) (domain.MetDay, error)
}

// EventSource provides point flood events and their mesh node lookup by
// calendar day. A day with no events is valid and must still be listed.
type EventSource interface {
	Days(ctx context.Context) ([]time.Time, error)
	LoadDay(ctx context.Context, day time.Time) (domain.DayEvents, error)
}
