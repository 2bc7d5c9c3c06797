package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Device is a monitored measurement point, registered once and immutable
// thereafter.
type Device struct {
	ID        string
	Name      string
	Location  string
	CreatedAt time.Time
}

// Measurement is a persisted reading. Channel values are nullable; a sensor
// channel may be absent from a given fetch.
type Measurement struct {
	ID         int64
	DeviceID   string
	DeviceName string
	Timestamp  time.Time
	DepthMM    *decimal.Decimal
	VelocityMS *decimal.Decimal
	FlowLPS    *decimal.Decimal
	CreatedAt  time.Time
}

// MeasurementFilter narrows a listing. Zero values mean "no constraint";
// results are always newest-first.
type MeasurementFilter struct {
	DeviceID string
	From     *time.Time
	To       *time.Time
	Limit    int
}
