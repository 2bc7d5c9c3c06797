// Package changestate decides whether a freshly fetched reading carries new
// information for its device, using a fingerprint persisted across restarts.
package changestate

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flow-monitor/internal/fetcher"
)

// DeviceState is the last-known baseline for one device.
type DeviceState struct {
	Values      map[fetcher.Field]decimal.Decimal `json:"values"`
	Fingerprint uint32                            `json:"fingerprint"`
	UpdatedAt   time.Time                         `json:"updated_at"`
}

// StateStore persists baselines so a restarted process does not re-emit a
// change it already committed.
type StateStore interface {
	Load() (map[string]DeviceState, error)
	Save(states map[string]DeviceState) error
}

// Fingerprint derives a stable checksum of a reading's values. Keys are
// sorted and absent fields skipped, so insertion order never matters; the
// timestamp is excluded. CRC32 is plenty for equality testing over this
// value space.
func Fingerprint(values map[fetcher.Field]decimal.Decimal) uint32 {
	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, string(field))
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+"="+values[fetcher.Field(field)].String())
	}
	return crc32.ChecksumIEEE([]byte(strings.Join(parts, "|")))
}

// Detector compares readings against per-device baselines. It owns the
// in-memory state exclusively and mirrors every accepted change through the
// injected store before reporting it, so two near-simultaneous observations
// of the same transition can never both see "changed".
type Detector struct {
	mu     sync.Mutex
	store  StateStore
	states map[string]DeviceState
	logger zerolog.Logger
}

// NewDetector loads prior baselines from the store. A store that has nothing
// yet yields an empty state, so every device's first reading reports changed.
func NewDetector(store StateStore, logger zerolog.Logger) (*Detector, error) {
	states, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load change state: %w", err)
	}
	if states == nil {
		states = make(map[string]DeviceState)
	}
	return &Detector{
		store:  store,
		states: states,
		logger: logger.With().Str("component", "change_detector").Logger(),
	}, nil
}

// Observe reports whether the reading differs from the device's baseline and,
// if it does, commits the new baseline (memory and durable store) before
// returning. A save failure still reports the change (the idempotent
// measurement insert makes a re-emitted change after restart harmless) but
// surfaces the error so the caller can count it.
func (d *Detector) Observe(deviceID string, reading fetcher.Reading) (bool, error) {
	fp := Fingerprint(reading.Values)

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.states[deviceID]; ok && prev.Fingerprint == fp {
		return false, nil
	}

	values := make(map[fetcher.Field]decimal.Decimal, len(reading.Values))
	for field, value := range reading.Values {
		values[field] = value
	}
	d.states[deviceID] = DeviceState{
		Values:      values,
		Fingerprint: fp,
		UpdatedAt:   reading.Timestamp,
	}
	d.logger.Info().Str("device_id", deviceID).Uint32("fingerprint", fp).Msg("change detected")

	if err := d.store.Save(d.states); err != nil {
		return true, fmt.Errorf("persist change state: %w", err)
	}
	return true, nil
}

// Last returns the device's current baseline, if any.
func (d *Detector) Last(deviceID string) (DeviceState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[deviceID]
	return state, ok
}
