package monitor

import (
	"encoding/json"
	"os"
	"time"
)

// Status is the liveness snapshot written for external supervisors after
// every cycle.
type Status struct {
	Healthy           bool       `json:"healthy"`
	Checks            int64      `json:"checks"`
	Updates           int64      `json:"updates"`
	Errors            int64      `json:"errors"`
	ConsecutiveErrors int64      `json:"consecutive_errors"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	WrittenAt         time.Time  `json:"written_at"`
}

func (m *Monitor) writeStatusFile() {
	if m.opts.StatusPath == "" {
		return
	}

	stats := m.Snapshot()
	status := Status{
		Healthy:           stats.Healthy,
		Checks:            stats.Checks,
		Updates:           stats.Updates,
		Errors:            stats.Errors,
		ConsecutiveErrors: stats.ConsecutiveErrors,
		WrittenAt:         time.Now().UTC(),
	}
	if !stats.LastSuccess.IsZero() {
		ts := stats.LastSuccess.UTC()
		status.LastSuccess = &ts
	}

	raw, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to marshal status")
		return
	}

	tmp := m.opts.StatusPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err == nil {
		err = os.Rename(tmp, m.opts.StatusPath)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.opts.StatusPath).Msg("failed to write status file")
	}
}
