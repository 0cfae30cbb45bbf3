// Package turnmetrics accumulates per-turn latency measurements reported by
// the voice pipeline and writes them to a spreadsheet at the end of a run.
//
// Each session owns an Aggregator holding the turn in progress. Flushing the
// aggregator appends one Record to the process-wide Log, which is exported
// once at shutdown with a trailing Average row.
package turnmetrics

import (
	"errors"
	"time"
)

// Field names one of the three measurements collected per turn.
type Field string

const (
	FieldEOUDelay Field = "eou_delay"
	FieldTTFT     Field = "ttft"
	FieldTTFB     Field = "ttfb"
)

var knownFields = map[Field]bool{
	FieldEOUDelay: true,
	FieldTTFT:     true,
	FieldTTFB:     true,
}

var (
	ErrUnknownMetricField = errors.New("turnmetrics: unknown metric field")
	ErrInvalidValue       = errors.New("turnmetrics: value must be a non-negative number of seconds")
)

// Record is the finalized snapshot of one turn. All values are seconds.
type Record struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	EOUDelay     float64   `json:"eou_delay"`
	TTFT         float64   `json:"ttft"`
	TTFB         float64   `json:"ttfb"`
	TotalLatency float64   `json:"total_latency"`
}

// Sink receives every flushed record, in flush order.
type Sink interface {
	RecordTurn(r Record)
}

// average returns the column-wise mean of records. ok is false for an empty slice.
func average(records []Record) (avg Record, ok bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	for _, r := range records {
		avg.EOUDelay += r.EOUDelay
		avg.TTFT += r.TTFT
		avg.TTFB += r.TTFB
		avg.TotalLatency += r.TotalLatency
	}
	n := float64(len(records))
	avg.EOUDelay /= n
	avg.TTFT /= n
	avg.TTFB /= n
	avg.TotalLatency /= n
	return avg, true
}
