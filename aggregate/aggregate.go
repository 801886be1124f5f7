// Package aggregate implements the group-by-key sum over CSV sales ledgers.
//
// The first record is a header and is skipped. Every following record
// contributes its value field to the running total of its key field; records
// that are too short, have a non-integer value, or are not valid CSV are
// skipped without error. Keys keep the order in which they were first seen.
package aggregate

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/pulse"
)

// Layout locates the key and value fields in a record
type Layout struct {
	KeyField    int
	ValueField  int
	MinFields   int
	KeyHeader   string
	ValueHeader string
}

// DefaultLayout is the sales ledger layout: department, date, number of sales
func DefaultLayout() Layout {
	return Layout{
		KeyField:    0,
		ValueField:  2,
		MinFields:   3,
		KeyHeader:   "Department Name",
		ValueHeader: "Total Sales",
	}
}

// LayoutFromConfig converts the [aggregate] config section
func LayoutFromConfig(cfg am.AggregateConfig) Layout {
	return Layout{
		KeyField:    cfg.KeyField,
		ValueField:  cfg.ValueField,
		MinFields:   cfg.MinFields,
		KeyHeader:   cfg.KeyHeader,
		ValueHeader: cfg.ValueHeader,
	}
}

// Validate checks that the layout can address its own fields
func (l Layout) Validate() error {
	if l.KeyField < 0 || l.ValueField < 0 {
		return errors.NewInvalidRequestError("field indexes must be non-negative (key %d, value %d)", l.KeyField, l.ValueField)
	}
	if l.KeyField == l.ValueField {
		return errors.NewInvalidRequestError("key and value must be different fields (both %d)", l.KeyField)
	}
	if l.MinFields <= max(l.KeyField, l.ValueField) {
		return errors.NewInvalidRequestError("min_fields %d does not cover fields %d and %d",
			l.MinFields, l.KeyField, l.ValueField)
	}
	if l.KeyHeader == "" || l.ValueHeader == "" {
		return errors.NewInvalidRequestError("output headers cannot be empty")
	}
	return nil
}

// Totals holds running sums by key in first-seen order
type Totals struct {
	keys []string
	sums map[string]int64
}

// NewTotals creates empty totals
func NewTotals() *Totals {
	return &Totals{sums: make(map[string]int64)}
}

// Add adds v to key's total
func (t *Totals) Add(key string, v int64) {
	if _, ok := t.sums[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.sums[key] += v
}

// Get returns key's total and whether key was seen
func (t *Totals) Get(key string) (int64, bool) {
	v, ok := t.sums[key]
	return v, ok
}

// Keys returns keys in first-seen order
func (t *Totals) Keys() []string {
	return append([]string(nil), t.keys...)
}

// Len returns the number of distinct keys
func (t *Totals) Len() int {
	return len(t.keys)
}

// Aggregator folds CSV records into Totals, checkpointing as it goes
type Aggregator struct {
	Layout   Layout
	Interval int // records between checkpoints; <= 0 disables intermediate checkpoints
	Sink     pulse.CheckpointSink
	now      func() time.Time
}

// Run reads every record of r. The final progress is also sent to Sink.
// Only errors reading the stream itself or from the sink are returned.
func (a *Aggregator) Run(ctx context.Context, r io.Reader) (*Totals, pulse.Progress, error) {
	now := a.now
	if now == nil {
		now = time.Now
	}
	sink := a.Sink
	if sink == nil {
		sink = pulse.Discard
	}

	start := now()
	totals := NewTotals()
	var records uint64

	progress := func() pulse.Progress {
		return pulse.Progress{
			UnitsProcessed: records,
			DistinctKeys:   uint64(totals.Len()),
			ElapsedSeconds: now().Sub(start).Seconds(),
		}
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, progress(), errors.Mark(errors.Wrap(err, "failed to read input"), errors.ErrProcessing)
			}
			// malformed quoting in one record; the reader resumes at the next line
			record = nil
		}

		if header {
			header = false
			continue
		}
		records++

		if record != nil && len(record) >= a.Layout.MinFields {
			if v, err := strconv.ParseInt(strings.TrimSpace(record[a.Layout.ValueField]), 10, 64); err == nil {
				totals.Add(record[a.Layout.KeyField], v)
			}
		}

		if a.Interval > 0 && records%uint64(a.Interval) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, progress(), err
			}
			if err := sink.Checkpoint(ctx, progress()); err != nil {
				return nil, progress(), errors.Wrap(err, "checkpoint rejected")
			}
		}
	}

	final := progress()
	if err := sink.Checkpoint(ctx, final); err != nil {
		return nil, final, errors.Wrap(err, "checkpoint rejected")
	}
	return totals, final, nil
}

// WriteCSV writes the header row then one row per key in first-seen order
func WriteCSV(w io.Writer, totals *Totals, layout Layout) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{layout.KeyHeader, layout.ValueHeader}); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, key := range totals.keys {
		if err := cw.Write([]string{key, strconv.FormatInt(totals.sums[key], 10)}); err != nil {
			return errors.Wrapf(err, "failed to write total for %q", key)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(err, "failed to flush output")
	}
	return nil
}
