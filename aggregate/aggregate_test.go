package aggregate

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/pulse"
)

const header = "Department Name,Date,Number of Sales\n"

// recordingSink keeps every checkpoint it receives
type recordingSink struct {
	checkpoints []pulse.Progress
	failAfter   int
}

func (s *recordingSink) Checkpoint(ctx context.Context, p pulse.Progress) error {
	if s.failAfter > 0 && len(s.checkpoints) >= s.failAfter {
		return errors.Mark(errors.New("job no longer running"), errors.ErrInvalidTransition)
	}
	s.checkpoints = append(s.checkpoints, p)
	return nil
}

func run(t *testing.T, input string, interval int, sink pulse.CheckpointSink) (*Totals, pulse.Progress) {
	t.Helper()
	agg := &Aggregator{Layout: DefaultLayout(), Interval: interval, Sink: sink}
	totals, final, err := agg.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	return totals, final
}

func render(t *testing.T, totals *Totals) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, totals, DefaultLayout()))
	return buf.String()
}

func TestAggregateFirstSeenOrder(t *testing.T) {
	input := header +
		"Beauty,2023-07-15,100\n" +
		"Sports,2023-11-18,200\n" +
		"Beauty,2023-09-30,50\n"

	totals, final := run(t, input, 0, nil)

	assert.Equal(t, []string{"Beauty", "Sports"}, totals.Keys())
	assert.Equal(t, "Department Name,Total Sales\nBeauty,150\nSports,200\n", render(t, totals))
	assert.Equal(t, uint64(3), final.UnitsProcessed)
	assert.Equal(t, uint64(2), final.DistinctKeys)
}

func TestAggregateSkipsInvalidRecords(t *testing.T) {
	input := header +
		"Beauty,2023-07-15,100\n" +
		"Sports,2023-11-18\n" + // too few fields
		"Beauty,2023-09-30,abc\n" + // not a number
		"Toys,2023-01-01,1.5\n" + // not an integer
		"Garden,2023\"-03-03,5\n" + // malformed quoting
		"Home,2023-02-18, 50 \n" // whitespace tolerated

	totals, final := run(t, input, 0, nil)

	beauty, _ := totals.Get("Beauty")
	home, _ := totals.Get("Home")
	assert.Equal(t, int64(100), beauty)
	assert.Equal(t, int64(50), home)
	_, sawSports := totals.Get("Sports")
	assert.False(t, sawSports)
	_, sawToys := totals.Get("Toys")
	assert.False(t, sawToys)
	assert.Equal(t, []string{"Beauty", "Home"}, totals.Keys())
	assert.Equal(t, uint64(2), final.DistinctKeys)
}

func TestAggregateHeaderOnly(t *testing.T) {
	totals, final := run(t, header, 0, nil)

	assert.Equal(t, 0, totals.Len())
	assert.Equal(t, "Department Name,Total Sales\n", render(t, totals))
	assert.Equal(t, uint64(0), final.UnitsProcessed)

	empty, _ := run(t, "", 0, nil)
	assert.Equal(t, "Department Name,Total Sales\n", render(t, empty), "an empty input behaves like a header-only one")
}

func TestAggregateSumProperty(t *testing.T) {
	var b strings.Builder
	b.WriteString(header)
	want := map[string]int64{}
	keys := []string{"Beauty", "Sports", "Home", "Garden", "Toys"}
	for i := 0; i < 5000; i++ {
		key := keys[(i*7)%len(keys)]
		v := int64(i % 97)
		if i%13 == 0 {
			b.WriteString(key + ",2024-01-01,n/a\n")
			continue
		}
		b.WriteString(key + ",2024-01-01," + strconv.FormatInt(v, 10) + "\n")
		want[key] += v
	}

	totals, final := run(t, b.String(), 0, nil)
	for key, sum := range want {
		got, ok := totals.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, sum, got, key)
	}
	assert.Equal(t, uint64(5000), final.UnitsProcessed)
}

func TestAggregateCheckpoints(t *testing.T) {
	t.Run("one per interval plus final", func(t *testing.T) {
		input := header +
			"Beauty,2023-07-15,100\n" +
			"Sports,2023-11-18,200\n" +
			"Beauty,2023-09-30,50\n"

		sink := &recordingSink{}
		run(t, input, 1, sink)

		require.Len(t, sink.checkpoints, 4)
		assert.Equal(t, uint64(1), sink.checkpoints[0].UnitsProcessed)
		assert.Equal(t, uint64(2), sink.checkpoints[1].DistinctKeys)
		assert.Equal(t, uint64(3), sink.checkpoints[3].UnitsProcessed)
	})

	t.Run("interval of many records", func(t *testing.T) {
		var b strings.Builder
		b.WriteString(header)
		for i := 0; i < 2500; i++ {
			b.WriteString("Beauty,2023-07-15,1\n")
		}

		sink := &recordingSink{}
		_, final := run(t, b.String(), 1000, sink)

		require.Len(t, sink.checkpoints, 3, "1000, 2000 and the final 2500")
		assert.Equal(t, uint64(1000), sink.checkpoints[0].UnitsProcessed)
		assert.Equal(t, uint64(2000), sink.checkpoints[1].UnitsProcessed)
		assert.Equal(t, final, sink.checkpoints[2])

		for i := 1; i < len(sink.checkpoints); i++ {
			assert.False(t, sink.checkpoints[i-1].Regresses(sink.checkpoints[i]), "checkpoints never regress")
		}
	})

	t.Run("elapsed time comes from the clock", func(t *testing.T) {
		tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := func() time.Time {
			tick = tick.Add(250 * time.Millisecond)
			return tick
		}
		sink := &recordingSink{}
		agg := &Aggregator{Layout: DefaultLayout(), Interval: 1, Sink: sink, now: clock}
		_, final, err := agg.Run(context.Background(), strings.NewReader(header+"A,d,1\nB,d,2\n"))
		require.NoError(t, err)
		assert.Greater(t, final.ElapsedSeconds, 0.0)
		assert.InDelta(t, 0.25, sink.checkpoints[0].ElapsedSeconds, 1e-9)
	})

	t.Run("rejected checkpoint stops the run", func(t *testing.T) {
		sink := &recordingSink{failAfter: 1}
		agg := &Aggregator{Layout: DefaultLayout(), Interval: 1, Sink: sink}
		_, _, err := agg.Run(context.Background(), strings.NewReader(header+"A,d,1\nB,d,2\nC,d,3\n"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
		assert.Len(t, sink.checkpoints, 1)
	})
}

func TestAggregateStreamError(t *testing.T) {
	r := iotest.TimeoutReader(strings.NewReader(header + "Beauty,2023-07-15,100\n"))
	agg := &Aggregator{Layout: DefaultLayout()}

	_, _, err := agg.Run(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProcessing))
}

func TestWriteCSVQuotesKeys(t *testing.T) {
	totals := NewTotals()
	totals.Add(`Food, Drink`, 3)
	totals.Add(`"Quoted"`, 4)

	assert.Equal(t, "Department Name,Total Sales\n\"Food, Drink\",3\n\"\"\"Quoted\"\"\",4\n", render(t, totals))
}

func TestLayout(t *testing.T) {
	assert.NoError(t, DefaultLayout().Validate())

	fromConfig := LayoutFromConfig(am.AggregateConfig{
		KeyField: 1, ValueField: 0, MinFields: 2, KeyHeader: "Region", ValueHeader: "Units",
	})
	assert.NoError(t, fromConfig.Validate())

	totals, _, err := (&Aggregator{Layout: fromConfig}).Run(context.Background(),
		strings.NewReader("Units,Region\n5,North\n7,South\n1,North\n"))
	require.NoError(t, err)
	north, _ := totals.Get("North")
	assert.Equal(t, int64(6), north)

	bad := []Layout{
		{KeyField: -1, ValueField: 2, MinFields: 3, KeyHeader: "k", ValueHeader: "v"},
		{KeyField: 2, ValueField: 2, MinFields: 3, KeyHeader: "k", ValueHeader: "v"},
		{KeyField: 0, ValueField: 2, MinFields: 2, KeyHeader: "k", ValueHeader: "v"},
		{KeyField: 0, ValueField: 2, MinFields: 3, KeyHeader: "", ValueHeader: "v"},
	}
	for _, l := range bad {
		assert.True(t, errors.IsInvalidRequestError(l.Validate()), "%+v", l)
	}
}
