package quotes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-autoexit/internal/model"
)

const segA, segB model.Segment = "NSE_FNO", "BSE_FNO"

type call struct {
	segment model.Segment
	ids     []string
}

type fakeQuotes struct {
	mu     sync.Mutex
	calls  []call
	prices map[model.Segment]map[string]decimal.Decimal
	errs   map[model.Segment]error
	block  bool
}

func (f *fakeQuotes) LTP(ctx context.Context, seg model.Segment, ids []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{seg, append([]string(nil), ids...)})
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.errs[seg]; err != nil {
		return nil, err
	}
	out := map[string]decimal.Decimal{}
	for _, id := range ids {
		if px, ok := f.prices[seg][id]; ok {
			out[id] = px
		}
	}
	return out, nil
}

func (f *fakeQuotes) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func pos(seg model.Segment, id string) model.Position {
	return model.Position{Segment: seg, SecurityID: id, NetQty: 75}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolve_OneRequestPerSegment(t *testing.T) {
	fq := &fakeQuotes{prices: map[model.Segment]map[string]decimal.Decimal{
		segA: {"1": d("10.5"), "2": d("20")},
		segB: {"3": d("30.05")},
	}}
	r := NewResolver(fq, Options{})

	got := r.Resolve(context.Background(), []model.Position{pos(segA, "1"), pos(segA, "2"), pos(segB, "3")})

	require.Equal(t, 2, fq.callCount())
	byseg := map[model.Segment][]string{}
	for _, c := range fq.calls {
		byseg[c.segment] = c.ids
	}
	assert.Equal(t, []string{"1", "2"}, byseg[segA])
	assert.Equal(t, []string{"3"}, byseg[segB])

	require.Len(t, got, 3)
	px, ok := got.LTP(model.InstrumentKey{Segment: segB, SecurityID: "3"})
	require.True(t, ok)
	assert.True(t, px.Equal(d("30.05")))
}

func TestResolve_DeduplicatesIDs(t *testing.T) {
	fq := &fakeQuotes{}
	r := NewResolver(fq, Options{})
	r.Resolve(context.Background(), []model.Position{pos(segA, "1"), pos(segA, "1"), pos(segA, "2")})

	require.Equal(t, 1, fq.callCount())
	assert.Equal(t, []string{"1", "2"}, fq.calls[0].ids)
}

func TestResolve_EmptyInputMakesNoRequest(t *testing.T) {
	fq := &fakeQuotes{}
	got := NewResolver(fq, Options{}).Resolve(context.Background(), nil)
	assert.Empty(t, got)
	assert.Zero(t, fq.callCount())
}

func TestResolve_SegmentFailureIsIsolated(t *testing.T) {
	fq := &fakeQuotes{
		prices: map[model.Segment]map[string]decimal.Decimal{segB: {"3": d("30")}},
		errs:   map[model.Segment]error{segA: errors.New("502 bad gateway")},
	}
	got := NewResolver(fq, Options{}).Resolve(context.Background(), []model.Position{pos(segA, "1"), pos(segB, "3")})

	_, okA := got.LTP(model.InstrumentKey{Segment: segA, SecurityID: "1"})
	_, okB := got.LTP(model.InstrumentKey{Segment: segB, SecurityID: "3"})
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestResolve_MissingIDIsAbsentNotZero(t *testing.T) {
	fq := &fakeQuotes{prices: map[model.Segment]map[string]decimal.Decimal{segA: {"1": d("10")}}}
	got := NewResolver(fq, Options{}).Resolve(context.Background(), []model.Position{pos(segA, "1"), pos(segA, "2")})

	_, ok := got.LTP(model.InstrumentKey{Segment: segA, SecurityID: "2"})
	assert.False(t, ok)
	assert.Len(t, got, 1)
}

func TestResolve_TimeoutBoundsSlowSegment(t *testing.T) {
	fq := &fakeQuotes{block: true}
	r := NewResolver(fq, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	got := r.Resolve(context.Background(), []model.Position{pos(segA, "1"), pos(segB, "3")})

	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 2, fq.callCount())
}

func TestResolve_BreakerFailsFast(t *testing.T) {
	fq := &fakeQuotes{errs: map[model.Segment]error{segA: errors.New("boom")}}
	r := NewResolver(fq, Options{BreakerFailures: 2, BreakerCooldown: time.Hour})
	in := []model.Position{pos(segA, "1")}

	r.Resolve(context.Background(), in)
	r.Resolve(context.Background(), in)
	require.Equal(t, 2, fq.callCount())

	got := r.Resolve(context.Background(), in)
	assert.Empty(t, got)
	assert.Equal(t, 2, fq.callCount(), "open breaker must not call upstream")
	assert.Equal(t, "open", r.BreakerStates()[segA].String())
}

func TestGroupBySegment_FirstSeenOrder(t *testing.T) {
	got := groupBySegment([]model.Position{pos(segB, "9"), pos(segA, "1"), pos(segB, "8")})
	require.Len(t, got, 2)
	assert.Equal(t, segB, got[0].segment)
	assert.Equal(t, []string{"9", "8"}, got[0].ids)
	assert.Equal(t, segA, got[1].segment)
}
