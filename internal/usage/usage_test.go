package usage

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/provider"
)

func testAccountant(t testing.TB) *Accountant {
	table, err := provider.NewTable(provider.DefaultDescriptors())
	require.NoError(t, err)
	return NewAccountant(table)
}

func TestMessageCost(t *testing.T) {
	a := testAccountant(t)

	tests := []struct {
		provider string
		in, out  int
		want     float64
	}{
		{"claude", 1000, 1000, 0.015 + 0.075},
		{"openai", 1000, 500, 0.01 + 0.015},
		{"gemini", 2000, 0, 0.0025},
		{"openai", 0, 0, 0},
	}

	for _, tt := range tests {
		m, err := a.MessageCost(tt.provider, tt.in, tt.out)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, m.Cost, 1e-12, "%s %d/%d", tt.provider, tt.in, tt.out)
		assert.Equal(t, tt.in+tt.out, m.TotalTokens)
	}

	_, err := a.MessageCost("mistral", 1, 1)
	assert.Equal(t, errors.ErrCodeProviderNotFound, errors.CodeOf(err))
}

func TestRecordAndReset(t *testing.T) {
	a := testAccountant(t)
	var totals Totals

	r1, err := a.Record("openai", 10, 5, &totals)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5.1", r1.Model)
	assert.Equal(t, 1, r1.Session.RequestCount)

	r2, err := a.Record("claude", 20, 10, &totals)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		InputTokens:  30,
		OutputTokens: 15,
		TotalTokens:  45,
		Cost:         r1.Message.Cost + r2.Message.Cost,
		RequestCount: 2,
	}, r2.Session)

	assert.Equal(t, Snapshot{}, totals.Reset())
	assert.Equal(t, Snapshot{}, totals.Snapshot())
}

func TestTotalsConcurrentAdd(t *testing.T) {
	var totals Totals
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			totals.Add(MessageUsage{InputTokens: 2, OutputTokens: 3, Cost: 0.5})
		}()
	}
	wg.Wait()

	s := totals.Snapshot()
	assert.Equal(t, 100, s.InputTokens)
	assert.Equal(t, 150, s.OutputTokens)
	assert.Equal(t, 50, s.RequestCount)
	assert.InDelta(t, 25, s.Cost, 1e-9)
}

func TestTotalsFromMessages(t *testing.T) {
	in, out, cost := 100, 40, 0.0042
	msgs := []Priced{
		{},
		{InputTokens: &in, OutputTokens: &out, Cost: &cost},
		{},
		{InputTokens: &in, OutputTokens: &out, Cost: &cost},
	}

	s := TotalsFromMessages(msgs)
	assert.Equal(t, 200, s.InputTokens)
	assert.Equal(t, 80, s.OutputTokens)
	assert.Equal(t, 280, s.TotalTokens)
	assert.Equal(t, 2, s.RequestCount)
	assert.InDelta(t, 0.0084, s.Cost, 1e-12)

	var totals Totals
	assert.Equal(t, s, totals.Replace(s))
}

func TestRound6(t *testing.T) {
	assert.Equal(t, 0.123457, Round6(0.1234567))
	assert.Equal(t, 0.0, Round6(0))
}

func TestMessageCostIsDeterministic(t *testing.T) {
	a := testAccountant(t)
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.SampledFrom([]string{"claude", "openai", "gemini"}).Draw(t, "provider")
		in := rapid.IntRange(0, 2_000_000).Draw(t, "in")
		out := rapid.IntRange(0, 2_000_000).Draw(t, "out")

		first, err := a.MessageCost(id, in, out)
		if err != nil {
			t.Fatal(err)
		}
		second, _ := a.MessageCost(id, in, out)
		if first != second {
			t.Fatalf("cost not idempotent: %v != %v", first, second)
		}
		if first.Cost < 0 {
			t.Fatalf("negative cost %v", first.Cost)
		}
	})
}

func TestSessionTotalsEqualSumOfMessages(t *testing.T) {
	a := testAccountant(t)
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		var totals Totals
		var sumCost float64
		var sumIn, sumOut int

		for i := 0; i < n; i++ {
			id := rapid.SampledFrom([]string{"claude", "openai", "gemini"}).Draw(t, "provider")
			in := rapid.IntRange(0, 100_000).Draw(t, "in")
			out := rapid.IntRange(0, 100_000).Draw(t, "out")

			before := totals.Snapshot()
			r, err := a.Record(id, in, out, &totals)
			if err != nil {
				t.Fatal(err)
			}
			if r.Session.InputTokens < before.InputTokens || r.Session.Cost < before.Cost {
				t.Fatalf("totals decreased: %+v -> %+v", before, r.Session)
			}
			sumCost += r.Message.Cost
			sumIn += in
			sumOut += out
		}

		s := totals.Snapshot()
		if s.RequestCount != n || s.InputTokens != sumIn || s.OutputTokens != sumOut {
			t.Fatalf("totals %+v do not match %d messages (%d in, %d out)", s, n, sumIn, sumOut)
		}
		if math.Abs(s.Cost-sumCost) > 1e-9 {
			t.Fatalf("total cost %v != sum %v", s.Cost, sumCost)
		}
	})
}
