// Package usage computes message cost and keeps per-session running totals.
package usage

import (
	"math"
	"sync"

	"github.com/felixgeelhaar/llmgate/internal/provider"
)

// Pricing looks up a provider's descriptor.
type Pricing interface {
	Get(id string) (provider.Descriptor, error)
}

// Cost returns the USD cost of a message for the given prices per 1K tokens.
func Cost(inputTokens, outputTokens int, inputPer1K, outputPer1K float64) float64 {
	return float64(inputTokens)/1000*inputPer1K + float64(outputTokens)/1000*outputPer1K
}

// Round6 rounds a cost to six decimal places for display.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// MessageUsage is the accounting of a single assistant message.
type MessageUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

// Snapshot is a point-in-time copy of session totals.
type Snapshot struct {
	InputTokens  int     `json:"total_input_tokens"`
	OutputTokens int     `json:"total_output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"total_cost"`
	RequestCount int     `json:"request_count"`
}

// Totals are the running usage of one session. They only grow, except
// through Reset which zeroes all of them at once.
type Totals struct {
	mu           sync.Mutex
	inputTokens  int
	outputTokens int
	cost         float64
	requestCount int
}

// Add folds one message into the totals and returns the new snapshot.
func (t *Totals) Add(m MessageUsage) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens += m.InputTokens
	t.outputTokens += m.OutputTokens
	t.cost += m.Cost
	t.requestCount++
	return t.snapshotLocked()
}

// Reset zeroes every total and returns the zeroed snapshot.
func (t *Totals) Reset() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens, t.outputTokens, t.cost, t.requestCount = 0, 0, 0, 0
	return t.snapshotLocked()
}

// Replace sets the totals to s, used when a conversation is resumed.
func (t *Totals) Replace(s Snapshot) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens, t.outputTokens, t.cost, t.requestCount = s.InputTokens, s.OutputTokens, s.Cost, s.RequestCount
	return t.snapshotLocked()
}

// Snapshot returns the current totals.
func (t *Totals) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Totals) snapshotLocked() Snapshot {
	return Snapshot{
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		TotalTokens:  t.inputTokens + t.outputTokens,
		Cost:         t.cost,
		RequestCount: t.requestCount,
	}
}

// Rounded returns s with cost rounded for the wire.
func (s Snapshot) Rounded() Snapshot {
	s.Cost = Round6(s.Cost)
	return s
}

// Report is the result of accounting one message.
type Report struct {
	Provider string
	Model    string
	Message  MessageUsage
	Session  Snapshot
}

// Accountant prices messages against the descriptor table.
type Accountant struct {
	pricing Pricing
}

// NewAccountant creates an accountant over pricing.
func NewAccountant(pricing Pricing) *Accountant {
	return &Accountant{pricing: pricing}
}

// MessageCost prices a message produced by providerID.
func (a *Accountant) MessageCost(providerID string, inputTokens, outputTokens int) (MessageUsage, error) {
	d, err := a.pricing.Get(providerID)
	if err != nil {
		return MessageUsage{}, err
	}
	return MessageUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		Cost:         Cost(inputTokens, outputTokens, d.InputPricePer1K, d.OutputPricePer1K),
	}, nil
}

// Record prices a message and adds it to totals in one step.
func (a *Accountant) Record(providerID string, inputTokens, outputTokens int, totals *Totals) (Report, error) {
	d, err := a.pricing.Get(providerID)
	if err != nil {
		return Report{}, err
	}
	msg, err := a.MessageCost(providerID, inputTokens, outputTokens)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Provider: providerID,
		Model:    d.ModelName,
		Message:  msg,
		Session:  totals.Add(msg),
	}, nil
}

// Priced is a persisted message with recorded usage.
type Priced struct {
	InputTokens  *int
	OutputTokens *int
	Cost         *float64
}

// TotalsFromMessages rebuilds session totals from persisted assistant
// messages. Messages without usage (user turns) are skipped.
func TotalsFromMessages(msgs []Priced) Snapshot {
	var s Snapshot
	for _, m := range msgs {
		if m.InputTokens == nil || m.OutputTokens == nil {
			continue
		}
		s.InputTokens += *m.InputTokens
		s.OutputTokens += *m.OutputTokens
		if m.Cost != nil {
			s.Cost += *m.Cost
		}
		s.RequestCount++
	}
	s.TotalTokens = s.InputTokens + s.OutputTokens
	return s
}
