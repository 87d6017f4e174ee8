// Package attendance turns recognition outcomes into attendance marks.
package attendance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// Status of a marked identity.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
)

// Method records how a mark was made.
type Method string

const (
	MethodAutomatic Method = "AUTOMATIC"
	MethodConfirmed Method = "CONFIRMED"
)

// Action is what the marker did with an outcome.
type Action string

const (
	ActionMarked    Action = "marked"
	ActionIgnored   Action = "ignored"   // no candidate or confidence too low
	ActionDeclined  Action = "declined"  // confirmation was refused or unavailable
	ActionDuplicate Action = "duplicate" // already marked in this session
)

// Candidate is an identity awaiting confirmation.
type Candidate struct {
	ProfileID  string
	Label      string
	Confidence float64
	Accepted   bool
}

// Mark is the result of one Marker.Mark call.
type Mark struct {
	Action     Action
	ProfileID  string
	Label      string
	Status     Status
	Method     Method
	Confidence float64
	MarkedAt   time.Time
}

// Sink receives new attendance marks.
type Sink interface {
	Deliver(ctx context.Context, m Mark) error
}

// Confirmer asks an operator whether a medium-confidence candidate is correct.
type Confirmer interface {
	Confirm(ctx context.Context, c Candidate) (bool, error)
}

// Marker applies the confidence policy and deduplicates marks per attendance
// session, identified by its start time.
type Marker struct {
	t         config.AttendanceTunables
	sink      Sink
	confirmer Confirmer
	logger    *slog.Logger

	mu     sync.Mutex
	marked map[int64]map[string]Mark
}

// NewMarker creates a marker. A nil confirmer declines every confirmation.
func NewMarker(t config.AttendanceTunables, sink Sink, confirmer Confirmer, logger *slog.Logger) *Marker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Marker{
		t:         t,
		sink:      sink,
		confirmer: confirmer,
		logger:    logger,
		marked:    make(map[int64]map[string]Mark),
	}
}

// Mark applies the policy to outcome. Outcomes the engine rejected are only
// considered at auto-mark confidence; accepted ones from the confirm level up.
func (m *Marker) Mark(ctx context.Context, outcome recognition.Outcome, sessionStart, now time.Time) (Mark, error) {
	c := Candidate{
		ProfileID:  outcome.ProfileID,
		Label:      outcome.Decision.Label,
		Confidence: outcome.Confidence,
		Accepted:   outcome.Accepted,
	}
	mark := Mark{Action: ActionIgnored, ProfileID: c.ProfileID, Label: c.Label, Confidence: c.Confidence}

	if c.ProfileID == "" || c.Confidence <= 0 {
		return mark, nil
	}
	required := m.t.AutoMarkConfidence
	if c.Accepted {
		required = m.t.ConfirmConfidence
	}
	if c.Confidence < required {
		m.logger.Debug("confidence too low for attendance", "label", c.Label, "confidence", c.Confidence)
		return mark, nil
	}

	key := sessionStart.Unix()
	if prev, ok := m.lookup(key, c.ProfileID); ok {
		prev.Action = ActionDuplicate
		return prev, nil
	}

	method := MethodAutomatic
	if c.Confidence < m.t.AutoMarkConfidence {
		ok, err := m.confirm(ctx, c)
		if err != nil {
			return mark, fmt.Errorf("confirming %s: %w", c.Label, err)
		}
		if !ok {
			mark.Action = ActionDeclined
			return mark, nil
		}
		method = MethodConfirmed
	}
	mark.Method = method

	mark.Action = ActionMarked
	mark.MarkedAt = now
	mark.Status = StatusPresent
	// whole minutes, so 15m59s after a 15 minute limit is still on time
	if now.Sub(sessionStart).Truncate(time.Minute) > m.t.LateAfter() {
		mark.Status = StatusLate
	}

	m.mu.Lock()
	if prev, ok := m.marked[key][c.ProfileID]; ok {
		// marked concurrently while confirmation was pending
		m.mu.Unlock()
		prev.Action = ActionDuplicate
		return prev, nil
	}
	if m.marked[key] == nil {
		m.marked[key] = make(map[string]Mark)
	}
	m.marked[key][c.ProfileID] = mark
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.Deliver(ctx, mark); err != nil {
			m.forget(key, c.ProfileID)
			return mark, fmt.Errorf("delivering mark for %s: %w", c.Label, err)
		}
	}

	m.logger.Info("attendance marked",
		"label", mark.Label, "status", mark.Status, "method", mark.Method,
		"confidence", fmt.Sprintf("%.2f", mark.Confidence), "recognized", c.Accepted)
	return mark, nil
}

// Marked returns the marks of the session that started at sessionStart.
func (m *Marker) Marked(sessionStart time.Time) []Mark {
	m.mu.Lock()
	defer m.mu.Unlock()
	marks := make([]Mark, 0, len(m.marked[sessionStart.Unix()]))
	for _, mk := range m.marked[sessionStart.Unix()] {
		marks = append(marks, mk)
	}
	return marks
}

func (m *Marker) confirm(ctx context.Context, c Candidate) (bool, error) {
	if m.confirmer == nil {
		return false, nil
	}
	return m.confirmer.Confirm(ctx, c)
}

func (m *Marker) lookup(key int64, profileID string) (Mark, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.marked[key][profileID]
	return mk, ok
}

func (m *Marker) forget(key int64, profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marked[key], profileID)
}

// WriterSink writes one tab-separated line per mark.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Deliver writes the mark.
func (s *WriterSink) Deliver(_ context.Context, m Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
		m.MarkedAt.Format(time.RFC3339), m.ProfileID, m.Label, m.Status, m.Method, m.Confidence)
	return err
}
