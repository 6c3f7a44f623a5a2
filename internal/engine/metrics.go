package engine

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"meshmeet/internal/domain"
)

// ParticipationMetrics is one participant's activity tally. Analytics
// producers (speech activity, chat) feed it; the engine only stores.
type ParticipationMetrics struct {
	UserID          domain.ParticipantID `json:"userId"`
	UserName        string               `json:"userName"`
	TalkTime        time.Duration        `json:"talkTime"`
	MessageCount    int                  `json:"messageCount"`
	EngagementScore float64              `json:"engagementScore"`
	LastActivity    time.Time            `json:"lastActivity"`
}

// Metrics is the participation-metrics sink. Mutated only on the
// engine loop.
type Metrics struct {
	byUser map[domain.ParticipantID]*ParticipationMetrics
	start  time.Time
	now    func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		byUser: make(map[domain.ParticipantID]*ParticipationMetrics),
		now:    time.Now,
	}
}

func (m *Metrics) MarkStart() {
	if m.start.IsZero() {
		m.start = m.now()
	}
}

func (m *Metrics) RecordMessage(id domain.ParticipantID, name string) {
	e := m.entry(id, name)
	e.MessageCount++
	m.touch(e)
}

// RecordSpeech accumulates talk time reported by an external speech
// activity producer.
func (m *Metrics) RecordSpeech(id domain.ParticipantID, name string, d time.Duration) {
	e := m.entry(id, name)
	e.TalkTime += d
	m.touch(e)
}

func (m *Metrics) entry(id domain.ParticipantID, name string) *ParticipationMetrics {
	e, ok := m.byUser[id]
	if !ok {
		e = &ParticipationMetrics{UserID: id, UserName: name}
		m.byUser[id] = e
	}
	if name != "" {
		e.UserName = name
	}
	return e
}

func (m *Metrics) touch(e *ParticipationMetrics) {
	e.LastActivity = m.now()
	score := float64(e.MessageCount)*10 + e.TalkTime.Minutes()*5
	if score > 100 {
		score = 100
	}
	e.EngagementScore = score
}

// Snapshot returns tallies ordered by engagement, most active first.
func (m *Metrics) Snapshot() []ParticipationMetrics {
	out := lo.Map(lo.Values(m.byUser), func(e *ParticipationMetrics, _ int) ParticipationMetrics {
		return *e
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].EngagementScore != out[j].EngagementScore {
			return out[i].EngagementScore > out[j].EngagementScore
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// EngagementLevel buckets overall room activity.
func (m *Metrics) EngagementLevel() string {
	var total float64
	for _, e := range m.byUser {
		total += e.EngagementScore
	}
	n := len(m.byUser)
	if n == 0 {
		return "low"
	}
	switch avg := total / float64(n); {
	case avg >= 60:
		return "high"
	case avg >= 25:
		return "medium"
	default:
		return "low"
	}
}

// Duration reports elapsed meeting time.
func (m *Metrics) Duration() time.Duration {
	if m.start.IsZero() {
		return 0
	}
	return m.now().Sub(m.start)
}
