package models

import (
	"encoding/json"
	"time"
)

// QueueKey identifies one of the operational queues (tabs) agents work from.
type QueueKey string

const (
	QueueBot           QueueKey = "bot"
	QueueEntrada       QueueKey = "entrada"
	QueueAguardando    QueueKey = "aguardando"
	QueueEmAtendimento QueueKey = "em_atendimento"
	QueueFinalizadas   QueueKey = "finalizadas"
)

// QueueKeys lists every queue in tab order.
func QueueKeys() []QueueKey {
	return []QueueKey{QueueBot, QueueEntrada, QueueAguardando, QueueEmAtendimento, QueueFinalizadas}
}

// Valid reports whether k is a known queue.
func (k QueueKey) Valid() bool {
	switch k {
	case QueueBot, QueueEntrada, QueueAguardando, QueueEmAtendimento, QueueFinalizadas:
		return true
	}
	return false
}

// CounterSource says where a snapshot's numbers came from.
type CounterSource string

const (
	CounterSourceServer  CounterSource = "server"
	CounterSourceDerived CounterSource = "derived"
)

// CounterSnapshot holds per-queue conversation counts.
type CounterSnapshot struct {
	Counts     map[QueueKey]int
	Source     CounterSource
	ProducedAt time.Time
}

// NewCounterSnapshot returns a snapshot with every queue present at zero.
func NewCounterSnapshot(source CounterSource, producedAt time.Time) CounterSnapshot {
	counts := make(map[QueueKey]int, len(QueueKeys()))
	for _, k := range QueueKeys() {
		counts[k] = 0
	}
	return CounterSnapshot{Counts: counts, Source: source, ProducedAt: producedAt}
}

// Count returns the count for k.
func (s CounterSnapshot) Count(k QueueKey) int {
	return s.Counts[k]
}

// Total sums every queue.
func (s CounterSnapshot) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

// Clone copies the counts map.
func (s CounterSnapshot) Clone() CounterSnapshot {
	out := s
	out.Counts = make(map[QueueKey]int, len(s.Counts))
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}

// counterWire is the payload shape used by both the REST endpoint and counters_updated.
type counterWire struct {
	Bot           int `json:"bot"`
	Entrada       int `json:"entrada"`
	Aguardando    int `json:"aguardando"`
	EmAtendimento int `json:"em_atendimento"`
	Finalizadas   int `json:"finalizadas"`
}

// MarshalJSON writes the flat backend shape.
func (s CounterSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(counterWire{
		Bot:           s.Counts[QueueBot],
		Entrada:       s.Counts[QueueEntrada],
		Aguardando:    s.Counts[QueueAguardando],
		EmAtendimento: s.Counts[QueueEmAtendimento],
		Finalizadas:   s.Counts[QueueFinalizadas],
	})
}

// UnmarshalJSON reads the flat backend shape. Negative counts clamp to zero.
// Source and ProducedAt are left for the caller to stamp.
func (s *CounterSnapshot) UnmarshalJSON(data []byte) error {
	var w counterWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Counts = map[QueueKey]int{
		QueueBot:           max(w.Bot, 0),
		QueueEntrada:       max(w.Entrada, 0),
		QueueAguardando:    max(w.Aguardando, 0),
		QueueEmAtendimento: max(w.EmAtendimento, 0),
		QueueFinalizadas:   max(w.Finalizadas, 0),
	}
	return nil
}
