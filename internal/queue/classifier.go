// Package queue maps conversation records to the operational queue an agent
// works them from.
package queue

import (
	"context"
	"iter"
	"log/slog"

	"github.com/haasonsaas/queuesync/pkg/models"
)

// Key aliases models.QueueKey so callers can stay inside this package.
type Key = models.QueueKey

// Keys lists every queue in tab order.
func Keys() []Key {
	return models.QueueKeys()
}

// Classify returns the single queue a record belongs to. It is pure and
// total: the first matching rule wins and anything unmatched lands in entrada.
func Classify(rec models.ConversationRecord) Key {
	key, _ := classify(rec)
	return key
}

// classify also reports whether the catch-all rule was taken.
func classify(rec models.ConversationRecord) (Key, bool) {
	if rec.Status.IsTerminal() || rec.State.IsTerminal() {
		return models.QueueFinalizadas, false
	}
	if rec.Status != models.ConversationStatusActive {
		return models.QueueEntrada, true
	}

	switch rec.State {
	case models.ConversationStateBotActive:
		return models.QueueBot, false
	case models.ConversationStateRouting:
		if !rec.Assigned() {
			return models.QueueEntrada, false
		}
	case models.ConversationStateAssigned:
		return models.QueueAguardando, false
	case models.ConversationStateInProgress, models.ConversationStateWaitingCustomer:
		return models.QueueEmAtendimento, false
	case models.ConversationStateNew:
		if !rec.Assigned() {
			return models.QueueEntrada, false
		}
	}
	return models.QueueEntrada, true
}

// Classifier wraps Classify with a debug record when a conversation falls
// through to the default queue. A zero Classifier is ready to use.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier creates a classifier that logs fallbacks to logger.
// A nil logger disables the fallback record.
func NewClassifier(logger *slog.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// Classify returns the queue for rec.
func (c *Classifier) Classify(rec models.ConversationRecord) Key {
	key, fallback := classify(rec)
	if fallback && c != nil && c.logger != nil && c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug("conversation classified by default rule",
			"conversation_id", rec.ID,
			"status", string(rec.Status),
			"state", string(rec.State),
			"assigned", rec.Assigned(),
			"queue", string(key),
		)
	}
	return key
}

// Count folds records through the classifier into a per-queue tally with
// every queue present.
func (c *Classifier) Count(records iter.Seq[models.ConversationRecord]) map[Key]int {
	counts := make(map[Key]int, len(Keys()))
	for _, k := range Keys() {
		counts[k] = 0
	}
	for rec := range records {
		counts[c.Classify(rec)]++
	}
	return counts
}
