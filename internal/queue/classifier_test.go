package queue

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/haasonsaas/queuesync/pkg/models"
)

var (
	allStatuses = []models.ConversationStatus{
		models.ConversationStatusActive,
		models.ConversationStatusClosed,
		models.ConversationStatusArchived,
		"",
		"suspended",
	}
	allStates = []models.ConversationState{
		models.ConversationStateNew,
		models.ConversationStateBotActive,
		models.ConversationStateRouting,
		models.ConversationStateAssigned,
		models.ConversationStateInProgress,
		models.ConversationStateWaitingCustomer,
		models.ConversationStateResolved,
		models.ConversationStateClosed,
		models.ConversationStateDropped,
		"",
		"ESCALATED",
	}
	allAssignees = []*string{nil, models.StringPtr(""), models.StringPtr("u1")}
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		status   models.ConversationStatus
		state    models.ConversationState
		assignee *string
		want     Key
	}{
		{"closed status wins over bot", models.ConversationStatusClosed, models.ConversationStateBotActive, nil, models.QueueFinalizadas},
		{"archived", models.ConversationStatusArchived, models.ConversationStateInProgress, models.StringPtr("u1"), models.QueueFinalizadas},
		{"resolved state", models.ConversationStatusActive, models.ConversationStateResolved, nil, models.QueueFinalizadas},
		{"dropped state", models.ConversationStatusActive, models.ConversationStateDropped, models.StringPtr("u1"), models.QueueFinalizadas},
		{"closed state", models.ConversationStatusActive, models.ConversationStateClosed, nil, models.QueueFinalizadas},
		{"bot", models.ConversationStatusActive, models.ConversationStateBotActive, nil, models.QueueBot},
		{"bot with assignee", models.ConversationStatusActive, models.ConversationStateBotActive, models.StringPtr("u1"), models.QueueBot},
		{"routing unassigned", models.ConversationStatusActive, models.ConversationStateRouting, nil, models.QueueEntrada},
		{"routing assigned falls back", models.ConversationStatusActive, models.ConversationStateRouting, models.StringPtr("u1"), models.QueueEntrada},
		{"assigned", models.ConversationStatusActive, models.ConversationStateAssigned, models.StringPtr("u1"), models.QueueAguardando},
		{"assigned without assignee", models.ConversationStatusActive, models.ConversationStateAssigned, nil, models.QueueAguardando},
		{"in progress", models.ConversationStatusActive, models.ConversationStateInProgress, models.StringPtr("u1"), models.QueueEmAtendimento},
		{"waiting customer", models.ConversationStatusActive, models.ConversationStateWaitingCustomer, models.StringPtr("u1"), models.QueueEmAtendimento},
		{"new unassigned", models.ConversationStatusActive, models.ConversationStateNew, nil, models.QueueEntrada},
		{"new assigned", models.ConversationStatusActive, models.ConversationStateNew, models.StringPtr("u1"), models.QueueEntrada},
		{"unknown state", models.ConversationStatusActive, "ESCALATED", nil, models.QueueEntrada},
		{"unknown status", "suspended", models.ConversationStateBotActive, nil, models.QueueEntrada},
		{"empty assignee is unassigned", models.ConversationStatusActive, models.ConversationStateRouting, models.StringPtr(""), models.QueueEntrada},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := models.ConversationRecord{ID: "c1", Status: tt.status, State: tt.state, AssignedUserID: tt.assignee}
			if got := Classify(rec); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyIsTotal(t *testing.T) {
	for _, status := range allStatuses {
		for _, state := range allStates {
			for _, assignee := range allAssignees {
				rec := models.ConversationRecord{ID: "c", Status: status, State: state, AssignedUserID: assignee}
				key := Classify(rec)
				if !key.Valid() {
					t.Errorf("Classify(%s/%s) = %q, not a queue", status, state, key)
				}
				if again := Classify(rec); again != key {
					t.Errorf("Classify(%s/%s) not deterministic: %s then %s", status, state, key, again)
				}
			}
		}
	}
}

func TestTerminalPrecedence(t *testing.T) {
	for _, state := range allStates {
		for _, assignee := range allAssignees {
			for _, status := range []models.ConversationStatus{models.ConversationStatusClosed, models.ConversationStatusArchived} {
				rec := models.ConversationRecord{ID: "c", Status: status, State: state, AssignedUserID: assignee}
				if got := Classify(rec); got != models.QueueFinalizadas {
					t.Errorf("Classify(%s/%s) = %s, want finalizadas", status, state, got)
				}
			}
		}
	}
}

func TestClassifierLogsFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewClassifier(logger)

	c.Classify(models.ConversationRecord{ID: "c1", Status: models.ConversationStatusActive, State: models.ConversationStateBotActive})
	if buf.Len() != 0 {
		t.Errorf("unexpected log for matched rule: %s", buf.String())
	}

	c.Classify(models.ConversationRecord{ID: "c2", Status: models.ConversationStatusActive, State: "ESCALATED"})
	if !strings.Contains(buf.String(), "conversation_id=c2") {
		t.Errorf("fallback not logged: %s", buf.String())
	}

	var zero Classifier
	if got := zero.Classify(models.ConversationRecord{Status: models.ConversationStatusActive, State: "ESCALATED"}); got != models.QueueEntrada {
		t.Errorf("zero classifier = %s, want entrada", got)
	}
}

func TestClassifierCount(t *testing.T) {
	records := []models.ConversationRecord{
		{ID: "a", Status: models.ConversationStatusActive, State: models.ConversationStateBotActive},
		{ID: "b", Status: models.ConversationStatusActive, State: models.ConversationStateAssigned},
		{ID: "c", Status: models.ConversationStatusClosed, State: models.ConversationStateAssigned},
		{ID: "d", Status: models.ConversationStatusActive, State: models.ConversationStateNew},
	}
	counts := NewClassifier(nil).Count(slices.Values(records))

	want := map[Key]int{
		models.QueueBot:           1,
		models.QueueEntrada:       1,
		models.QueueAguardando:    1,
		models.QueueEmAtendimento: 0,
		models.QueueFinalizadas:   1,
	}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v, want every queue present", counts)
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("counts[%s] = %d, want %d", k, counts[k], n)
		}
	}
}

func TestKeysTabOrder(t *testing.T) {
	want := []Key{models.QueueBot, models.QueueEntrada, models.QueueAguardando, models.QueueEmAtendimento, models.QueueFinalizadas}
	if !slices.Equal(Keys(), want) {
		t.Errorf("Keys() = %v, want %v", Keys(), want)
	}
}
