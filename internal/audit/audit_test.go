package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/testutil"
)

func TestRecord_RunAndEvidence(t *testing.T) {
	db := testutil.TestDB(t)
	l := New(db)
	ctx := WithRun(context.Background(), "run-1")

	seq, err := l.Record(ctx, Entry{
		Actor:        ActorDeduplicator,
		Decision:     DecisionAmbiguousMatch,
		SubjectID:    "m3",
		RelatedIDs:   []string{"m1", "m2"},
		Evidence:     map[string]string{"level": "B"},
		Alternatives: []models.Alternative{{CandidateID: "m1", Reason: "ambiguous_tie"}, {CandidateID: "m2", Reason: "ambiguous_tie"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if seq <= 0 {
		t.Errorf("seq = %d", seq)
	}

	got, err := l.ByRun(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RunID != "run-1" || len(got[0].Alternatives) != 2 {
		t.Fatalf("by run = %+v", got)
	}
	var ev map[string]string
	if err := json.Unmarshal(got[0].Evidence, &ev); err != nil || ev["level"] != "B" {
		t.Errorf("evidence = %s", got[0].Evidence)
	}

	related, err := l.BySubject(context.Background(), "m2")
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 1 || related[0].SubjectID != "m3" {
		t.Errorf("by related subject = %+v", related)
	}

	byDecision, err := l.ByDecision(context.Background(), DecisionAmbiguousMatch, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byDecision) != 1 {
		t.Errorf("by decision = %d entries", len(byDecision))
	}
}

func TestRunFrom_Empty(t *testing.T) {
	if RunFrom(context.Background()) != "" {
		t.Error("expected no run id")
	}
}

func TestByThread_And_ExplainLink(t *testing.T) {
	db := testutil.TestDB(t)
	l := New(db)
	ctx := context.Background()

	err := db.InTx(ctx, func(q *store.Queries) error {
		if _, err := q.InsertLink(ctx, models.Link{ChildID: "m2", ParentID: "m1", State: models.StateLinked,
			Methods: []models.Method{models.MethodInReplyTo}, Confidence: models.ConfidenceHighest}); err != nil {
			return err
		}
		if _, err := q.InsertLink(ctx, models.Link{ChildID: "m3", ParentID: "m2", State: models.StateLinked,
			Methods: []models.Method{models.MethodQuotedHash}, Confidence: models.ConfidenceMedium}); err != nil {
			return err
		}
		for _, id := range []string{"m1", "m2", "m3"} {
			if _, err := l.RecordTx(ctx, q, Entry{Actor: ActorThreader, Decision: DecisionLinked, SubjectID: id}); err != nil {
				return err
			}
		}
		_, err := l.RecordTx(ctx, q, Entry{Actor: ActorIntegrity, Decision: DecisionItemRegistered, SubjectID: "m3"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	thread, err := l.ByThread(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 4 {
		t.Errorf("thread entries = %d, want 4", len(thread))
	}

	ex, err := l.ExplainLink(ctx, "m3")
	if err != nil {
		t.Fatal(err)
	}
	if ex.Current == nil || ex.Current.ParentID != "m2" || len(ex.History) != 1 {
		t.Errorf("explanation = %+v", ex)
	}
	if len(ex.Entries) != 1 || ex.Entries[0].Actor != ActorThreader {
		t.Errorf("entries = %+v", ex.Entries)
	}
}
