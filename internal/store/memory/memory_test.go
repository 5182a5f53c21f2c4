package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/store"
)

func TestJournal_CompletionMarkerOnce(t *testing.T) {
	j := New()
	ctx := context.Background()

	first, err := j.MarkCompleted(ctx, "tx-1", time.Now())
	if err != nil || !first {
		t.Fatalf("first MarkCompleted() = %v, %v; want true, nil", first, err)
	}
	again, err := j.MarkCompleted(ctx, "tx-1", time.Now())
	if err != nil || again {
		t.Fatalf("second MarkCompleted() = %v, %v; want false, nil", again, err)
	}
	if ok, _ := j.IsCompleted(ctx, "tx-1"); !ok {
		t.Error("IsCompleted() = false after marking")
	}
	if ok, _ := j.IsCompleted(ctx, "tx-2"); ok {
		t.Error("IsCompleted() = true for an unknown transaction")
	}
}

func TestJournal_PayoutOnce(t *testing.T) {
	j := New()
	ctx := context.Background()

	if _, err := j.GetPayout(ctx, "tx-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetPayout() error = %v, want ErrNotFound", err)
	}
	p := &model.Payout{TransactionID: "tx-1", Reference: "po-1", Amount: decimal.NewFromInt(1000)}
	if err := j.MarkPayout(ctx, p); err != nil {
		t.Fatalf("MarkPayout() error: %v", err)
	}
	var ce *model.ConflictError
	if err := j.MarkPayout(ctx, p); !errors.As(err, &ce) {
		t.Fatalf("second MarkPayout() error = %v, want ConflictError", err)
	}
	got, err := j.GetPayout(ctx, "tx-1")
	if err != nil || got.Reference != "po-1" {
		t.Fatalf("GetPayout() = %+v, %v", got, err)
	}
}

func TestJournal_OneOpenDisputePerTransaction(t *testing.T) {
	j := New()
	ctx := context.Background()
	now := time.Now()

	d1 := &model.Dispute{ID: "d1", TransactionID: "tx-1", Status: model.DisputeStatusOpen, CreatedAt: now}
	if err := j.CreateDispute(ctx, d1); err != nil {
		t.Fatalf("CreateDispute() error: %v", err)
	}
	d2 := &model.Dispute{ID: "d2", TransactionID: "tx-1", Status: model.DisputeStatusOpen, CreatedAt: now}
	var ce *model.ConflictError
	if err := j.CreateDispute(ctx, d2); !errors.As(err, &ce) {
		t.Fatalf("second CreateDispute() error = %v, want ConflictError", err)
	}

	open, err := j.OpenDispute(ctx, "tx-1")
	if err != nil || open.ID != "d1" {
		t.Fatalf("OpenDispute() = %+v, %v", open, err)
	}

	resolved, err := j.ResolveDispute(ctx, "d1", now.Add(time.Hour))
	if err != nil || resolved.Status != model.DisputeStatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("ResolveDispute() = %+v, %v", resolved, err)
	}
	if _, err := j.OpenDispute(ctx, "tx-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("OpenDispute() after resolve error = %v, want ErrNotFound", err)
	}

	// A new dispute may be opened once the previous one is resolved.
	if err := j.CreateDispute(ctx, d2); err != nil {
		t.Fatalf("CreateDispute() after resolve error: %v", err)
	}
	all, _ := j.ListDisputes(ctx, "tx-1")
	if len(all) != 2 {
		t.Errorf("ListDisputes() returned %d, want 2", len(all))
	}
	if _, err := j.ResolveDispute(ctx, "missing", now); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ResolveDispute(missing) error = %v, want ErrNotFound", err)
	}
}

func TestJournal_Transitions(t *testing.T) {
	j := New()
	ctx := context.Background()
	for _, s := range []string{"modal_open", "escrow_created", "fees_calculated"} {
		if err := j.RecordTransition(ctx, store.Transition{TransactionID: "tx-1", Stage: s, At: time.Now()}); err != nil {
			t.Fatalf("RecordTransition() error: %v", err)
		}
	}
	got, err := j.Transitions(ctx, "tx-1")
	if err != nil || len(got) != 3 || got[2].Stage != "fees_calculated" {
		t.Fatalf("Transitions() = %+v, %v", got, err)
	}
}
