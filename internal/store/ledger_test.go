package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestDebit_InsufficientFunds(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "acct", 500); err != nil {
		t.Fatal(err)
	}

	err := s.Debit(ctx, "acct", 1000)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance unchanged.
	bal, err := s.GetBalance(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if bal.BalanceMsat != 500 {
		t.Errorf("balance = %d, expected 500", bal.BalanceMsat)
	}
}

func TestDebit_UnknownAccount(t *testing.T) {
	s := createTestStore(t)

	err := s.Debit(context.Background(), "nobody", 1)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCredit_CreatesAccount(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "acct", 100); err != nil {
		t.Fatal(err)
	}
	if err := s.Credit(ctx, "acct", 50); err != nil {
		t.Fatal(err)
	}

	bal, err := s.GetBalance(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if bal.BalanceMsat != 150 {
		t.Errorf("balance = %d, expected 150", bal.BalanceMsat)
	}
}

// Concurrent debits against one account must serialize: the final balance
// equals initial minus the sum of successful debits, and is never negative.
func TestDebit_ConcurrentNeverNegative(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const initial = 1000
	if err := s.Credit(ctx, "acct", initial); err != nil {
		t.Fatal(err)
	}

	const racers = 20
	const amount = 100

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Debit(ctx, "acct", amount)
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, ErrInsufficientFunds):
				// Expected for the losers.
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != initial/amount {
		t.Errorf("succeeded = %d, expected %d", succeeded, initial/amount)
	}

	bal, err := s.GetBalance(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if bal.BalanceMsat != 0 {
		t.Errorf("final balance = %d, expected 0", bal.BalanceMsat)
	}
}

func TestRecordSettlement_Duplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := Payment{
		PaymentHash: "hash-1",
		Account:     "acct",
		AmountMsat:  1000,
		Request:     `{"kind":5600}`,
	}
	if err := s.RecordSettlement(ctx, p); err != nil {
		t.Fatal(err)
	}

	err := s.RecordSettlement(ctx, p)
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Errorf("expected ErrDuplicatePayment, got %v", err)
	}
}

func TestSettleAndCredit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := Payment{
		PaymentHash: "hash-1",
		Account:     "acct",
		AmountMsat:  2500,
		Request:     `{"kind":9734}`,
	}
	if err := s.SettleAndCredit(ctx, p); err != nil {
		t.Fatal(err)
	}

	bal, err := s.GetBalance(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if bal.BalanceMsat != 2500 {
		t.Errorf("balance = %d, expected 2500", bal.BalanceMsat)
	}

	// A duplicate settlement must not credit twice.
	err = s.SettleAndCredit(ctx, p)
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
	bal, err = s.GetBalance(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if bal.BalanceMsat != 2500 {
		t.Errorf("balance after duplicate = %d, expected 2500", bal.BalanceMsat)
	}
}

func TestSetSettlementResult(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := Payment{PaymentHash: "hash-1", Account: "acct", AmountMsat: 1, Request: "{}"}
	if err := s.RecordSettlement(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := s.SetSettlementResult(ctx, "hash-1", "result-id"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSettlement(ctx, "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ResultID == nil || *got.ResultID != "result-id" {
		t.Errorf("result id = %v, expected result-id", got.ResultID)
	}

	err = s.SetSettlementResult(ctx, "missing", "x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
