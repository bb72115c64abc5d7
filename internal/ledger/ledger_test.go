package ledger_test

import (
	"errors"
	"testing"

	"WaterfallLedger/internal/ledger"
	fp "WaterfallLedger/internal/math"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	if got := ledger.WalletAccount(" rInvestor ").AccountPath(); got != "wallet:rInvestor" {
		t.Errorf("got %q, want %q", got, "wallet:rInvestor")
	}
	if got := ledger.ExternalFunding().AccountPath(); got != "external:funding" {
		t.Errorf("got %q, want %q", got, "external:funding")
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_Validate(t *testing.T) {
	a, b := ledger.WalletAccount("rA"), ledger.WalletAccount("rB")

	empty := ledger.NewBatch("TX", 1)
	if err := empty.Validate(); err == nil {
		t.Error("empty batch must not validate")
	}

	zero := ledger.NewBatch("TX", 1)
	zero.Add(ledger.JournalTypePayment, a, b, 0)
	if err := zero.Validate(); err == nil {
		t.Error("zero amount must not validate")
	}

	self := ledger.NewBatch("TX", 1)
	self.Add(ledger.JournalTypePayment, a, a, 5)
	if err := self.Validate(); err == nil {
		t.Error("self transfer must not validate")
	}

	ok := ledger.NewBatch("TX", 1)
	ok.Add(ledger.JournalTypePayment, a, b, 5)
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	ext, a, b := ledger.ExternalFunding(), ledger.WalletAccount("rA"), ledger.WalletAccount("rB")

	fund := ledger.NewBatch("FUND", 1)
	fund.Add(ledger.JournalTypeFunding, ext, a, fp.MustXRP("100"))
	if err := bt.ApplyBatch(fund); err != nil {
		t.Fatal(err)
	}

	pay := ledger.NewBatch("PAY", 2)
	pay.Add(ledger.JournalTypePayment, a, b, fp.MustXRP("30"))
	if err := bt.ApplyBatch(pay); err != nil {
		t.Fatal(err)
	}

	if got := bt.GetBalance(a); got != fp.MustXRP("70") {
		t.Errorf("a: got %s, want 70", got)
	}
	if got := bt.GetBalance(b); got != fp.MustXRP("30") {
		t.Errorf("b: got %s, want 30", got)
	}
	if got := bt.GetBalance(ext); got != -fp.MustXRP("100") {
		t.Errorf("external: got %s, want -100", got)
	}
	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance: got %d, want 0", total)
	}
}

func TestBalanceTracker_OverdraftRejectsWholeBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	ext, a, b, c := ledger.ExternalFunding(), ledger.WalletAccount("rA"), ledger.WalletAccount("rB"), ledger.WalletAccount("rC")

	fund := ledger.NewBatch("FUND", 1)
	fund.Add(ledger.JournalTypeFunding, ext, a, 10)
	if err := bt.ApplyBatch(fund); err != nil {
		t.Fatal(err)
	}

	batch := ledger.NewBatch("PAY", 2)
	batch.Add(ledger.JournalTypePayment, a, b, 10)
	batch.Add(ledger.JournalTypeHookEmit, b, c, 11)
	err := bt.ApplyBatch(batch)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := bt.GetBalance(a); got != 10 {
		t.Errorf("partial batch applied: a=%d, want 10", got)
	}
	if got := bt.GetBalance(b); got != 0 {
		t.Errorf("partial batch applied: b=%d, want 0", got)
	}
}

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_PostAndEntries(t *testing.T) {
	book := ledger.NewBook()

	fund := ledger.NewBatch("FUND", 1)
	fund.Add(ledger.JournalTypeFunding, ledger.ExternalFunding(), ledger.WalletAccount("rCharterer"), fp.MustXRP("500"))
	if err := book.Post(fund); err != nil {
		t.Fatal(err)
	}

	pay := ledger.NewBatch("ABC", 2)
	pay.Add(ledger.JournalTypePayment, ledger.WalletAccount("rCharterer"), ledger.WalletAccount("rPlatform"), fp.MustXRP("200"))
	pay.Add(ledger.JournalTypeHookEmit, ledger.WalletAccount("rPlatform"), ledger.WalletAccount("rInvestor"), fp.MustXRP("200"))
	if err := book.Post(pay); err != nil {
		t.Fatal(err)
	}

	if got := book.Balance("rInvestor"); got != fp.MustXRP("200") {
		t.Errorf("investor: got %s, want 200", got)
	}
	if got := book.Balance("rPlatform"); got != 0 {
		t.Errorf("platform: got %s, want 0", got)
	}
	if n := len(book.Entries("ABC")); n != 2 {
		t.Errorf("entries: got %d, want 2", n)
	}
	if book.Len() != 3 {
		t.Errorf("len: got %d, want 3", book.Len())
	}
	if err := book.Verify(); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestBook_RejectedBatchRecordsNothing(t *testing.T) {
	book := ledger.NewBook()
	pay := ledger.NewBatch("ABC", 2)
	pay.Add(ledger.JournalTypePayment, ledger.WalletAccount("rCharterer"), ledger.WalletAccount("rPlatform"), 1)
	if err := book.Post(pay); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if book.Len() != 0 || len(book.Entries("ABC")) != 0 {
		t.Error("rejected batch left entries behind")
	}
}
