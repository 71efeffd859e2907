package pay402

import (
	"math/big"
	"sync"
	"testing"
	"time"
)

func limits(perTx, daily int64) SpendingLimit {
	l := SpendingLimit{}
	if perTx > 0 {
		l.PerTransaction = big.NewInt(perTx)
	}
	if daily > 0 {
		l.Daily = big.NewInt(daily)
	}
	return l
}

func TestSpendingGuardPerTransactionCeiling(t *testing.T) {
	guard := NewSpendingGuard()
	guard.SetLimit("0xholder", "0xtoken", limits(10, 0))

	if guard.Check("0xholder", "0xtoken", big.NewInt(11)) {
		t.Fatal("expected check above per-transaction ceiling to fail")
	}
	if !guard.Check("0xholder", "0xtoken", big.NewInt(10)) {
		t.Fatal("expected check at per-transaction ceiling to pass")
	}
}

func TestSpendingGuardDailyCeiling(t *testing.T) {
	guard := NewSpendingGuard()
	guard.SetLimit("0xholder", "0xtoken", limits(0, 10))

	guard.Record("0xholder", "0xtoken", big.NewInt(6))
	if guard.Check("0xholder", "0xtoken", big.NewInt(5)) {
		t.Fatal("expected check to fail with 6 already spent against a daily ceiling of 10")
	}
	if !guard.Check("0xholder", "0xtoken", big.NewInt(4)) {
		t.Fatal("expected check within the remaining daily allowance to pass")
	}
}

func TestSpendingGuardUnconfiguredTokenIsUnconstrained(t *testing.T) {
	guard := NewSpendingGuard()
	guard.SetLimit("0xholder", "0xtoken", limits(1, 1))

	if !guard.Check("0xholder", "0xother", big.NewInt(1_000_000)) {
		t.Fatal("expected unconfigured token to be unconstrained")
	}
}

func TestSpendingGuardKeysAreCaseInsensitive(t *testing.T) {
	guard := NewSpendingGuard()
	guard.SetLimit("0xABCD", "0xToken", limits(10, 0))

	if guard.Check("0xabcd", "0xTOKEN", big.NewInt(11)) {
		t.Fatal("expected limit lookup to be case-insensitive")
	}
}

func TestSpendingGuardWindowResetsAtEpochMidnight(t *testing.T) {
	start := time.Unix(1_700_006_400, 0) // mid-window
	clock := newFakeClock(start)
	guard := NewSpendingGuard(WithGuardClock(clock))
	guard.SetLimit("0xholder", "0xtoken", limits(0, 10))

	guard.Record("0xholder", "0xtoken", big.NewInt(10))
	if guard.Check("0xholder", "0xtoken", big.NewInt(1)) {
		t.Fatal("expected daily ceiling to be exhausted")
	}

	clock.Advance(24 * time.Hour)
	if !guard.Check("0xholder", "0xtoken", big.NewInt(10)) {
		t.Fatal("expected spend to reset after crossing into a new daily window")
	}

	a := guard.Remaining("0xholder", "0xtoken")
	if a.Spent.Sign() != 0 {
		t.Fatalf("expected spent to reset to zero, got %s", a.Spent)
	}
	if a.WindowStart%dailyWindowMillis != 0 {
		t.Fatalf("expected window start aligned to epoch midnight, got %d", a.WindowStart)
	}
}

func TestSpendingGuardRemaining(t *testing.T) {
	guard := NewSpendingGuard()
	guard.SetLimit("0xholder", "0xtoken", limits(5, 20))
	guard.Record("0xholder", "0xtoken", big.NewInt(7))

	a := guard.Remaining("0xholder", "0xtoken")
	if a.PerTransaction.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected per-transaction ceiling 5, got %s", a.PerTransaction)
	}
	if a.Daily.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected daily ceiling 20, got %s", a.Daily)
	}
	if a.Spent.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("expected spent 7, got %s", a.Spent)
	}
}

func TestSpendingGuardReserveIsAtomic(t *testing.T) {
	guard := NewSpendingGuard()
	guard.SetLimit("0xholder", "0xtoken", limits(0, 10))

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	passed := 0

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.Reserve("0xholder", "0xtoken", big.NewInt(6)) {
				mu.Lock()
				passed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 6+6 exceeds the daily ceiling of 10, so exactly one reserve may pass.
	if passed != 1 {
		t.Fatalf("expected exactly 1 reserve to pass, got %d", passed)
	}
}
