package pay402

import (
	"math/big"
	"strings"
	"sync"
)

// dailyWindowMillis is the fixed spending window: one epoch-aligned day.
const dailyWindowMillis = 24 * 60 * 60 * 1000

// SpendingLimit caps spend for one (holder, token) pair. A nil ceiling
// means unconstrained on that axis.
type SpendingLimit struct {
	PerTransaction *big.Int
	Daily          *big.Int
}

// Allowance reports what a holder may still spend on a token.
type Allowance struct {
	PerTransaction *big.Int // nil when unconstrained
	Daily          *big.Int // nil when unconstrained
	Spent          *big.Int // accumulated in the current window
	WindowStart    int64    // unix millis, epoch-midnight aligned
}

type spendKey struct {
	holder string
	token  string
}

type spentEntry struct {
	mu          sync.Mutex
	spent       *big.Int
	windowStart int64
}

// SpendingGuard tracks per-(holder, token) spend and enforces configured
// limits. Entries for distinct keys proceed fully in parallel; check and
// record for the same key serialize on the entry lock.
type SpendingGuard struct {
	clock Clock

	mu      sync.Mutex
	limits  map[spendKey]SpendingLimit
	entries map[spendKey]*spentEntry
}

// GuardOption configures a SpendingGuard.
type GuardOption func(*SpendingGuard)

// WithGuardClock overrides the guard's clock.
func WithGuardClock(c Clock) GuardOption {
	return func(g *SpendingGuard) { g.clock = c }
}

// NewSpendingGuard creates a guard with no limits configured.
func NewSpendingGuard(opts ...GuardOption) *SpendingGuard {
	g := &SpendingGuard{
		clock:   SystemClock(),
		limits:  make(map[spendKey]SpendingLimit),
		entries: make(map[spendKey]*spentEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func makeSpendKey(holder, token string) spendKey {
	return spendKey{holder: strings.ToLower(holder), token: strings.ToLower(token)}
}

// SetLimit configures the limit for a (holder, token) pair. Absence of a
// configured limit means unconstrained spend.
func (g *SpendingGuard) SetLimit(holder, token string, limit SpendingLimit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[makeSpendKey(holder, token)] = limit
}

func (g *SpendingGuard) entry(key spendKey) *spentEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		e = &spentEntry{spent: new(big.Int)}
		g.entries[key] = e
	}
	return e
}

func (g *SpendingGuard) limit(key spendKey) (SpendingLimit, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limits[key]
	return l, ok
}

func (g *SpendingGuard) windowStart() int64 {
	nowMillis := g.clock.Now().UnixMilli()
	return (nowMillis / dailyWindowMillis) * dailyWindowMillis
}

// rollLocked lazily resets the entry when the clock has crossed into a new
// daily window. Caller holds e.mu.
func (g *SpendingGuard) rollLocked(e *spentEntry) {
	ws := g.windowStart()
	if e.windowStart != ws {
		e.windowStart = ws
		e.spent = new(big.Int)
	}
}

func checkLocked(limit SpendingLimit, hasLimit bool, spent, amount *big.Int) bool {
	if !hasLimit {
		return true
	}
	if limit.PerTransaction != nil && amount.Cmp(limit.PerTransaction) > 0 {
		return false
	}
	if limit.Daily != nil {
		total := new(big.Int).Add(spent, amount)
		if total.Cmp(limit.Daily) > 0 {
			return false
		}
	}
	return true
}

// Check reports whether spending amount would stay within the configured
// limits. Both the per-transaction and the daily ceiling must pass.
func (g *SpendingGuard) Check(holder, token string, amount *big.Int) bool {
	key := makeSpendKey(holder, token)
	limit, hasLimit := g.limit(key)
	e := g.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	g.rollLocked(e)
	return checkLocked(limit, hasLimit, e.spent, amount)
}

// Record adds amount to the holder's accumulated spend for the current window.
func (g *SpendingGuard) Record(holder, token string, amount *big.Int) {
	e := g.entry(makeSpendKey(holder, token))

	e.mu.Lock()
	defer e.mu.Unlock()
	g.rollLocked(e)
	e.spent.Add(e.spent, amount)
}

// Reserve atomically checks and records. Two concurrent reserves can never
// both pass a ceiling their combined total would exceed.
func (g *SpendingGuard) Reserve(holder, token string, amount *big.Int) bool {
	key := makeSpendKey(holder, token)
	limit, hasLimit := g.limit(key)
	e := g.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	g.rollLocked(e)
	if !checkLocked(limit, hasLimit, e.spent, amount) {
		return false
	}
	e.spent.Add(e.spent, amount)
	return true
}

// Remaining reports the holder's configured ceilings and current-window spend.
func (g *SpendingGuard) Remaining(holder, token string) Allowance {
	key := makeSpendKey(holder, token)
	limit, hasLimit := g.limit(key)
	e := g.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	g.rollLocked(e)

	a := Allowance{
		Spent:       new(big.Int).Set(e.spent),
		WindowStart: e.windowStart,
	}
	if hasLimit {
		if limit.PerTransaction != nil {
			a.PerTransaction = new(big.Int).Set(limit.PerTransaction)
		}
		if limit.Daily != nil {
			a.Daily = new(big.Int).Set(limit.Daily)
		}
	}
	return a
}
