// Package grant implements the shared, reference-counted AccessGrant table
// keyed by (realmIndex, affinityId, subject).
//
// A grant is shared by both halves of a proxy pair, and across sibling
// streams for the same subject on the same affinity. Reference counting
// with an injected cleaner closure avoids a cyclic reference between the
// grant and the table: the cleaner closes only over the table's
// subject-keyed map slot, never over the grant itself.
package grant

import (
	"sync"
	"time"

	"github.com/jwtproxy/nukleus/internal/realm"
)

// MaxRealms bounds the realm-index dimension of the table.
const MaxRealms = realm.MaxRealms

// EventSink receives lifecycle notifications for observability. A nil
// sink is valid and every call is a no-op.
type EventSink interface {
	GrantCreated(affinityID, subject string)
	GrantReauthorized(subject string, authorization realm.Authorization, expiresAt time.Time)
	GrantReleased(subject string)
}

// AccessGrant is the shared authorization state for a subject on a given
// affinity. The zero value's cleaner is nil; acquiring a zero-value grant
// directly (rather than through Table.Supply) is a programming error.
type AccessGrant struct {
	mu             sync.Mutex
	subject        string
	authorization  realm.Authorization
	expiresAt      time.Time
	challengeDelta time.Duration
	refCount       uint32
	cleaner        func()
}

// Subject returns the grant's subject ("" for an anonymous grant).
func (g *AccessGrant) Subject() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subject
}

// Authorization returns the grant's current authorization.
func (g *AccessGrant) Authorization() realm.Authorization {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authorization
}

// ExpiresAt returns the grant's current expiry, or the zero Time for NEVER.
func (g *AccessGrant) ExpiresAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expiresAt
}

// ChallengeDelta returns the grant's current challenge-before-expiry delta.
func (g *AccessGrant) ChallengeDelta() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.challengeDelta
}

// RefCount returns the grant's current reference count.
func (g *AccessGrant) RefCount() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refCount
}

// Reauthorize applies a new authorization/expiry/challengeDelta. If the
// grant has no live references yet (first binding), the fields are set
// unconditionally and false is returned. Otherwise the update is applied
// only if monotonic — existing authorization bits all present in the new
// authorization, and the new expiry strictly later than the current one —
// and that monotonicity result is returned. A non-monotonic reauthorization
// is silently ignored: the old grant keeps running until its own expiry.
func (g *AccessGrant) Reauthorize(newAuth realm.Authorization, newExpiresAt time.Time, newChallengeDelta time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refCount == 0 {
		g.authorization = newAuth
		g.expiresAt = newExpiresAt
		g.challengeDelta = newChallengeDelta
		return false
	}

	isMonotonic := (uint64(g.authorization)&uint64(newAuth)) == uint64(g.authorization) &&
		newExpiresAt.After(g.expiresAt)
	if isMonotonic {
		g.expiresAt = newExpiresAt
		g.challengeDelta = newChallengeDelta
	}
	return isMonotonic
}

// Acquire adds a live reference. It panics if called after the grant has
// already been released to zero references — acquiring a poisoned grant is
// a caller bug, not a recoverable condition.
func (g *AccessGrant) Acquire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cleaner == nil {
		panic("grant: acquire called on a released grant")
	}
	g.refCount++
}

// Release drops a live reference. At zero references the cleaner runs
// exactly once and is then cleared, poisoning the grant against further use.
func (g *AccessGrant) Release() {
	g.mu.Lock()
	if g.refCount > 0 {
		g.refCount--
	}
	if g.refCount != 0 {
		g.mu.Unlock()
		return
	}
	cleaner := g.cleaner
	g.cleaner = nil
	g.mu.Unlock()

	if cleaner != nil {
		cleaner()
	}
}

// Table is the per-process Grant Table: array[16] of
// mapping<affinityId, mapping<subject, AccessGrant>>.
type Table struct {
	mu      sync.Mutex
	byRealm [MaxRealms]map[string]map[string]*AccessGrant
	sink    EventSink
}

// NewTable returns an empty Table. sink may be nil.
func NewTable(sink EventSink) *Table {
	return &Table{sink: sink}
}

// Supply returns the AccessGrant for (realmIndex, affinityID, subject),
// creating it with refCount==0 on first sight. An empty subject always
// returns a fresh, never-shared anonymous grant with a no-op cleaner.
func (t *Table) Supply(realmIndex int, affinityID, subject string) *AccessGrant {
	if subject == "" {
		return &AccessGrant{cleaner: func() {}}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	affMap := t.byRealm[realmIndex]
	if affMap == nil {
		affMap = make(map[string]map[string]*AccessGrant)
		t.byRealm[realmIndex] = affMap
	}
	subjMap := affMap[affinityID]
	if subjMap == nil {
		subjMap = make(map[string]*AccessGrant)
		affMap[affinityID] = subjMap
	}
	if g, ok := subjMap[subject]; ok {
		return g
	}

	g := &AccessGrant{subject: subject}
	g.cleaner = func() {
		t.mu.Lock()
		delete(subjMap, subject)
		if len(subjMap) == 0 {
			delete(affMap, affinityID)
		}
		t.mu.Unlock()
		if t.sink != nil {
			t.sink.GrantReleased(subject)
		}
	}
	subjMap[subject] = g
	if t.sink != nil {
		t.sink.GrantCreated(affinityID, subject)
	}
	return g
}

// Reauthorize locates the grant at the given key and applies a
// reauthorization, returning false if the grant isn't present. Most
// callers already hold the *AccessGrant from Supply and should call
// AccessGrant.Reauthorize directly; this exists for control-plane callers
// working only from the key.
func (t *Table) Reauthorize(realmIndex int, affinityID, subject string, newAuth realm.Authorization, newExpiresAt time.Time, newChallengeDelta time.Duration) bool {
	t.mu.Lock()
	affMap := t.byRealm[realmIndex]
	var g *AccessGrant
	if affMap != nil {
		if subjMap := affMap[affinityID]; subjMap != nil {
			g = subjMap[subject]
		}
	}
	t.mu.Unlock()

	if g == nil {
		return false
	}
	result := g.Reauthorize(newAuth, newExpiresAt, newChallengeDelta)
	if t.sink != nil {
		t.sink.GrantReauthorized(subject, g.Authorization(), g.ExpiresAt())
	}
	return result
}

// Snapshot summarizes live grant counts per realm index, for a diagnostic
// route.
type Snapshot struct {
	GrantsByRealm map[int]int
	TotalGrants   int
}

// Snapshot reports the current table contents.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{GrantsByRealm: make(map[int]int)}
	for idx, affMap := range t.byRealm {
		count := 0
		for _, subjMap := range affMap {
			count += len(subjMap)
		}
		if count > 0 {
			snap.GrantsByRealm[idx] = count
			snap.TotalGrants += count
		}
	}
	return snap
}
