// Package realm packs realm identity and per-realm scope sets into a single
// 64-bit authorization integer, with bijective resolve/lookup/unresolve.
//
// Bits 48..63 hold at most one realm bit; bits 0..47 hold scope bits that
// are only meaningful relative to whichever realm bit is set. A single
// 64-bit authorization lets a router match routes in O(1):
// route.authorization & stream.authorization == route.authorization.
package realm

import (
	"fmt"
	"math/bits"
	"sync"
)

const (
	// RealmMask selects the realm-identity bits of an Authorization.
	RealmMask uint64 = 0xFFFF_0000_0000_0000
	// ScopeMask selects the per-realm scope bits of an Authorization.
	ScopeMask uint64 = 0x0000_FFFF_FFFF_FFFF
	// MaxRealms bounds the number of distinct realms a Registry can hold.
	MaxRealms = 16
	// MaxScopesPerRealm bounds the number of scope bits within one realm.
	MaxScopesPerRealm = 48

	realmBitShift = 48
)

// Authorization is the packed realm/scope integer. Zero means unauthenticated.
type Authorization uint64

// RealmBit returns the single realm-identity bit, or 0 if none is set.
func (a Authorization) RealmBit() uint64 {
	return uint64(a) & RealmMask
}

// ScopeBits returns the scope bits, meaningful only relative to RealmBit.
func (a Authorization) ScopeBits() uint64 {
	return uint64(a) & ScopeMask
}

// String renders the realm bit position and scope bit count for log lines.
func (a Authorization) String() string {
	realmBits := a.RealmBit()
	if realmBits == 0 {
		return "auth(none)"
	}
	pos := bits.TrailingZeros64(realmBits) - realmBitShift
	return fmt.Sprintf("auth(realm=%d scopes=%d)", pos, bits.OnesCount64(a.ScopeBits()))
}

// RealmIndex returns the bit position (0..MaxRealms-1) of a's realm bit, the
// same index the Grant Table uses for its per-realm dimension. ok is false
// for an unauthenticated (zero) authorization.
func RealmIndex(a Authorization) (index int, ok bool) {
	realmBits := a.RealmBit()
	if realmBits == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(realmBits) - realmBitShift, true
}

// VerifiedToken is the minimal view of a verified token the Registry needs
// for lookup: the realm name is the same kid used to select the
// verification key, plus the standard iss/aud/scope claims.
type VerifiedToken interface {
	Kid() string
	Issuer() string
	Audience() string
	Scopes() []string
}

// RealmInfo is one (issuer, audience) binding within a named realm. Scope
// bits are assigned first-seen within a RealmInfo.
type RealmInfo struct {
	realmName    string
	issuer       string
	audience     string
	bitPos       int
	scopeBits    map[string]int
	nextScopeBit int
}

// Issuer returns the bound issuer for this info.
func (ri *RealmInfo) Issuer() string { return ri.issuer }

// Audience returns the bound audience for this info.
func (ri *RealmInfo) Audience() string { return ri.audience }

func (ri *RealmInfo) authorizationBit() uint64 {
	return uint64(1) << (realmBitShift + ri.bitPos)
}

// supplyScopeBit interns the scope name, assigning a fresh bit on first
// sight. Callers must have already checked the realm's scope budget.
func (ri *RealmInfo) supplyScopeBit(name string) uint64 {
	if pos, ok := ri.scopeBits[name]; ok {
		return uint64(1) << pos
	}
	pos := ri.nextScopeBit
	ri.nextScopeBit++
	ri.scopeBits[name] = pos
	return uint64(1) << pos
}

// existingScopeBit returns the bit for a previously-seen scope, or 0 if the
// scope was never resolved under this RealmInfo — lookup never creates bits.
func (ri *RealmInfo) existingScopeBit(name string) uint64 {
	if pos, ok := ri.scopeBits[name]; ok {
		return uint64(1) << pos
	}
	return 0
}

type realmEntry struct {
	name  string
	infos []*RealmInfo
}

// Stats summarizes a Registry's bit allocation for logging.
type Stats struct {
	RealmCount   int
	ScopesByInfo map[string]int
}

// Registry assigns realm/scope bits and answers resolve/lookup/unresolve.
// A process holds exactly one Registry, populated at startup and read
// thereafter by worker goroutines; the mutex exists for test harnesses and
// control-plane callers, not because a single worker needs it.
type Registry struct {
	mu           sync.Mutex
	realms       map[string]*realmEntry
	bitToInfo    [MaxRealms]*RealmInfo
	nextRealmBit int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		realms: make(map[string]*realmEntry),
	}
}

// Resolve interns (realmName, issuer, audience) and the given scopes,
// returning the composite authorization. Returns 0 if the realm-bit space
// is saturated, or if granting these scopes would exceed the per-realm
// scope budget.
func (r *Registry) Resolve(realmName, issuer, audience string, scopes []string) Authorization {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nextRealmBit >= MaxRealms {
		return 0
	}

	re := r.realms[realmName]
	var info *RealmInfo
	if re != nil {
		for _, i := range re.infos {
			if i.issuer == issuer && i.audience == audience {
				info = i
				break
			}
		}
	}

	existingCount := 0
	if info != nil {
		existingCount = len(info.scopeBits)
	}
	if existingCount+len(scopes) > MaxScopesPerRealm {
		return 0
	}

	if info == nil {
		bitPos := r.nextRealmBit
		r.nextRealmBit++
		info = &RealmInfo{
			realmName: realmName,
			issuer:    issuer,
			audience:  audience,
			bitPos:    bitPos,
			scopeBits: make(map[string]int),
		}
		if re == nil {
			re = &realmEntry{name: realmName}
			r.realms[realmName] = re
		}
		re.infos = append(re.infos, info)
		r.bitToInfo[bitPos] = info
	}

	auth := info.authorizationBit()
	for _, s := range scopes {
		auth |= info.supplyScopeBit(s)
	}
	return Authorization(auth)
}

// Lookup resolves an authorization from a verified token's claims, without
// creating any new realm or scope bits. Unknown scopes contribute 0.
func (r *Registry) Lookup(token VerifiedToken) Authorization {
	r.mu.Lock()
	defer r.mu.Unlock()

	re := r.realms[token.Kid()]
	if re == nil {
		return 0
	}

	var info *RealmInfo
	issuer, audience := token.Issuer(), token.Audience()
	for _, i := range re.infos {
		if i.issuer == issuer && i.audience == audience {
			info = i
			break
		}
	}
	if info == nil {
		return 0
	}

	auth := info.authorizationBit()
	for _, s := range token.Scopes() {
		auth |= info.existingScopeBit(s)
	}
	return Authorization(auth)
}

// Unresolve removes the RealmInfo bound to authorization's single realm
// bit, and the containing realm entry if it's left empty. Returns false if
// the realm portion doesn't carry exactly one bit, or if that bit is
// already unbound.
func (r *Registry) Unresolve(auth Authorization) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	realmBits := auth.RealmBit()
	if bits.OnesCount64(realmBits) != 1 {
		return false
	}

	bitPos := bits.TrailingZeros64(realmBits) - realmBitShift
	info := r.bitToInfo[bitPos]
	if info == nil {
		return false
	}
	r.bitToInfo[bitPos] = nil

	re := r.realms[info.realmName]
	if re == nil {
		return true
	}
	for idx, i := range re.infos {
		if i == info {
			re.infos = append(re.infos[:idx], re.infos[idx+1:]...)
			break
		}
	}
	if len(re.infos) == 0 {
		delete(r.realms, info.realmName)
	}
	return true
}

// Stats reports the current bit allocation, for logging/observability.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{RealmCount: len(r.realms), ScopesByInfo: make(map[string]int)}
	for name, re := range r.realms {
		for _, info := range re.infos {
			key := fmt.Sprintf("%s/%s/%s", name, info.issuer, info.audience)
			s.ScopesByInfo[key] = len(info.scopeBits)
		}
	}
	return s
}
