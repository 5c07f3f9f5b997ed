// Package wallet tracks which replica identities currently have a ledger
// signer bound to their session.
package wallet

import (
	"strings"
	"sync"
	"time"

	"governance-sync/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Binding ties a replica identity to a ledger signer.
type Binding struct {
	Identity  string
	Address   common.Address
	Signer    ledger.Signer
	BoundAt   time.Time
	ExpiresAt time.Time // zero: never
}

func (b Binding) expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Registry caches session bindings and the reverse address -> identity map
// used to label ledger accounts.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]Binding
	byAddress  map[common.Address]string
	ttl        time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewRegistry creates a registry whose session bindings expire after ttl.
func NewRegistry(ttl time.Duration, log *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute // wallet sessions are re-established on reconnect
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byIdentity: map[string]Binding{},
		byAddress:  map[common.Address]string{},
		ttl:        ttl,
		now:        time.Now,
		log:        log,
	}
}

func normalize(identity string) string {
	return strings.TrimSpace(identity)
}

// Bind attaches s to identity for one session. A previous binding is replaced.
func (r *Registry) Bind(identity string, s ledger.Signer) Binding {
	now := r.now()
	return r.put(Binding{Identity: normalize(identity), Address: s.Address(), Signer: s, BoundAt: now, ExpiresAt: now.Add(r.ttl)})
}

// BindPermanent attaches s to identity with no expiry. It is used for the
// service signer configured at startup.
func (r *Registry) BindPermanent(identity string, s ledger.Signer) Binding {
	return r.put(Binding{Identity: normalize(identity), Address: s.Address(), Signer: s, BoundAt: r.now()})
}

// BindKey parses a hex private key and binds it permanently.
func (r *Registry) BindKey(identity, hexKey string) (Binding, error) {
	s, err := ledger.NewKeySigner(hexKey)
	if err != nil {
		return Binding{}, err
	}
	return r.BindPermanent(identity, s), nil
}

func (r *Registry) put(b Binding) Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byIdentity[b.Identity]; ok && prev.Address != b.Address {
		delete(r.byAddress, prev.Address)
	}
	r.byIdentity[b.Identity] = b
	r.byAddress[b.Address] = b.Identity
	r.log.Debug("wallet bound", zap.String("identity", b.Identity), zap.String("address", b.Address.Hex()))
	return b
}

// Unbind drops identity's binding, e.g. when the wallet disconnects.
func (r *Registry) Unbind(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(normalize(identity))
}

func (r *Registry) removeLocked(identity string) {
	if b, ok := r.byIdentity[identity]; ok {
		delete(r.byIdentity, identity)
		if r.byAddress[b.Address] == identity {
			delete(r.byAddress, b.Address)
		}
	}
}

// Resolve returns the signer bound to identity, or nil when the identity has
// no live session.
func (r *Registry) Resolve(identity string) (ledger.Signer, bool) {
	if r == nil || identity == "" {
		return nil, false
	}
	key := normalize(identity)

	// Fast path: live binding
	r.mu.RLock()
	b, ok := r.byIdentity[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !b.expired(r.now()) {
		return b.Signer, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check under lock; the session may have been renewed.
	if b, ok = r.byIdentity[key]; ok && !b.expired(r.now()) {
		return b.Signer, true
	}
	r.removeLocked(key)
	r.log.Debug("wallet session expired", zap.String("identity", key))
	return nil, false
}

// Identity labels a ledger address with the identity bound to it, or "".
func (r *Registry) Identity(addr common.Address) string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddress[addr]
}

// Sessions returns every live binding.
func (r *Registry) Sessions() []Binding {
	if r == nil {
		return nil
	}
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.byIdentity))
	for _, b := range r.byIdentity {
		if !b.expired(now) {
			out = append(out, b)
		}
	}
	return out
}

// Prune removes expired bindings and reports how many were dropped.
func (r *Registry) Prune() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, b := range r.byIdentity {
		if b.expired(now) {
			r.removeLocked(id)
			n++
		}
	}
	if n > 0 {
		r.log.Info("pruned expired wallet sessions", zap.Int("count", n))
	}
	return n
}
