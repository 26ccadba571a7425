package settlement

import (
	"context"
	"sync"
)

// Serializer hands out per-account turns. Two settlements for the same
// account never run concurrently, which closes the check-then-act race
// where both could pass the allowance check before either debit lands.
// Different accounts proceed fully in parallel.
//
// Gates are created lazily and reclaimed once nobody holds or waits on
// them, so the map does not grow with the number of accounts ever seen.
type Serializer struct {
	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	slot    chan struct{} // capacity 1: the account's single turn
	waiters int           // holders + queued
}

func NewSerializer() *Serializer {
	return &Serializer{gates: make(map[string]*gate)}
}

// WithTurn runs fn while holding the account's exclusive turn. Waiting for
// the turn is abandoned if ctx is cancelled; once fn starts, it runs to
// completion.
func (s *Serializer) WithTurn(ctx context.Context, account string, fn func() error) error {
	g := s.enter(account)

	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		s.leave(account, g)
		return ctx.Err()
	}

	defer func() {
		<-g.slot
		s.leave(account, g)
	}()
	return fn()
}

func (s *Serializer) enter(account string) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[account]
	if !ok {
		g = &gate{slot: make(chan struct{}, 1)}
		s.gates[account] = g
	}
	g.waiters++
	return g
}

func (s *Serializer) leave(account string, g *gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.waiters--
	if g.waiters == 0 && s.gates[account] == g {
		delete(s.gates, account)
	}
}
