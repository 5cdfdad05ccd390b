package processor

import (
	"context"
	"strconv"
	"sync"
)

// Sim is an in-memory processor for demo/development mode. Every account
// is payable and every operation succeeds, with idempotency tokens
// deduplicated the way a real processor would.
type Sim struct {
	mu   sync.Mutex
	refs map[string]string // idempotency token -> ref issued for it
	seq  int
}

// NewSim creates a simulated processor.
func NewSim() *Sim {
	return &Sim{refs: make(map[string]string)}
}

var _ Processor = (*Sim)(nil)
var _ PayoutAccounts = (*Sim)(nil)

func (s *Sim) Authorize(ctx context.Context, amountCents int64, payerRef, idempotencyToken string) (string, error) {
	return s.ref("sim_hold_", idempotencyToken), nil
}

func (s *Sim) Capture(ctx context.Context, holdRef, idempotencyToken string) (string, error) {
	return s.ref("sim_charge_", idempotencyToken), nil
}

func (s *Sim) Transfer(ctx context.Context, payeeAccountRef string, amountCents int64, idempotencyToken string) (string, error) {
	return s.ref("sim_transfer_", idempotencyToken), nil
}

func (s *Sim) Refund(ctx context.Context, holdRef string, amountCents int64, idempotencyToken string) (string, error) {
	return s.ref("sim_refund_", idempotencyToken), nil
}

func (s *Sim) Payable(ctx context.Context, userID string) (bool, string, error) {
	return true, "sim_acct_" + userID, nil
}

// ref returns the ref previously issued for the token, or mints one.
func (s *Sim) ref(prefix, token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.refs[token]; ok {
		return ref
	}
	s.seq++
	ref := prefix + strconv.Itoa(s.seq)
	s.refs[token] = ref
	return ref
}
