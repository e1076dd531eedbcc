package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaybot-data/relaybot/internal/monitoring"
)

// ErrOrderInvalid reports a structurally valid payload naming an order the
// database does not know.
var ErrOrderInvalid = errors.New("order not found")

// Lookup is the read-only order database interface the verifier consumes.
// The sqlite Store implements it.
type Lookup interface {
	Exists(orderID int, secretKey string) (bool, error)
}

// Verifier validates QR payloads against the order database.
type Verifier struct {
	db Lookup
}

// NewVerifier creates a verifier over a lookup.
func NewVerifier(db Lookup) *Verifier {
	return &Verifier{db: db}
}

// Verify parses a payload and checks the (id, key) pair. Returns the order id
// on success; ErrBadPayload or ErrOrderInvalid otherwise.
func (v *Verifier) Verify(data []byte) (int, error) {
	p, err := ParsePayload(data)
	if err != nil {
		return 0, err
	}
	ok, err := v.db.Exists(p.OrderID, p.SecretKey)
	if err != nil {
		return 0, fmt.Errorf("order database lookup: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: order %d", ErrOrderInvalid, p.OrderID)
	}
	return p.OrderID, nil
}

// PayloadSource produces decoded QR payload bytes. The camera/QR decoder
// behind it is an external collaborator; the core only sees bytes.
type PayloadSource interface {
	// NextPayload blocks until a code was decoded or the context ends.
	NextPayload(ctx context.Context) ([]byte, error)
}

// ScanResult is the completion value of one scan attempt.
type ScanResult struct {
	Valid   bool
	OrderID int
	Err     error // ErrBadPayload / ErrOrderInvalid / timeout cause
}

// Scan is a single-shot QR capture running on its own worker. The state
// machine polls Result each tick; the worker writes the completion value
// exactly once.
type Scan struct {
	mu     sync.Mutex
	result *ScanResult
	cancel context.CancelFunc
}

// StartScan launches a capture worker that reads one payload and verifies it,
// or gives up when the timeout passes. An invalid payload ends the scan with
// Valid=false; no second code is read.
func StartScan(parent context.Context, src PayloadSource, v *Verifier, timeout time.Duration) *Scan {
	ctx, cancel := context.WithTimeout(parent, timeout)
	s := &Scan{cancel: cancel}

	go func() {
		defer cancel()
		data, err := src.NextPayload(ctx)
		if err != nil {
			s.complete(ScanResult{Valid: false, Err: fmt.Errorf("qr capture: %w", err)})
			return
		}
		id, err := v.Verify(data)
		if err != nil {
			monitoring.Logf("orders: scan rejected: %v", err)
			s.complete(ScanResult{Valid: false, Err: err})
			return
		}
		s.complete(ScanResult{Valid: true, OrderID: id})
	}()

	return s
}

func (s *Scan) complete(r ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		s.result = &r
	}
}

// Result polls the completion value. ok is false while the worker is still
// capturing.
func (s *Scan) Result() (ScanResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return ScanResult{}, false
	}
	return *s.result, true
}

// Cancel aborts an in-flight capture. Safe to call at any time.
func (s *Scan) Cancel() {
	s.cancel()
}
