package documents

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticSource is an in-memory Source for tests and single-process dev
// setups. Cancellation is flipped through Cancel, which is how tests model a
// document being voided between ledger operations.
type StaticSource struct {
	mu   sync.Mutex
	docs map[string]*Document
	seqs map[string]int64

	// Err, when set, is returned by every method. Tests use it to check
	// that ledger operations abort when document state is unreachable.
	Err error
}

// NewStaticSource returns an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		docs: make(map[string]*Document),
		seqs: make(map[string]int64),
	}
}

var _ Source = (*StaticSource)(nil)

// Put stores or replaces a document.
func (s *StaticSource) Put(d Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.docs[d.ID] = &cp
}

// Cancel marks the document cancelled.
func (s *StaticSource) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		d.Status = StatusCancelled
	}
}

func (s *StaticSource) CancelledIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var ids []string
	for _, d := range s.docs {
		if d.Cancelled() {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func (s *StaticSource) Document(ctx context.Context, kind, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	d, ok := s.docs[id]
	if !ok || d.Kind != kind {
		return nil, ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *StaticSource) OverdueOutstanding(ctx context.Context, asOf time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return decimal.Zero, s.Err
	}
	total := decimal.Zero
	for _, d := range s.docs {
		if d.Kind != KindInvoice || d.Cancelled() || d.Status == StatusPaid {
			continue
		}
		if d.DueDate == nil || !d.DueDate.Before(asOf) {
			continue
		}
		if rest := d.Total.Sub(d.PaidTotal); rest.IsPositive() {
			total = total.Add(rest)
		}
	}
	return total, nil
}

func (s *StaticSource) NextPaymentSequence(ctx context.Context, documentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	s.seqs[documentID]++
	return s.seqs[documentID], nil
}
