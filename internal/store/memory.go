// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/traceledger/internal/models"
)

// MemoryStore keeps records in process. Used for development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	byQR map[string]*models.Product
	byID map[string]string
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byQR: make(map[string]*models.Product),
		byID: make(map[string]string),
		now:  time.Now,
	}
}

func (s *MemoryStore) CreateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byQR[p.QRCode]; exists {
		return ErrDuplicateKey
	}

	now := s.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.ProductStatusActive
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	for i := range p.Steps {
		p.Steps[i].ProductID = p.ID
		p.Steps[i].Position = i + 1
	}
	p.StepCount = len(p.Steps)

	stored := cloneProduct(p)
	s.byQR[p.QRCode] = stored
	s.byID[p.ID] = p.QRCode
	return nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, qrCode string, step *models.Step) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byQR[qrCode]
	if !ok {
		return nil, ErrNotFound
	}
	if existing := p.FindStep(step.ID); existing != nil {
		out := *existing
		return &out, nil
	}

	appended := *step
	if appended.ID == "" {
		appended.ID = uuid.NewString()
	}
	appended.ProductID = p.ID
	appended.Position = p.StepCount + 1
	p.Steps = append(p.Steps, appended)
	p.StepCount++
	p.UpdatedAt = s.now()

	return &appended, nil
}

func (s *MemoryStore) AttachProductLedgerRef(ctx context.Context, qrCode string, ref models.LedgerRef) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byQR[qrCode]
	if !ok {
		return nil, ErrNotFound
	}
	write, err := attachable(p.LedgerRef, ref)
	if err != nil {
		return nil, err
	}
	if write {
		p.LedgerRef = ref
		p.UpdatedAt = s.now()
	}
	return cloneProduct(p), nil
}

func (s *MemoryStore) AttachStepLedgerRef(ctx context.Context, qrCode, stepID string, ref models.LedgerRef) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byQR[qrCode]
	if !ok {
		return nil, ErrNotFound
	}
	step := p.FindStep(stepID)
	if step == nil {
		return nil, ErrNotFound
	}
	write, err := attachable(step.LedgerRef, ref)
	if err != nil {
		return nil, err
	}
	if write {
		step.LedgerRef = ref
		p.UpdatedAt = s.now()
	}
	out := *step
	return &out, nil
}

func (s *MemoryStore) IncrementScanCount(ctx context.Context, qrCode string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byQR[qrCode]
	if !ok {
		return 0, ErrNotFound
	}
	p.ScanCount++
	return p.ScanCount, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.ProductStatus) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qr, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	p := s.byQR[qr]
	p.Status = status
	p.UpdatedAt = s.now()
	return cloneProduct(p), nil
}

func (s *MemoryStore) FindByQRCode(ctx context.Context, qrCode string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byQR[qrCode]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProduct(p), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qr, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProduct(s.byQR[qr]), nil
}

func (s *MemoryStore) ListAll(ctx context.Context, opts ListOptions) ([]models.Product, int64, error) {
	return s.list(func(*models.Product) bool { return true }, opts)
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Product, int64, error) {
	return s.list(func(p *models.Product) bool { return p.CreatedBy == owner }, opts)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) list(match func(*models.Product) bool, opts ListOptions) ([]models.Product, int64, error) {
	opts = opts.normalized()

	s.mu.Lock()
	var matched []models.Product
	for _, p := range s.byQR {
		if match(p) {
			matched = append(matched, *cloneProduct(p))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].QRCode < matched[j].QRCode
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if opts.Offset >= len(matched) {
		return []models.Product{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], total, nil
}

func cloneProduct(p *models.Product) *models.Product {
	out := *p
	out.Steps = make([]models.Step, len(p.Steps))
	copy(out.Steps, p.Steps)
	return &out
}
