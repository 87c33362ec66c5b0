// internal/services/scan_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/store"
)

const (
	recentActivityLimit = 10
	statsPageSize       = 100
)

// ScanService maintains scan counters and owner statistics. It only touches
// the record store.
type ScanService struct {
	store   store.RecordStore
	metrics *metrics.Metrics
}

type ActivityAction string

const (
	ActivityCreateProduct ActivityAction = "CREATE_PRODUCT"
	ActivityAddStep       ActivityAction = "ADD_STEP"
)

type Activity struct {
	Action    ActivityAction `json:"action"`
	QRCode    string         `json:"qr_code"`
	Details   string         `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

type OwnerStats struct {
	TotalProducts  int64      `json:"total_products"`
	ActiveProducts int64      `json:"active_products"`
	TotalSteps     int64      `json:"total_steps"`
	PendingSteps   int64      `json:"pending_steps"`
	TotalScans     int64      `json:"total_scans"`
	RecentActivity []Activity `json:"recent_activity"`
}

func NewScanService(recordStore store.RecordStore, m *metrics.Metrics) *ScanService {
	if m == nil {
		m = metrics.NewNop()
	}
	return &ScanService{store: recordStore, metrics: m}
}

// RecordScan atomically increments the scan counter and returns the new value.
func (s *ScanService) RecordScan(ctx context.Context, qrCode string) (int64, error) {
	count, err := s.store.IncrementScanCount(ctx, qrCode)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}
	s.metrics.ScansTotal.Inc()
	return count, nil
}

// ScanProduct records a scan and returns the product as seen after it.
func (s *ScanService) ScanProduct(ctx context.Context, qrCode string) (*models.Product, error) {
	count, err := s.RecordScan(ctx, qrCode)
	if err != nil {
		return nil, err
	}
	product, err := s.store.FindByQRCode(ctx, qrCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}
	if product.ScanCount < count {
		product.ScanCount = count
	}
	return product, nil
}

func (s *ScanService) OwnerStats(ctx context.Context, owner string) (*OwnerStats, error) {
	stats := &OwnerStats{RecentActivity: []Activity{}}

	for offset := 0; ; offset += statsPageSize {
		products, total, err := s.store.ListByOwner(ctx, owner, store.ListOptions{Offset: offset, Limit: statsPageSize})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
		}
		stats.TotalProducts = total

		for i := range products {
			p := &products[i]
			if p.Status == models.ProductStatusActive {
				stats.ActiveProducts++
			}
			stats.TotalScans += p.ScanCount
			stats.TotalSteps += int64(len(p.Steps))
			stats.PendingSteps += int64(len(p.Steps) - p.ConfirmedStepCount())
			stats.RecentActivity = append(stats.RecentActivity, activitiesOf(p)...)
		}

		if len(products) < statsPageSize || int64(offset+len(products)) >= total {
			break
		}
	}

	sort.SliceStable(stats.RecentActivity, func(i, j int) bool {
		return stats.RecentActivity[i].Timestamp.After(stats.RecentActivity[j].Timestamp)
	})
	if len(stats.RecentActivity) > recentActivityLimit {
		stats.RecentActivity = stats.RecentActivity[:recentActivityLimit]
	}
	return stats, nil
}

func activitiesOf(p *models.Product) []Activity {
	activities := []Activity{{
		Action:    ActivityCreateProduct,
		QRCode:    p.QRCode,
		Details:   fmt.Sprintf("New product %q created.", p.Name),
		Timestamp: p.CreatedAt,
	}}
	for _, step := range p.Steps {
		activities = append(activities, Activity{
			Action:    ActivityAddStep,
			QRCode:    p.QRCode,
			Details:   fmt.Sprintf("Step %q added to product %q.", step.StepType, p.Name),
			Timestamp: step.Timestamp,
		})
	}
	return activities
}
