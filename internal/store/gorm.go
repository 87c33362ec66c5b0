// internal/store/gorm.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/traceledger/internal/models"
)

const pgUniqueViolation = "23505"

// GormStore is the PostgreSQL record store. Steps live in their own table;
// products.step_count is the append cursor and its row lock orders appends.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.ProductStatusActive
	}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = uuid.NewString()
		}
		p.Steps[i].ProductID = p.ID
		p.Steps[i].Position = i + 1
	}
	p.StepCount = len(p.Steps)

	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return translate("create product", err)
	}
	return nil
}

func (s *GormStore) AppendStep(ctx context.Context, qrCode string, step *models.Step) (*models.Step, error) {
	var out models.Step

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if step.ID != "" {
			var existing models.Step
			if err := tx.Where("id = ?", step.ID).Limit(1).Find(&existing).Error; err != nil {
				return err
			}
			if existing.ID != "" {
				out = existing
				return nil
			}
		}

		// The row lock taken here serializes concurrent appends to the same product.
		var cursor models.Product
		res := tx.Model(&cursor).
			Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "step_count"}}}).
			Where("qr_code = ?", qrCode).
			UpdateColumns(map[string]interface{}{
				"step_count": gorm.Expr("step_count + 1"),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		out = *step
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		out.ProductID = cursor.ID
		out.Position = cursor.StepCount
		return tx.Create(&out).Error
	})

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if isDuplicate(err) && step.ID != "" {
			// A concurrent attempt inserted the same step first.
			var existing models.Step
			if ferr := s.db.WithContext(ctx).Where("id = ?", step.ID).First(&existing).Error; ferr == nil {
				return &existing, nil
			}
		}
		return nil, translate("append step", err)
	}
	return &out, nil
}

func (s *GormStore) AttachProductLedgerRef(ctx context.Context, qrCode string, ref models.LedgerRef) (*models.Product, error) {
	res := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("qr_code = ? AND (ledger_tx_hash = '' OR ledger_tx_hash IS NULL)", qrCode).
		UpdateColumns(withUpdatedAt(refColumns(ref)))
	if res.Error != nil {
		return nil, translate("attach product ledger ref", res.Error)
	}

	p, err := s.FindByQRCode(ctx, qrCode)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if _, err := attachable(p.LedgerRef, ref); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *GormStore) AttachStepLedgerRef(ctx context.Context, qrCode, stepID string, ref models.LedgerRef) (*models.Step, error) {
	p, err := s.FindByQRCode(ctx, qrCode)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&models.Step{}).
		Where("id = ? AND product_id = ? AND (ledger_tx_hash = '' OR ledger_tx_hash IS NULL)", stepID, p.ID).
		UpdateColumns(refColumns(ref))
	if res.Error != nil {
		return nil, translate("attach step ledger ref", res.Error)
	}

	var step models.Step
	if err := s.db.WithContext(ctx).Where("id = ? AND product_id = ?", stepID, p.ID).First(&step).Error; err != nil {
		return nil, translate("find step", err)
	}
	if res.RowsAffected == 0 {
		if _, err := attachable(step.LedgerRef, ref); err != nil {
			return nil, err
		}
	}
	return &step, nil
}

func (s *GormStore) IncrementScanCount(ctx context.Context, qrCode string) (int64, error) {
	var p models.Product
	res := s.db.WithContext(ctx).Model(&p).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "scan_count"}}}).
		Where("qr_code = ?", qrCode).
		UpdateColumn("scan_count", gorm.Expr("scan_count + 1"))
	if res.Error != nil {
		return 0, translate("increment scan count", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return p.ScanCount, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, status models.ProductStatus) (*models.Product, error) {
	res := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, translate("update status", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *GormStore) FindByQRCode(ctx context.Context, qrCode string) (*models.Product, error) {
	var p models.Product
	if err := s.withSteps(ctx).Where("qr_code = ?", qrCode).First(&p).Error; err != nil {
		return nil, translate("find product", err)
	}
	return &p, nil
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	if err := s.withSteps(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate("find product", err)
	}
	return &p, nil
}

func (s *GormStore) ListAll(ctx context.Context, opts ListOptions) ([]models.Product, int64, error) {
	return s.list(ctx, s.db.WithContext(ctx).Model(&models.Product{}), opts)
}

func (s *GormStore) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Product, int64, error) {
	return s.list(ctx, s.db.WithContext(ctx).Model(&models.Product{}).Where("created_by = ?", owner), opts)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return transient("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return transient("ping", err)
	}
	return nil
}

func (s *GormStore) list(ctx context.Context, query *gorm.DB, opts ListOptions) ([]models.Product, int64, error) {
	opts = opts.normalized()

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, translate("count products", err)
	}

	var products []models.Product
	err := query.Session(&gorm.Session{}).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("steps.position ASC") }).
		Order("created_at DESC").
		Offset(opts.Offset).
		Limit(opts.Limit).
		Find(&products).Error
	if err != nil {
		return nil, 0, translate("list products", err)
	}
	return products, total, nil
}

func (s *GormStore) withSteps(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("steps.position ASC")
	})
}

func refColumns(ref models.LedgerRef) map[string]interface{} {
	return map[string]interface{}{
		"ledger_tx_hash":      ref.TxHash,
		"ledger_block_number": ref.BlockNumber,
		"ledger_gas_used":     ref.GasUsed,
		"ledger_network":      ref.Network,
	}
}

func withUpdatedAt(columns map[string]interface{}) map[string]interface{} {
	columns["updated_at"] = time.Now()
	return columns
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isDuplicate(err):
		return ErrDuplicateKey
	default:
		return transient(op, err)
	}
}
