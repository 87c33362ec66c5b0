// internal/store/mongo.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/javajoker/traceledger/internal/models"
)

const productsCollection = "products"

// unconfirmed matches a ledger_ref whose tx hash is missing or empty.
var unconfirmed = bson.M{"$in": bson.A{nil, ""}}

// MongoStore keeps each product as one document with its steps embedded.
// Step positions are the array order and are filled in on read.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{coll: db.Collection(productsCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "qr_code", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_by", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "steps.id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create product indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateProduct(ctx context.Context, p *models.Product) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.ProductStatusActive
	}
	if p.Steps == nil {
		p.Steps = []models.Step{}
	}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = uuid.NewString()
		}
		p.Steps[i].ProductID = p.ID
		p.Steps[i].Position = i + 1
	}
	p.StepCount = len(p.Steps)
	p.CreatedAt = now
	p.UpdatedAt = now

	if _, err := s.coll.InsertOne(ctx, p); err != nil {
		return translateMongo("create product", err)
	}
	return nil
}

func (s *MongoStore) AppendStep(ctx context.Context, qrCode string, step *models.Step) (*models.Step, error) {
	appended := *step
	if appended.ID == "" {
		appended.ID = uuid.NewString()
	}

	filter := bson.M{"qr_code": qrCode, "steps.id": bson.M{"$ne": appended.ID}}
	update := bson.M{
		"$push": bson.M{"steps": appended},
		"$inc":  bson.M{"step_count": 1},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p models.Product
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the product is missing or the step was appended already.
		existing, ferr := s.FindByQRCode(ctx, qrCode)
		if ferr != nil {
			return nil, ferr
		}
		if st := existing.FindStep(appended.ID); st != nil {
			out := *st
			return &out, nil
		}
		return nil, transient("append step", err)
	}
	if err != nil {
		return nil, translateMongo("append step", err)
	}

	hydrate(&p)
	st := p.FindStep(appended.ID)
	if st == nil {
		return nil, transient("append step", errors.New("appended step missing from result"))
	}
	out := *st
	return &out, nil
}

func (s *MongoStore) AttachProductLedgerRef(ctx context.Context, qrCode string, ref models.LedgerRef) (*models.Product, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"qr_code": qrCode, "ledger_ref.tx_hash": unconfirmed},
		bson.M{"$set": bson.M{"ledger_ref": ref, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return nil, translateMongo("attach product ledger ref", err)
	}

	p, err := s.FindByQRCode(ctx, qrCode)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		if _, err := attachable(p.LedgerRef, ref); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *MongoStore) AttachStepLedgerRef(ctx context.Context, qrCode, stepID string, ref models.LedgerRef) (*models.Step, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"qr_code": qrCode,
			"steps":   bson.M{"$elemMatch": bson.M{"id": stepID, "ledger_ref.tx_hash": unconfirmed}},
		},
		bson.M{"$set": bson.M{"steps.$.ledger_ref": ref, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return nil, translateMongo("attach step ledger ref", err)
	}

	p, err := s.FindByQRCode(ctx, qrCode)
	if err != nil {
		return nil, err
	}
	st := p.FindStep(stepID)
	if st == nil {
		return nil, ErrNotFound
	}
	if res.MatchedCount == 0 {
		if _, err := attachable(st.LedgerRef, ref); err != nil {
			return nil, err
		}
	}
	out := *st
	return &out, nil
}

func (s *MongoStore) IncrementScanCount(ctx context.Context, qrCode string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"scan_count": 1})

	var out struct {
		ScanCount int64 `bson:"scan_count"`
	}
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"qr_code": qrCode}, bson.M{"$inc": bson.M{"scan_count": 1}}, opts).Decode(&out)
	if err != nil {
		return 0, translateMongo("increment scan count", err)
	}
	return out.ScanCount, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status models.ProductStatus) (*models.Product, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p models.Product
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}},
		opts,
	).Decode(&p)
	if err != nil {
		return nil, translateMongo("update status", err)
	}
	hydrate(&p)
	return &p, nil
}

func (s *MongoStore) FindByQRCode(ctx context.Context, qrCode string) (*models.Product, error) {
	return s.findOne(ctx, bson.M{"qr_code": qrCode})
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*models.Product, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) ListAll(ctx context.Context, opts ListOptions) ([]models.Product, int64, error) {
	return s.list(ctx, bson.M{}, opts)
}

func (s *MongoStore) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Product, int64, error) {
	return s.list(ctx, bson.M{"created_by": owner}, opts)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, nil); err != nil {
		return transient("ping", err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*models.Product, error) {
	var p models.Product
	if err := s.coll.FindOne(ctx, filter).Decode(&p); err != nil {
		return nil, translateMongo("find product", err)
	}
	hydrate(&p)
	return &p, nil
}

func (s *MongoStore) list(ctx context.Context, filter bson.M, opts ListOptions) ([]models.Product, int64, error) {
	opts = opts.normalized()

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, translateMongo("count products", err)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit))
	cursor, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, 0, translateMongo("list products", err)
	}
	defer cursor.Close(ctx)

	products := []models.Product{}
	if err := cursor.All(ctx, &products); err != nil {
		return nil, 0, translateMongo("decode products", err)
	}
	for i := range products {
		hydrate(&products[i])
	}
	return products, total, nil
}

func hydrate(p *models.Product) {
	for i := range p.Steps {
		p.Steps[i].ProductID = p.ID
		p.Steps[i].Position = i + 1
	}
}

func translateMongo(op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicateKey
	default:
		return transient(op, err)
	}
}
