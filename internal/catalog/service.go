package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/catalogcast/catalog-server/internal/notify"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// Service provides product operations. Every successful write is followed
// by a call to the notifier; the write result never depends on it.
type Service struct {
	storage  Storage
	notifier notify.Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a product service. A nil notifier disables change
// notifications.
func NewService(storage Storage, notifier notify.Notifier, log *logger.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		storage:  storage,
		notifier: notifier,
		log:      log.WithComponent("catalog"),
		now:      time.Now,
	}
}

// List returns all products, oldest first. An empty catalog yields an
// empty slice.
func (s *Service) List(ctx context.Context) ([]*Product, error) {
	products, err := s.storage.LoadAll(ctx)
	if err != nil {
		return nil, errors.InternalError("failed to list products", err)
	}
	sortProducts(products)
	return products, nil
}

// Get returns a product by id.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	if id == "" {
		return nil, errors.ValidationError("id is required")
	}
	p, err := s.storage.Load(ctx, id)
	if err != nil {
		return nil, storageError("failed to load product", err)
	}
	return p, nil
}

// Create validates and stores a new product.
func (s *Service) Create(ctx context.Context, in Input) (*Product, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &Product{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.apply(in)

	if err := s.storage.Save(ctx, p); err != nil {
		return nil, errors.InternalError("failed to save product", err)
	}

	s.log.WithContext(ctx).Info("Product created", "product_id", p.ID)
	s.notifier.Notify(ctx, notify.KindCreated, p.ID, p)
	return p, nil
}

// Update replaces the writable fields of an existing product.
func (s *Service) Update(ctx context.Context, id string, in Input) (*Product, error) {
	if id == "" {
		return nil, errors.ValidationError("id is required")
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	p, err := s.storage.Load(ctx, id)
	if err != nil {
		return nil, storageError("failed to load product", err)
	}
	p.apply(in)
	p.UpdatedAt = s.now().UTC()

	if err := s.storage.Save(ctx, p); err != nil {
		return nil, errors.InternalError("failed to save product", err)
	}

	s.log.WithContext(ctx).Info("Product updated", "product_id", p.ID)
	s.notifier.Notify(ctx, notify.KindUpdated, p.ID, p)
	return p, nil
}

// Delete removes a product.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.ValidationError("id is required")
	}
	if err := s.storage.Delete(ctx, id); err != nil {
		return storageError("failed to delete product", err)
	}

	s.log.WithContext(ctx).Info("Product deleted", "product_id", id)
	s.notifier.Notify(ctx, notify.KindDeleted, id, nil)
	return nil
}

// storageError passes NOT_FOUND through and wraps anything else.
func storageError(msg string, err error) error {
	if errors.IsNotFound(err) {
		return err
	}
	return errors.InternalError(msg, err)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Kind, string, any) {}
