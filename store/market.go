package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Product is a tracked market good, e.g. "maize grain" in category "cereals".
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Unit      string    `json:"unit"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// PricePoint is a single reported market price. Price is in minor currency
// units (cents, ngwee) to avoid float arithmetic on money.
type PricePoint struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"productId"`
	Price      int64     `json:"price"`
	Currency   string    `json:"currency"`
	Market     string    `json:"market"`
	ReporterID string    `json:"reporterId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// PriceSummary aggregates a product's price points over a window.
type PriceSummary struct {
	ProductID string      `json:"productId"`
	Count     int         `json:"count"`
	Latest    *PricePoint `json:"latest,omitempty"`
	MinPrice  int64       `json:"minPrice"`
	MaxPrice  int64       `json:"maxPrice"`
	AvgPrice  float64     `json:"avgPrice"`
}

// CreateProduct stores a new product.
func (s *Store) CreateProduct(_ context.Context, product *Product) error {
	if product.ID == "" {
		product.ID = uuid.New().String()
	}
	product.CreatedAt = s.now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		if bucket == nil {
			return fmt.Errorf("products bucket not found")
		}

		data, err := s.codec.encode(product)
		if err != nil {
			return fmt.Errorf("encoding product: %w", err)
		}
		return bucket.Put([]byte(product.ID), data)
	})
}

// GetProduct retrieves a product by id.
func (s *Store) GetProduct(_ context.Context, id string) (*Product, error) {
	var product Product
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		if err := s.codec.decode(val, &product); err != nil {
			return fmt.Errorf("decoding product: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProducts returns products newest first, optionally filtered by exact
// category.
func (s *Store) ListProducts(_ context.Context, category string) ([]*Product, error) {
	var products []*Product

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProducts)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var product Product
			if err := s.codec.decode(v, &product); err != nil {
				return fmt.Errorf("decoding product: %w", err)
			}
			if category != "" && product.Category != category {
				continue
			}
			products = append(products, &product)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(products, func(i, j int) bool {
		if !products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].CreatedAt.After(products[j].CreatedAt)
		}
		return products[i].ID < products[j].ID
	})
	return products, nil
}

// AddPrice records a price point for an existing product. RecordedAt is set
// to now when zero, so backdated reports keep their own timestamp.
func (s *Store) AddPrice(_ context.Context, point *PricePoint) error {
	point.ID = uuid.New().String()
	if point.RecordedAt.IsZero() {
		point.RecordedAt = s.now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		prices := tx.Bucket(bucketPrices)
		if products == nil || prices == nil {
			return fmt.Errorf("market buckets not found")
		}

		if products.Get([]byte(point.ProductID)) == nil {
			return ErrNotFound
		}

		data, err := s.codec.encode(point)
		if err != nil {
			return fmt.Errorf("encoding price point: %w", err)
		}

		key := makeScopedTimeKey(point.ProductID, point.RecordedAt, point.ID)
		if err := prices.Put(key, data); err != nil {
			return fmt.Errorf("putting price point: %w", err)
		}
		return nil
	})
}

// ListPrices returns a product's price points newest first. Points recorded
// before since are excluded; a zero since means no lower bound. A limit of
// zero or less returns everything. Unknown products return ErrNotFound.
func (s *Store) ListPrices(_ context.Context, productID string, since time.Time, limit int) ([]*PricePoint, error) {
	var points []*PricePoint

	err := s.db.View(func(tx *bbolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		prices := tx.Bucket(bucketPrices)
		if products == nil || prices == nil {
			return ErrNotFound
		}

		if products.Get([]byte(productID)) == nil {
			return ErrNotFound
		}

		return s.scanPricesDesc(prices, productID, since, func(point *PricePoint) bool {
			points = append(points, point)
			return limit <= 0 || len(points) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// PriceSummary aggregates price points recorded at or after since. A zero
// since covers the full history. Unknown products return ErrNotFound.
func (s *Store) PriceSummary(_ context.Context, productID string, since time.Time) (*PriceSummary, error) {
	summary := &PriceSummary{ProductID: productID}
	var sum int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		prices := tx.Bucket(bucketPrices)
		if products == nil || prices == nil {
			return ErrNotFound
		}

		if products.Get([]byte(productID)) == nil {
			return ErrNotFound
		}

		return s.scanPricesDesc(prices, productID, since, func(point *PricePoint) bool {
			if summary.Latest == nil {
				summary.Latest = point
				summary.MinPrice = point.Price
				summary.MaxPrice = point.Price
			}
			if point.Price < summary.MinPrice {
				summary.MinPrice = point.Price
			}
			if point.Price > summary.MaxPrice {
				summary.MaxPrice = point.Price
			}
			sum += point.Price
			summary.Count++
			return true
		})
	})
	if err != nil {
		return nil, err
	}

	if summary.Count > 0 {
		summary.AvgPrice = float64(sum) / float64(summary.Count)
	}
	return summary, nil
}

// scanPricesDesc walks a product's price points newest first, stopping when
// the timestamp drops below since or fn returns false. The cursor starts at
// the key just past the product's range and walks backwards.
func (s *Store) scanPricesDesc(prices *bbolt.Bucket, productID string, since time.Time, fn func(*PricePoint) bool) error {
	prefix := scopePrefix(productID)

	// Successor of the prefix: same bytes with the trailing separator bumped.
	// Every key in the product's range sorts strictly below it.
	successor := scopePrefix(productID)
	successor[len(successor)-1] = 1

	cursor := prices.Cursor()
	k, v := cursor.Seek(successor)
	if k == nil {
		k, v = cursor.Last()
	} else {
		k, v = cursor.Prev()
	}

	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Prev() {
		if !since.IsZero() {
			if _, ts, _ := parseScopedTimeKey(k); ts.Before(since) {
				return nil
			}
		}

		var point PricePoint
		if err := s.codec.decode(v, &point); err != nil {
			return fmt.Errorf("decoding price point: %w", err)
		}
		if !fn(&point) {
			return nil
		}
	}
	return nil
}
