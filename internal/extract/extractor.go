// Package extract defines the field-extractor boundary the pipeline consumes.
// Extraction internals are a black box; this package supplies the contract, a
// Redis cache keyed by content hash, a fixture/fallback table, and image
// normalization ahead of extraction.
package extract

import (
	"context"

	"questpay/internal/models"
)

// Extractor turns raw receipt bytes into normalized fields. Implementations
// fail with a fault.KindExtraction error when no usable text is found.
type Extractor interface {
	Extract(ctx context.Context, image []byte, contentHash string) (models.ReceiptFields, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, image []byte, contentHash string) (models.ReceiptFields, error)

func (f Func) Extract(ctx context.Context, image []byte, contentHash string) (models.ReceiptFields, error) {
	return f(ctx, image, contentHash)
}
