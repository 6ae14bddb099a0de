package extract

import (
	"context"
	"sync"

	"questpay/internal/fault"
	"questpay/internal/models"
)

// FixtureExtractor resolves fields from a static table keyed by content hash.
// It backs demo mode and acts as the last-resort fallback when the real
// extractor cannot read a receipt.
type FixtureExtractor struct {
	mu       sync.RWMutex
	fixtures map[string]models.ReceiptFields
}

// NewFixtureExtractor builds a table from the given fixtures.
func NewFixtureExtractor(fixtures map[string]models.ReceiptFields) *FixtureExtractor {
	if fixtures == nil {
		fixtures = map[string]models.ReceiptFields{}
	}
	return &FixtureExtractor{fixtures: fixtures}
}

// Add registers a fixture for a content hash.
func (f *FixtureExtractor) Add(contentHash string, fields models.ReceiptFields) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixtures[contentHash] = fields
}

func (f *FixtureExtractor) Extract(_ context.Context, _ []byte, contentHash string) (models.ReceiptFields, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fields, ok := f.fixtures[contentHash]; ok {
		return fields, nil
	}
	return models.ReceiptFields{}, fault.New(fault.KindExtraction, "unreadable receipt: no fields for content hash %s", contentHash)
}

// Fallback tries the primary extractor first and consults the fixture table
// only when the primary reports an unreadable receipt. Transient extractor
// failures pass through untouched so they stay retryable.
type Fallback struct {
	primary  Extractor
	fixtures *FixtureExtractor
}

func NewFallback(primary Extractor, fixtures *FixtureExtractor) *Fallback {
	return &Fallback{primary: primary, fixtures: fixtures}
}

func (f *Fallback) Extract(ctx context.Context, image []byte, contentHash string) (models.ReceiptFields, error) {
	fields, err := f.primary.Extract(ctx, image, contentHash)
	if err == nil {
		return fields, nil
	}
	if fault.KindOf(err) != fault.KindExtraction {
		return models.ReceiptFields{}, err
	}
	fields, fixErr := f.fixtures.Extract(ctx, image, contentHash)
	if fixErr != nil {
		return models.ReceiptFields{}, err
	}
	return fields, nil
}
