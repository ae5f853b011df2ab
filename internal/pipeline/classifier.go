package pipeline

import (
	"context"
	"math/rand/v2"
	"sync"
)

// Verdict is the outcome of the classification step.
type Verdict struct {
	Safe bool
}

// Classifier decides whether a processed asset is safe. Implementations must honour ctx;
// the pipeline bounds every call with a timeout.
type Classifier interface {
	Classify(ctx context.Context, assetID string) (Verdict, error)
}

type ClassifierFunc func(ctx context.Context, assetID string) (Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, assetID string) (Verdict, error) {
	return f(ctx, assetID)
}

// MockClassifier returns a random verdict: flagged with probability flagRate.
type MockClassifier struct {
	mu       sync.Mutex
	rng      *rand.Rand
	flagRate float64
}

func NewMockClassifier(flagRate float64, seed uint64) *MockClassifier {
	return &MockClassifier{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		flagRate: flagRate,
	}
}

func (m *MockClassifier) Classify(ctx context.Context, _ string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	m.mu.Lock()
	r := m.rng.Float64()
	m.mu.Unlock()
	return Verdict{Safe: r >= m.flagRate}, nil
}
