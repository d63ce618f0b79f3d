package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

// ErrBusy is returned when the embedding inflight queue is saturated
var ErrBusy = errors.New("embedder at capacity")

// Deployment identity keys in deployment_config
const (
	KeyModelID    = "embedding_model_id"
	KeyRevision   = "embedding_model_revision"
	KeyDimensions = "embedding_dimensions"
)

// ServiceConfig tunes the embedding service guards
type ServiceConfig struct {
	// MaxInflight bounds concurrent provider calls. Defaults to 16.
	MaxInflight int

	// CacheSize is the LRU capacity for repeated texts. Defaults to 512.
	CacheSize int
}

// Service is the process-wide embedder. It enforces the unit-norm contract
// on provider output, caches repeated query embeddings, fails fast when the
// provider is saturated or broken, and owns the deployment identity pinning.
type Service struct {
	provider Provider
	logger   observability.Logger
	metrics  observability.MetricsClient
	inflight chan struct{}
	cache    *lru.Cache[string, []float32]
	breaker  *gobreaker.CircuitBreaker
}

// NewService wraps a provider with the service guards
func NewService(cfg ServiceConfig, provider Provider, logger observability.Logger, metrics observability.MetricsClient) (*Service, error) {
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 16
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 512
	}

	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedding",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Embedding circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &Service{
		provider: provider,
		logger:   logger,
		metrics:  metrics,
		inflight: make(chan struct{}, maxInflight),
		cache:    cache,
		breaker:  breaker,
	}, nil
}

// Embed produces the unit vector for text. Identical texts hit the cache.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := s.cache.Get(key); ok {
		s.record("cache_hit")
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	}

	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		s.record("busy")
		return nil, ErrBusy
	}

	stop := s.timer()
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.provider.Embed(ctx, text)
	})
	stop()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.record("breaker_open")
			return nil, fmt.Errorf("%w: embedding backend unavailable", ErrBusy)
		}
		s.record("error")
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	vector, err := s.checkVector(result.([]float32))
	if err != nil {
		return nil, err
	}

	cached := make([]float32, len(vector))
	copy(cached, vector)
	s.cache.Add(key, cached)
	s.record("ok")
	return vector, nil
}

// EmbedBatch produces one unit vector per input, bypassing the cache
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		s.record("busy")
		return nil, ErrBusy
	}

	stop := s.timer()
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.provider.EmbedBatch(ctx, texts)
	})
	stop()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.record("breaker_open")
			return nil, fmt.Errorf("%w: embedding backend unavailable", ErrBusy)
		}
		s.record("error")
		return nil, fmt.Errorf("batch embedding failed: %w", err)
	}

	vectors := result.([][]float32)
	for i, v := range vectors {
		checked, err := s.checkVector(v)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		vectors[i] = checked
	}
	s.record("ok")
	return vectors, nil
}

// ModelID reports the provider's model identity
func (s *Service) ModelID() string { return s.provider.ModelID() }

// ModelRevision reports the provider's model revision, if any
func (s *Service) ModelRevision() string { return s.provider.ModelRevision() }

// Dimensions reports the vector length
func (s *Service) Dimensions() int { return s.provider.Dimensions() }

// PinDeploymentIdentity persists the live model identity on first start and
// verifies it on every later one. A mismatch means the stored vectors were
// produced by a different model and the process must not serve.
func (s *Service) PinDeploymentIdentity(ctx context.Context, repo repository.DeploymentRepository) error {
	live := map[string]string{
		KeyModelID:    s.ModelID(),
		KeyRevision:   s.ModelRevision(),
		KeyDimensions: strconv.Itoa(s.Dimensions()),
	}

	for key, value := range live {
		stored, err := repo.Get(ctx, key)
		if errors.Is(err, database.ErrNotFound) {
			if err := repo.Set(ctx, key, value); err != nil {
				return fmt.Errorf("failed to pin %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if stored != value {
			return fmt.Errorf(
				"deployment identity mismatch for %s: stored %q, live %q; stored vectors are incompatible with this model",
				key, stored, value)
		}
	}

	s.logger.Info("Embedding deployment identity pinned", map[string]interface{}{
		"model_id":   s.ModelID(),
		"revision":   s.ModelRevision(),
		"dimensions": s.Dimensions(),
	})
	return nil
}

func (s *Service) checkVector(v []float32) ([]float32, error) {
	if len(v) != s.provider.Dimensions() {
		return nil, fmt.Errorf("provider returned %d dimensions, expected %d", len(v), s.provider.Dimensions())
	}
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("invalid embedding: %w", err)
	}
	return normalized, nil
}

func (s *Service) record(outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementCounterWithLabels("embedding_requests_total", 1, map[string]string{"outcome": outcome})
		s.metrics.RecordGauge("embedding_inflight", float64(len(s.inflight)), nil)
	}
}

func (s *Service) timer() func() {
	if s.metrics == nil {
		return func() {}
	}
	return s.metrics.StartTimer("embedding_duration_seconds", nil)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
