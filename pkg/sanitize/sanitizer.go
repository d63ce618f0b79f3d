package sanitize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hivemind-io/hivemind/pkg/observability"
)

// ErrBusy is returned when the sanitiser's inflight queue is saturated
var ErrBusy = errors.New("sanitizer at capacity")

// Result carries the redaction accounting for one sanitisation pass
type Result struct {
	// Ratio is placeholder tokens over whitespace tokens of the sanitised
	// text, in [0,1].
	Ratio float64

	// Placeholders is the number of placeholder tokens in the output,
	// including any already present in the input.
	Placeholders int

	// Tokens is the whitespace token count of the sanitised text
	Tokens int

	// EntityCounts counts newly redacted spans by placeholder class
	EntityCounts map[string]int
}

// Config tunes the sanitiser service
type Config struct {
	// MaxInflight bounds concurrent sanitisation calls. Defaults to 8.
	MaxInflight int
}

// Service is the process-wide sanitiser. Construct once at startup and call
// Warmup before serving; detection state is read-only afterwards, so the
// service is safe for concurrent use.
type Service struct {
	recognizers []PatternRecognizer
	ner         NERProvider
	logger      observability.Logger
	metrics     observability.MetricsClient
	inflight    chan struct{}
}

// NewService creates a sanitiser. ner may be nil, in which case only the
// pattern layer runs.
func NewService(cfg Config, ner NERProvider, logger observability.Logger, metrics observability.MetricsClient) *Service {
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 8
	}
	return &Service{
		recognizers: DefaultRecognizers(),
		ner:         ner,
		logger:      logger,
		metrics:     metrics,
		inflight:    make(chan struct{}, maxInflight),
	}
}

// Warmup exercises the recognizer set and, when configured, the NER backend.
// A failure here is fatal at startup: serving without a working sanitiser
// would let raw PII reach storage.
func (s *Service) Warmup(ctx context.Context) error {
	canary := "Warmup contact canary@example.invalid from 203.0.113.7"
	sanitised, _, err := s.Sanitize(ctx, canary)
	if err != nil {
		return fmt.Errorf("sanitizer warmup failed: %w", err)
	}
	if !strings.Contains(sanitised, PlaceholderEmail) || !strings.Contains(sanitised, PlaceholderIPAddress) {
		return fmt.Errorf("sanitizer warmup produced unexpected output: %q", sanitised)
	}
	if s.ner != nil {
		if err := s.ner.Ping(ctx); err != nil {
			return fmt.Errorf("NER backend warmup failed: %w", err)
		}
	}
	s.logger.Info("Sanitizer warm", map[string]interface{}{
		"recognizers": len(s.recognizers),
		"ner_enabled": s.ner != nil,
	})
	return nil
}

// Sanitize replaces every detected sensitive span in text with its typed
// placeholder and reports the redaction ratio of the output. It never rejects
// content itself; callers enforce the ratio gate. Already-sanitised input is
// a fixed point.
func (s *Service) Sanitize(ctx context.Context, text string) (string, *Result, error) {
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		return "", nil, ErrBusy
	}

	entities := s.detectPatterns(text)

	if s.ner != nil {
		nerEntities, err := s.ner.Detect(ctx, text)
		if err != nil {
			return "", nil, fmt.Errorf("entity detection failed: %w", err)
		}
		entities = append(entities, nerEntities...)
	}

	entities = resolveOverlaps(entities, existingPlaceholderSpans(text))
	sanitised := applyEntities(text, entities)

	result := &Result{EntityCounts: map[string]int{}}
	for _, e := range entities {
		result.EntityCounts[e.Placeholder]++
	}
	result.Placeholders = len(placeholderPattern.FindAllString(sanitised, -1))
	result.Tokens = len(strings.Fields(sanitised))
	divisor := result.Tokens
	if divisor < 1 {
		divisor = 1
	}
	result.Ratio = float64(result.Placeholders) / float64(divisor)

	if s.metrics != nil {
		s.metrics.RecordHistogram("sanitize_redaction_ratio", result.Ratio, nil)
	}
	return sanitised, result, nil
}

func (s *Service) detectPatterns(text string) []Entity {
	var entities []Entity
	for _, r := range s.recognizers {
		for _, loc := range r.Pattern.FindAllStringIndex(text, -1) {
			entities = append(entities, Entity{
				Start:       loc[0],
				End:         loc[1],
				Placeholder: r.Placeholder,
				Confidence:  1.0,
				Source:      "pattern:" + r.Name,
			})
		}
	}
	return entities
}

// existingPlaceholderSpans finds placeholder tokens already present in the
// input so re-sanitisation never redacts them again.
func existingPlaceholderSpans(text string) [][2]int {
	locs := placeholderPattern.FindAllStringIndex(text, -1)
	spans := make([][2]int, len(locs))
	for i, loc := range locs {
		spans[i] = [2]int{loc[0], loc[1]}
	}
	return spans
}

// resolveOverlaps drops entities that collide with protected spans or with an
// earlier-accepted entity. Candidates are considered in span order, longest
// first at equal start, so an enclosing secret (a connection URI, a PEM
// block) beats the fragments inside it.
func resolveOverlaps(entities []Entity, protected [][2]int) []Entity {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		return entities[i].End > entities[j].End
	})

	taken := make([][2]int, 0, len(entities)+len(protected))
	taken = append(taken, protected...)

	kept := entities[:0]
	for _, e := range entities {
		if overlapsAny(e.Start, e.End, taken) {
			continue
		}
		taken = append(taken, [2]int{e.Start, e.End})
		kept = append(kept, e)
	}
	return kept
}

func overlapsAny(start, end int, spans [][2]int) bool {
	for _, s := range spans {
		if start < s[1] && end > s[0] {
			return true
		}
	}
	return false
}

// applyEntities substitutes placeholders back-to-front so earlier offsets
// stay valid.
func applyEntities(text string, entities []Entity) string {
	if len(entities) == 0 {
		return text
	}
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	out := text
	for _, e := range sorted {
		out = out[:e.Start] + e.Placeholder + out[e.End:]
	}
	return out
}
