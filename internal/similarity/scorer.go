package similarity

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/agnivade/levenshtein"

	"cfdi-reconciliation-engine/internal/semantic"
)

// Provenance records which signals produced a score.
type Provenance string

const (
	// ProvenanceLexical means the lexical score was decisive on its own.
	ProvenanceLexical Provenance = "lexical"

	// ProvenanceBlended means the semantic judge refined an ambiguous
	// lexical score.
	ProvenanceBlended Provenance = "blended"

	// ProvenanceLexicalFallback means the judge was needed but failed, so
	// the lexical score stands.
	ProvenanceLexicalFallback Provenance = "lexical_fallback"
)

// Config holds the scorer weights and the ambiguous band that gates
// semantic calls. All values are overridable; the zero value is unusable,
// use DefaultConfig.
type Config struct {
	// KeywordWeight and SequenceWeight combine the two lexical signals.
	// They must sum to 1.
	KeywordWeight  float64 `json:"keyword_weight"`
	SequenceWeight float64 `json:"sequence_weight"`

	// AmbiguousLow/AmbiguousHigh bound the band (on the 0-100 scale) in
	// which the semantic judge is consulted.
	AmbiguousLow  int `json:"ambiguous_low"`
	AmbiguousHigh int `json:"ambiguous_high"`

	// LexicalBlendWeight and SemanticBlendWeight combine the lexical score
	// with the judge's verdict. They must sum to 1.
	LexicalBlendWeight  float64 `json:"lexical_blend_weight"`
	SemanticBlendWeight float64 `json:"semantic_blend_weight"`
}

// DefaultConfig returns the scorer defaults: 30/70 keyword/sequence,
// ambiguous band 30-70, 30/70 lexical/semantic blend.
func DefaultConfig() Config {
	return Config{
		KeywordWeight:       0.30,
		SequenceWeight:      0.70,
		AmbiguousLow:        30,
		AmbiguousHigh:       70,
		LexicalBlendWeight:  0.30,
		SemanticBlendWeight: 0.70,
	}
}

// Validate checks weight sums and band ordering.
func (c Config) Validate() error {
	if math.Abs(c.KeywordWeight+c.SequenceWeight-1.0) > 0.001 {
		return fmt.Errorf("keyword and sequence weights must sum to 1.0, got %f",
			c.KeywordWeight+c.SequenceWeight)
	}
	if math.Abs(c.LexicalBlendWeight+c.SemanticBlendWeight-1.0) > 0.001 {
		return fmt.Errorf("blend weights must sum to 1.0, got %f",
			c.LexicalBlendWeight+c.SemanticBlendWeight)
	}
	if c.AmbiguousLow < 0 || c.AmbiguousHigh > 100 || c.AmbiguousLow > c.AmbiguousHigh {
		return fmt.Errorf("ambiguous band [%d,%d] is invalid", c.AmbiguousLow, c.AmbiguousHigh)
	}
	return nil
}

// Result is the outcome of scoring two concept lists.
type Result struct {
	// Score is the final similarity on a 0-100 scale.
	Score int

	// Provenance records whether the semantic judge participated.
	Provenance Provenance

	// BestSource/BestTarget are the pair of texts that produced the score.
	BestSource string
	BestTarget string

	// SemanticCalls is how many judge calls this scoring performed
	// (0 or 1; memoized repeats count as 0).
	SemanticCalls int
}

// Scorer compares concept description lists with best-match semantics: the
// highest-scoring cross pair wins, weak pairs elsewhere do not penalize.
// Judge results are memoized per unordered text pair, so a Scorer should
// live for one batch run.
type Scorer struct {
	config     Config
	normalizer Normalizer
	judge      semantic.Judge // nil disables the semantic tier

	mu   sync.Mutex
	memo map[string]float64
}

// NewScorer builds a scorer. A nil normalizer selects the standard Spanish
// normalizer; a nil judge disables semantic refinement entirely.
func NewScorer(config Config, normalizer Normalizer, judge semantic.Judge) (*Scorer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if normalizer == nil {
		normalizer = NewStandardNormalizer(nil)
	}
	return &Scorer{
		config:     config,
		normalizer: normalizer,
		judge:      judge,
		memo:       make(map[string]float64),
	}, nil
}

// Score compares every source text against every target text and returns
// the best pair's score. A network call happens only when the best lexical
// score falls inside the configured ambiguous band and a judge is set.
// Judge failures degrade to the lexical score with provenance
// lexical_fallback; Score itself never fails on judge errors.
func (s *Scorer) Score(ctx context.Context, source, target []string) Result {
	best := Result{Provenance: ProvenanceLexical}
	if len(source) == 0 || len(target) == 0 {
		return best
	}

	bestLexical := -1.0
	for _, src := range source {
		for _, tgt := range target {
			lex := s.lexicalPairScore(src, tgt)
			if lex > bestLexical {
				bestLexical = lex
				best.BestSource = src
				best.BestTarget = tgt
			}
		}
	}

	lexScore := int(math.Round(bestLexical * 100))
	best.Score = lexScore

	if s.judge == nil || lexScore < s.config.AmbiguousLow || lexScore > s.config.AmbiguousHigh {
		return best
	}

	semScore, called, err := s.judgeSimilarity(ctx, best.BestSource, best.BestTarget)
	if called {
		best.SemanticCalls = 1
	}
	if err != nil {
		best.Provenance = ProvenanceLexicalFallback
		return best
	}

	blended := s.config.LexicalBlendWeight*bestLexical + s.config.SemanticBlendWeight*semScore
	best.Score = int(math.Round(blended * 100))
	best.Provenance = ProvenanceBlended
	return best
}

// lexicalPairScore combines keyword overlap and edit-distance similarity
// for one text pair, in [0,1]. Both signals are symmetric, so the composite
// is symmetric too.
func (s *Scorer) lexicalPairScore(a, b string) float64 {
	keyword := jaccard(s.normalizer.Tokens(a), s.normalizer.Tokens(b))
	sequence := editRatio(s.normalizer.Normalize(a), s.normalizer.Normalize(b))
	return s.config.KeywordWeight*keyword + s.config.SequenceWeight*sequence
}

// judgeSimilarity consults the judge with per-pair memoization. The second
// return reports whether a real call happened.
func (s *Scorer) judgeSimilarity(ctx context.Context, a, b string) (float64, bool, error) {
	key := memoKey(a, b)

	s.mu.Lock()
	if cached, ok := s.memo[key]; ok {
		s.mu.Unlock()
		return cached, false, nil
	}
	s.mu.Unlock()

	score, err := s.judge.Similarity(ctx, a, b)
	if err != nil {
		return 0, true, err
	}

	s.mu.Lock()
	s.memo[key] = score
	s.mu.Unlock()
	return score, true, nil
}

func memoKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// jaccard computes set overlap of two token lists.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	shared := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// editRatio converts Levenshtein distance to a 0..1 similarity.
func editRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	ratio := 1.0 - float64(dist)/float64(longest)
	if ratio < 0 {
		return 0
	}
	return ratio
}
