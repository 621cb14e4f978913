package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"resonance-backend/domain/core/entities"
	pkgerrors "resonance-backend/pkg/errors"
)

// SimilarityScorer scores a pair of profiles. Implementations must be pure
// and symmetric: Score(a, b) == Score(b, a).
type SimilarityScorer interface {
	Score(a, b *entities.Profile) ScoreResult
}

// SimilarityFactors holds the per-attribute sub-scores, each in [0,1].
type SimilarityFactors struct {
	KeywordSimilarity float64 `json:"keywordSimilarity"`
	BioSimilarity     float64 `json:"bioSimilarity"`
	AffiliationMatch  float64 `json:"affiliationMatch"`
}

// ScoreResult is the outcome of scoring one pair.
type ScoreResult struct {
	Factors      SimilarityFactors `json:"factors"`
	OverallScore float64           `json:"overallScore"`
	Weight       int               `json:"weight"`
	Description  string            `json:"description"`
}

// ScorerWeights is the convex combination applied to the factors.
type ScorerWeights struct {
	Keyword     float64 `yaml:"keyword" json:"keyword"`
	Bio         float64 `yaml:"bio" json:"bio"`
	Affiliation float64 `yaml:"affiliation" json:"affiliation"`
}

// DefaultScorerWeights favours explicit keywords over free text.
func DefaultScorerWeights() ScorerWeights {
	return ScorerWeights{Keyword: 0.5, Bio: 0.3, Affiliation: 0.2}
}

// Validate requires non-negative weights summing to 1.
func (w ScorerWeights) Validate() error {
	if w.Keyword < 0 || w.Bio < 0 || w.Affiliation < 0 {
		return pkgerrors.NewValidationError("scorer weights must be non-negative")
	}
	if sum := w.Keyword + w.Bio + w.Affiliation; math.Abs(sum-1) > 1e-9 {
		return pkgerrors.NewValidationError(fmt.Sprintf("scorer weights must sum to 1, got %.4f", sum))
	}
	return nil
}

// maxKeywordsInDescription caps the keyword list in descriptions.
const maxKeywordsInDescription = 5

// DefaultSimilarityScorer implements Jaccard over keywords, set cosine over
// bio tokens and exact affiliation matching.
type DefaultSimilarityScorer struct {
	weights      ScorerWeights
	textAnalyzer TextAnalyzer
}

// NewDefaultSimilarityScorer falls back to the default weights when the given
// ones are invalid.
func NewDefaultSimilarityScorer(weights ScorerWeights, textAnalyzer TextAnalyzer) *DefaultSimilarityScorer {
	if weights.Validate() != nil {
		weights = DefaultScorerWeights()
	}
	if textAnalyzer == nil {
		textAnalyzer = NewDefaultTextAnalyzer()
	}
	return &DefaultSimilarityScorer{weights: weights, textAnalyzer: textAnalyzer}
}

// Weights returns the active factor weights.
func (s *DefaultSimilarityScorer) Weights() ScorerWeights {
	return s.weights
}

func (s *DefaultSimilarityScorer) Score(a, b *entities.Profile) ScoreResult {
	if a == nil || b == nil {
		return s.result(SimilarityFactors{}, nil, "")
	}

	keywordsA, keywordsB := a.KeywordSet(), b.KeywordSet()
	shared := intersection(keywordsA, keywordsB)

	factors := SimilarityFactors{
		KeywordSimilarity: jaccardSimilarity(keywordsA, keywordsB),
		BioSimilarity:     s.bioSimilarity(a.BioText(), b.BioText()),
	}

	affiliation := ""
	if affA, affB := a.NormalizedAffiliation(), b.NormalizedAffiliation(); affA != "" && affA == affB {
		factors.AffiliationMatch = 1
		affiliation = affA
	}

	return s.result(factors, shared, affiliation)
}

func (s *DefaultSimilarityScorer) result(f SimilarityFactors, shared []string, affiliation string) ScoreResult {
	overall := s.overall(f)
	return ScoreResult{
		Factors:      f,
		OverallScore: overall,
		Weight:       WeightFromScore(overall),
		Description:  Describe(f, shared, affiliation),
	}
}

func (s *DefaultSimilarityScorer) overall(f SimilarityFactors) float64 {
	score := s.weights.Keyword*f.KeywordSimilarity +
		s.weights.Bio*f.BioSimilarity +
		s.weights.Affiliation*f.AffiliationMatch
	return math.Max(0, math.Min(1, score))
}

func (s *DefaultSimilarityScorer) bioSimilarity(bioA, bioB string) float64 {
	if bioA == "" || bioB == "" {
		return 0
	}
	return cosineSimilarity(s.textAnalyzer.Tokens(bioA), s.textAnalyzer.Tokens(bioB))
}

// WeightFromScore maps an overall score in [0,1] onto the integer range [1,10].
func WeightFromScore(score float64) int {
	if math.IsNaN(score) {
		return entities.MinWeight
	}
	return entities.ClampWeight(int(math.Round(1 + score*9)))
}

// Describe renders the deterministic explanation for a set of factors.
// shared must be sorted.
func Describe(f SimilarityFactors, shared []string, affiliation string) string {
	parts := make([]string, 0, 3)

	if f.KeywordSimilarity > 0 && len(shared) > 0 {
		listed := shared
		suffix := ""
		if len(listed) > maxKeywordsInDescription {
			suffix = fmt.Sprintf(" (+%d more)", len(listed)-maxKeywordsInDescription)
			listed = listed[:maxKeywordsInDescription]
		}
		parts = append(parts, "shared keywords: "+strings.Join(listed, ", ")+suffix)
	}
	if f.BioSimilarity > 0 {
		parts = append(parts, fmt.Sprintf("similar bio (%d%%)", int(math.Round(f.BioSimilarity*100))))
	}
	if f.AffiliationMatch > 0 {
		if affiliation != "" {
			parts = append(parts, "same affiliation: "+affiliation)
		} else {
			parts = append(parts, "same affiliation")
		}
	}

	if len(parts) == 0 {
		return "no shared attributes"
	}
	return strings.Join(parts, "; ")
}

func intersection(a, b map[string]bool) []string {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make([]string, 0)
	for k := range a {
		if b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// jaccardSimilarity is |A∩B| / |A∪B|, 0 when either set is empty.
func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// cosineSimilarity treats each set as a binary vector.
func cosineSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	return math.Min(1, float64(inter)/math.Sqrt(float64(len(a))*float64(len(b))))
}
