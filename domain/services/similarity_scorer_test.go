package services

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/domain/core/entities"
)

func strPtr(s string) *string { return &s }

func profile(id string, keywords []string, bio, affiliation *string) *entities.Profile {
	return &entities.Profile{
		UserID:             id,
		CommunityID:        "c1",
		Keywords:           keywords,
		Bio:                bio,
		CurrentAffiliation: affiliation,
	}
}

func newScorer() *DefaultSimilarityScorer {
	return NewDefaultSimilarityScorer(DefaultScorerWeights(), NewDefaultTextAnalyzer())
}

func TestScoreFactors(t *testing.T) {
	scorer := newScorer()

	tests := []struct {
		name        string
		a, b        *entities.Profile
		keyword     float64
		bio         float64
		affiliation float64
	}{
		{
			name:    "partial keyword overlap",
			a:       profile("a", []string{"x", "y"}, nil, nil),
			b:       profile("b", []string{"y", "z"}, nil, nil),
			keyword: 1.0 / 3.0,
		},
		{
			name:    "keyword case and whitespace ignored",
			a:       profile("a", []string{" Go "}, nil, nil),
			b:       profile("b", []string{"go"}, nil, nil),
			keyword: 1,
		},
		{
			name: "empty keywords score zero",
			a:    profile("a", nil, nil, nil),
			b:    profile("b", nil, nil, nil),
		},
		{
			name:        "affiliation match is case insensitive",
			a:           profile("a", nil, nil, strPtr("Kernel ")),
			b:           profile("b", nil, nil, strPtr(" kernel")),
			affiliation: 1,
		},
		{
			name: "blank affiliation never matches",
			a:    profile("a", nil, nil, strPtr("  ")),
			b:    profile("b", nil, nil, strPtr("")),
		},
		{
			name: "missing bio scores zero",
			a:    profile("a", nil, strPtr("distributed systems engineer"), nil),
			b:    profile("b", nil, nil, nil),
		},
		{
			name: "identical bios",
			a:    profile("a", nil, strPtr("distributed systems engineer"), nil),
			b:    profile("b", nil, strPtr("Distributed systems engineer!"), nil),
			bio:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := scorer.Score(tt.a, tt.b)
			assert.InDelta(t, tt.keyword, res.Factors.KeywordSimilarity, 1e-9)
			assert.InDelta(t, tt.bio, res.Factors.BioSimilarity, 1e-9)
			assert.InDelta(t, tt.affiliation, res.Factors.AffiliationMatch, 1e-9)
		})
	}
}

func TestScoreIsSymmetricAndBounded(t *testing.T) {
	scorer := newScorer()
	rng := rand.New(rand.NewSource(42))
	vocab := []string{"go", "rust", "dao", "art", "music", "zk", "defi", "climate"}
	bios := []*string{nil, strPtr(""), strPtr("building tools for climate research"), strPtr("music and art collective founder"), strPtr("zk research and rust tooling")}
	affs := []*string{nil, strPtr("Kernel"), strPtr("kernel "), strPtr("Gitcoin")}

	randomProfile := func(id string) *entities.Profile {
		var kws []string
		for _, w := range vocab {
			if rng.Intn(3) == 0 {
				kws = append(kws, w)
			}
		}
		return profile(id, kws, bios[rng.Intn(len(bios))], affs[rng.Intn(len(affs))])
	}

	for i := 0; i < 200; i++ {
		a := randomProfile(fmt.Sprintf("a%d", i))
		b := randomProfile(fmt.Sprintf("b%d", i))

		ab := scorer.Score(a, b)
		ba := scorer.Score(b, a)

		require.Equal(t, ab, ba)
		assert.GreaterOrEqual(t, ab.OverallScore, 0.0)
		assert.LessOrEqual(t, ab.OverallScore, 1.0)
		assert.GreaterOrEqual(t, ab.Weight, entities.MinWeight)
		assert.LessOrEqual(t, ab.Weight, entities.MaxWeight)
	}
}

func TestScoreIsMonotonic(t *testing.T) {
	scorer := newScorer()
	base := scorer.overall(SimilarityFactors{KeywordSimilarity: 0.2, BioSimilarity: 0.2, AffiliationMatch: 0})

	assert.GreaterOrEqual(t, scorer.overall(SimilarityFactors{KeywordSimilarity: 0.5, BioSimilarity: 0.2}), base)
	assert.GreaterOrEqual(t, scorer.overall(SimilarityFactors{KeywordSimilarity: 0.2, BioSimilarity: 0.9}), base)
	assert.GreaterOrEqual(t, scorer.overall(SimilarityFactors{KeywordSimilarity: 0.2, BioSimilarity: 0.2, AffiliationMatch: 1}), base)
}

func TestWeightFromScore(t *testing.T) {
	assert.Equal(t, 1, WeightFromScore(0))
	assert.Equal(t, 10, WeightFromScore(1))
	assert.Equal(t, 10, WeightFromScore(1.7))
	assert.Equal(t, 1, WeightFromScore(-2))
	assert.Equal(t, 6, WeightFromScore(0.5))
}

func TestScoreThreeProfileExample(t *testing.T) {
	scorer := newScorer()
	a := profile("A", []string{"x", "y"}, nil, strPtr("Kernel"))
	b := profile("B", []string{"y", "z"}, nil, strPtr("Kernel"))
	c := profile("C", []string{}, nil, nil)

	ab := scorer.Score(a, b)
	ac := scorer.Score(a, c)
	bc := scorer.Score(b, c)

	assert.Greater(t, ab.Weight, ac.Weight)
	assert.Greater(t, ab.Weight, bc.Weight)
	assert.Equal(t, "shared keywords: y; same affiliation: kernel", ab.Description)
	assert.Equal(t, "no shared attributes", ac.Description)
}

func TestDescribeIsDeterministic(t *testing.T) {
	f := SimilarityFactors{KeywordSimilarity: 0.6, BioSimilarity: 0.25}
	shared := []string{"a", "b", "c", "d", "e", "f", "g"}

	d1 := Describe(f, shared, "")
	d2 := Describe(f, shared, "")

	assert.Equal(t, d1, d2)
	assert.Equal(t, "shared keywords: a, b, c, d, e (+2 more); similar bio (25%)", d1)
}

func TestScorerWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultScorerWeights().Validate())
	assert.Error(t, ScorerWeights{Keyword: 0.5, Bio: 0.5, Affiliation: 0.5}.Validate())
	assert.Error(t, ScorerWeights{Keyword: 1.5, Bio: -0.5}.Validate())

	s := NewDefaultSimilarityScorer(ScorerWeights{Keyword: 2}, nil)
	assert.Equal(t, DefaultScorerWeights(), s.Weights())
}

func TestTextAnalyzerTokens(t *testing.T) {
	ta := NewDefaultTextAnalyzer()
	tokens := ta.Tokens("The DAO is building a zk-rollup, and I love it!")

	assert.Equal(t, map[string]bool{"dao": true, "building": true, "zk": true, "rollup": true}, tokens)
	assert.Empty(t, ta.Tokens(""))
}
