package services

import (
	"strings"
	"unicode"
)

// TextAnalyzer turns free text into comparable token sets.
type TextAnalyzer interface {
	// Tokens returns the unique lower-case words of text with stop words removed.
	Tokens(text string) map[string]bool
}

// DefaultTextAnalyzer splits on anything that is not a letter or digit and
// drops common English stop words and single characters.
type DefaultTextAnalyzer struct {
	stopWords     map[string]bool
	minWordLength int
}

// NewDefaultTextAnalyzer creates an analyzer with the built-in stop word list.
func NewDefaultTextAnalyzer() *DefaultTextAnalyzer {
	return &DefaultTextAnalyzer{
		stopWords:     defaultStopWords(),
		minWordLength: 2,
	}
}

func (ta *DefaultTextAnalyzer) Tokens(text string) map[string]bool {
	words := make(map[string]bool)
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		word := current.String()
		current.Reset()
		if len([]rune(word)) < ta.minWordLength || ta.stopWords[word] {
			return
		}
		words[word] = true
	}

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
			continue
		}
		flush()
	}
	flush()

	return words
}

func defaultStopWords() map[string]bool {
	list := []string{
		"the", "be", "to", "of", "and", "a", "in", "that", "have", "i",
		"it", "for", "not", "on", "with", "he", "as", "you", "do", "at",
		"this", "but", "his", "by", "from", "they", "we", "say", "her", "she",
		"or", "an", "will", "my", "one", "all", "would", "there", "their", "what",
		"so", "up", "out", "if", "about", "who", "get", "which", "go", "me",
		"when", "make", "can", "like", "no", "just", "him", "know", "take",
		"into", "your", "some", "could", "them", "see", "other", "than", "then",
		"now", "only", "its", "over", "also", "after", "how", "our", "well",
		"even", "want", "because", "any", "these", "most", "us", "is", "was",
		"are", "been", "has", "had", "were", "did", "am", "should", "too", "very",
		"im", "currently", "really", "love", "interested",
	}
	stop := make(map[string]bool, len(list))
	for _, w := range list {
		stop[w] = true
	}
	return stop
}
