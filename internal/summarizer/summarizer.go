package summarizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"studypipe/internal/llm"
	"studypipe/internal/textutil"
)

// largeContextThreshold routes long inputs to the Large model class.
const largeContextThreshold = 1500

var pageMarker = regexp.MustCompile(`\[\[Page \d+\]\]`)

// Summarizer produces short summaries with an LLM, falling back to naive
// sentence truncation when the model is unavailable.
type Summarizer struct {
	LLM *llm.Client
}

// New returns a Summarizer. A nil client forces the naive fallback.
func New(client *llm.Client) *Summarizer {
	return &Summarizer{LLM: client}
}

// CheapSummarize returns a concise summary of roughly maxSentences sentences.
func (s *Summarizer) CheapSummarize(ctx context.Context, text string, maxSentences int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if maxSentences <= 0 {
		maxSentences = 3
	}
	system := fmt.Sprintf(
		"You are a precise summarizer. Produce a clear, faithful summary of the user's text. "+
			"Return ~%d sentences, no comments, no preface, no markdown.", maxSentences)
	user := "Summarize this text:\n\n" + text

	opts := llm.Opts{Model: llm.Small, Temperature: 0.2}
	if len(text) > largeContextThreshold {
		opts.Model = llm.Large
	}
	if s != nil && s.LLM != nil {
		if out := s.LLM.ChatOnce(ctx, system, user, opts); out != "" {
			return out
		}
	}
	return NaiveFallback(text, maxSentences)
}

// NaiveFallback takes the first maxSentences sentences of the input,
// preserving terminal punctuation.
func NaiveFallback(text string, maxSentences int) string {
	sentences := textutil.SplitSentences(text)
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}
	if len(sentences) > maxSentences {
		sentences = sentences[:maxSentences]
	}
	out := strings.Join(sentences, " ")
	if !strings.HasSuffix(out, ".") && !strings.HasSuffix(out, "!") && !strings.HasSuffix(out, "?") {
		out += "."
	}
	return out
}

// CleanChunkText normalizes whitespace and strips the [[Page N]] markers the
// chunker inserts between pages. Pure and deterministic.
func CleanChunkText(text string) string {
	if text == "" {
		return ""
	}
	text = pageMarker.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, `\n`, " ")
	text = strings.ReplaceAll(text, `\t`, " ")
	return textutil.CollapseWhitespace(text)
}
