package chunker

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"studypipe/internal/llm"
	"studypipe/internal/parser"
	"studypipe/internal/summarizer"
	"studypipe/internal/textutil"
)

// Defaults for the deterministic window sizing, overridable via config.
const (
	DefaultMaxWords     = 450
	DefaultMinWords     = 150
	DefaultOverlapWords = 50

	// Documents longer than this go to the Large model for segmentation.
	largeDocThreshold = 200_000

	// Per-card topic/summary calls run with this concurrency cap.
	enrichConcurrency = 4
)

// Card is the retrieval unit stored per chunk: cleaned content plus a topic
// label, short summary, page span and embedding.
type Card struct {
	UserID    string    `bson:"user_id" json:"user_id"`
	ProjectID string    `bson:"project_id" json:"project_id"`
	Filename  string    `bson:"filename" json:"filename"`
	TopicName string    `bson:"topic_name" json:"topic_name"`
	Summary   string    `bson:"summary" json:"summary"`
	Content   string    `bson:"content" json:"content"`
	PageSpan  [2]int    `bson:"page_span" json:"page_span"`
	CardID    string    `bson:"card_id" json:"card_id"`
	Embedding []float32 `bson:"embedding" json:"embedding"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Chunker turns a file's pages into ordered, enriched cards. Segmentation is
// LLM-assisted with a deterministic heading-based fallback.
type Chunker struct {
	LLM *llm.Client
	Sum *summarizer.Summarizer

	MaxWords     int
	MinWords     int
	OverlapWords int
}

// New returns a Chunker with the given window sizes; zero values take the
// defaults.
func New(client *llm.Client, sum *summarizer.Summarizer, maxWords, minWords, overlapWords int) *Chunker {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	if overlapWords <= 0 {
		overlapWords = DefaultOverlapWords
	}
	return &Chunker{LLM: client, Sum: sum, MaxWords: maxWords, MinWords: minWords, OverlapWords: overlapWords}
}

// BuildCards assembles the page texts into one working document, segments it,
// and enriches every chunk with a topic and summary. Output order matches
// segmentation order; card ids are deterministic.
func (c *Chunker) BuildCards(ctx context.Context, pages []parser.Page, filename, userID, projectID string) []Card {
	full := AssembleDocument(pages)
	if strings.TrimSpace(summarizer.CleanChunkText(full)) == "" {
		return nil
	}

	segments := c.llmSegments(ctx, full)
	if segments == nil {
		blocks := SplitByHeadings(full)
		segments = c.WindowBlocks(blocks)
	}

	firstPage, lastPage := 1, 1
	if len(pages) > 0 {
		firstPage = pages[0].Num
		lastPage = pages[len(pages)-1].Num
	}
	slug := textutil.Slugify(filename)
	now := time.Now().UTC()

	cards := make([]Card, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			cleaned := summarizer.CleanChunkText(seg)
			cards[i] = Card{
				UserID:    userID,
				ProjectID: projectID,
				Filename:  filename,
				TopicName: c.topicLabel(gctx, cleaned),
				Summary:   c.Sum.CheapSummarize(gctx, cleaned, 3),
				Content:   cleaned,
				PageSpan:  [2]int{firstPage, lastPage},
				CardID:    fmt.Sprintf("%s-c%04d", slug, i+1),
				CreatedAt: now,
			}
			return nil
		})
	}
	_ = g.Wait()

	// Drop chunks whose content cleaned down to nothing.
	out := cards[:0]
	seq := 1
	for _, card := range cards {
		if card.Content == "" {
			continue
		}
		card.CardID = fmt.Sprintf("%s-c%04d", slug, seq)
		seq++
		out = append(out, card)
	}
	log.Printf("Built %d cards from %d pages for %s", len(out), len(pages), filename)
	return out
}

// AssembleDocument concatenates page texts, each prefixed with a [[Page N]]
// marker.
func AssembleDocument(pages []parser.Page) string {
	var sb strings.Builder
	for _, p := range pages {
		fmt.Fprintf(&sb, "\n\n[[Page %d]]\n%s\n", p.Num, strings.TrimSpace(p.Text))
	}
	return sb.String()
}

// ========== LLM segmentation ==========

const segmentSystem = "You split documents into coherent chunks for retrieval. " +
	"Return ONLY a JSON array of strings. Each string is one self-contained chunk of " +
	"roughly 150-400 words, in original order, covering the whole document. " +
	"No commentary, no markdown outside the JSON."

// llmSegments asks the model for a JSON array of chunk strings. Returns nil
// unless a non-empty array of non-empty strings comes back.
func (c *Chunker) llmSegments(ctx context.Context, doc string) []string {
	if c.LLM == nil {
		return nil
	}
	opts := llm.Opts{Model: llm.Small, MaxTokens: 4096, Temperature: 0.2}
	if len(doc) > largeDocThreshold {
		opts.Model = llm.Large
	}
	parsed := c.LLM.ChatJSONRobust(ctx, segmentSystem, "Split this document:\n\n"+doc, opts)
	arr, ok := parsed.([]interface{})
	if !ok || len(arr) == 0 {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil
		}
		out = append(out, s)
	}
	return out
}

// ========== Deterministic fallback ==========

var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^#{1,6}\s.*$`),                                         // markdown ATX
	regexp.MustCompile(`(?m)^[0-9]+(?:\.[0-9]+)*\.?\s+\S[^\n]*$`),                  // 1. Heading / 2.1 Heading
	regexp.MustCompile(`(?m)^[A-Z][A-Za-z0-9\s\-]{2,}\n[-=]{3,}\s*$`),              // underlined
	regexp.MustCompile(`(?m)^(?:Chapter\s+\d+.*|Section\s+\d+.*)$`),                // Chapter N / Section N
	regexp.MustCompile(`(?m)^(?:Abstract|Introduction|Conclusion|References|Bibliography)\s*$`), // academic
}

// SplitByHeadings collects heading matches from all patterns, sorts them by
// position and uses them as segment boundaries. The intervening spans are
// preserved so the output concatenates back to the input.
func SplitByHeadings(text string) []string {
	type match struct{ start, end int }
	var all []match
	for _, p := range headingPatterns {
		for _, loc := range p.FindAllStringIndex(text, -1) {
			all = append(all, match{loc[0], loc[1]})
		}
	}
	if len(all) == 0 {
		return []string{text}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].start < all[j].start })

	var parts []string
	last := 0
	for _, m := range all {
		if m.start < last {
			continue // overlapping match from another pattern
		}
		if m.start > last {
			parts = append(parts, text[last:m.start])
		}
		parts = append(parts, text[m.start:m.end])
		last = m.end
	}
	if last < len(text) {
		parts = append(parts, text[last:])
	}
	return parts
}

// WindowBlocks size-normalizes heading blocks into overlapping windows of
// MaxWords with OverlapWords carried over from the end of the previous
// emitted chunk. Blocks of at most MaxWords are emitted verbatim, so a block
// of exactly MaxWords yields one chunk. A terminal window shorter than
// MinWords is still emitted on its own rather than merged backward, keeping
// every chunk within MaxWords+OverlapWords.
func (c *Chunker) WindowBlocks(blocks []string) []string {
	var chunks []string
	for _, block := range blocks {
		words := strings.Fields(block)
		if len(words) == 0 {
			continue
		}
		if len(words) <= c.MaxWords {
			chunks = append(chunks, strings.Join(words, " "))
			continue
		}
		for start := 0; start < len(words); start += c.MaxWords {
			end := start + c.MaxWords
			if end > len(words) {
				end = len(words)
			}
			segment := words[start:end]
			if start > 0 && len(chunks) > 0 {
				prev := strings.Fields(chunks[len(chunks)-1])
				carry := c.OverlapWords
				if carry > len(prev) {
					carry = len(prev)
				}
				segment = append(append([]string{}, prev[len(prev)-carry:]...), segment...)
			}
			chunks = append(chunks, strings.Join(segment, " "))
		}
	}
	return chunks
}

// ========== Enrichment ==========

const topicSystem = "Provide a short topic/title for the user's text. " +
	"A few words only, no preface, no quotes, no punctuation at the end."

// topicLabel asks the small model for a title, truncated to 120 characters.
// Fallback: the first 80 characters of the content.
func (c *Chunker) topicLabel(ctx context.Context, content string) string {
	if c.LLM != nil {
		topic := c.LLM.ChatOnce(ctx, topicSystem, content, llm.Opts{
			Model:       llm.Small,
			MaxTokens:   24,
			Temperature: 0.2,
		})
		if topic != "" {
			return textutil.TrimText(topic, 120)
		}
	}
	return textutil.TrimText(content, 80)
}
