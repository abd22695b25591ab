package llm

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ModelClass selects a size class; concrete model names come from config.
type ModelClass int

const (
	Small ModelClass = iota
	Large
)

// Opts tunes a single completion call.
type Opts struct {
	Model       ModelClass
	MaxTokens   int
	Temperature float32
}

// Client is a one-shot chat completion client against an OpenAI-compatible
// endpoint. All methods degrade to empty results instead of returning errors;
// callers fall back to deterministic behavior when the LLM is unavailable.
type Client struct {
	api        *openai.Client
	smallModel string
	largeModel string
	hasKey     bool
}

// keyEnvVars is the ordered list of env vars consulted for a bearer token.
// The first non-empty one wins; selection is stateless per call site.
var keyEnvVars = []string{
	"LLM_API_KEY",
	"LLM_API_KEY_1",
	"LLM_API_KEY_2",
	"LLM_API_KEY_3",
	"LLM_API_KEY_4",
	"LLM_API_KEY_5",
	"LLM_API_KEY_6",
}

// ResolveKey returns the first usable API key from the environment, or "".
func ResolveKey() string {
	for _, name := range keyEnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// New builds a Client for the given base URL and model names. A missing API
// key is a soft failure: the client is still usable and every call returns
// empty results.
func New(baseURL, smallModel, largeModel string) *Client {
	key := ResolveKey()
	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	if key == "" {
		log.Printf("No LLM API key found (LLM_API_KEY*); LLM-assisted steps will use fallbacks")
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		smallModel: smallModel,
		largeModel: largeModel,
		hasKey:     key != "",
	}
}

func (c *Client) model(class ModelClass) string {
	if class == Large {
		return c.largeModel
	}
	return c.smallModel
}

// ChatOnce sends one system+user exchange and returns the normalized reply,
// or "" on any failure.
func (c *Client) ChatOnce(ctx context.Context, system, user string, opts Opts) string {
	return NormalizeReply(c.chatRaw(ctx, system, user, opts))
}

// ChatJSON is a one-shot completion plus tiered JSON extraction. Returns the
// decoded value, or nil when the reply could not be parsed as JSON.
func (c *Client) ChatJSON(ctx context.Context, system, user string, opts Opts) interface{} {
	raw := c.chatRaw(ctx, system, user, opts)
	if raw == "" {
		return nil
	}
	return ExtractJSON(raw)
}

// ChatJSONRobust tries the requested model; on parse failure it retries once
// on the Large model with a bigger token budget.
func (c *Client) ChatJSONRobust(ctx context.Context, system, user string, opts Opts) interface{} {
	if v := c.ChatJSON(ctx, system, user, opts); v != nil {
		return v
	}
	if c == nil || !c.hasKey {
		return nil
	}
	retry := Opts{Model: Large, MaxTokens: opts.MaxTokens * 2, Temperature: opts.Temperature}
	if retry.MaxTokens <= 0 {
		retry.MaxTokens = 4096
	}
	return c.ChatJSON(ctx, system, user, retry)
}

// chatRaw performs the completion without normalization so fenced JSON
// survives intact.
func (c *Client) chatRaw(ctx context.Context, system, user string, opts Opts) string {
	if c == nil || !c.hasKey {
		return ""
	}
	req := openai.ChatCompletionRequest{
		Model: c.model(opts.Model),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Printf("LLM chat failed (%s): %v", c.model(opts.Model), err)
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

// ExtractJSON attempts a strict parse, then the first fenced code block,
// then the first bracketed span. Returns nil when nothing decodes.
func ExtractJSON(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	if v, ok := tryDecode(raw); ok {
		return v
	}
	if fenced := fencedBlock(raw); fenced != "" {
		if v, ok := tryDecode(fenced); ok {
			return v
		}
	}
	if span := firstSpan(raw, '[', ']'); span != "" {
		if v, ok := tryDecode(span); ok {
			return v
		}
	}
	if span := firstSpan(raw, '{', '}'); span != "" {
		if v, ok := tryDecode(span); ok {
			return v
		}
	}
	return nil
}

func tryDecode(s string) (interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return v, true
	}
	return nil, false
}

// fencedBlock returns the contents of the first ``` fence, tolerating a
// language tag after the opening backticks.
func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// firstSpan returns the substring from the first open delimiter to its
// matching close, tracking nesting depth and quoted strings.
func firstSpan(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// bannedPrefixes are conversational openers stripped from model replies so a
// raw reply can be used directly as a label or summary.
var bannedPrefixes = []string{
	"sure,", "sure.", "sure", "here is", "here are", "this image", "the image",
	"image shows", "the picture", "the photo", "the text describes",
	"the text describe", "it shows", "it depicts", "caption:", "description:",
	"output:", "result:", "answer:", "analysis:", "observation:", "summary:",
	"topic:", "title:",
}

// NormalizeReply strips conversational prefixes, leading list markers,
// surrounding quotes, and collapses whitespace.
func NormalizeReply(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	lower := strings.ToLower(t)
	for changed := true; changed; {
		changed = false
		for _, p := range bannedPrefixes {
			if strings.HasPrefix(lower, p) {
				t = strings.TrimLeft(t[len(p):], " :-—–")
				lower = strings.ToLower(t)
				changed = true
			}
		}
	}
	t = strings.TrimLeft(t, "-*• \t")
	t = strings.Trim(t, `"'`)
	return strings.Join(strings.Fields(t), " ")
}
