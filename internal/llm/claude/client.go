// Package claude produces operator-facing conjunction summaries via the
// Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/perigeelabs/perigee/internal/conjunction"
)

const (
	defaultMaxTokens = 512
	requestTimeout   = 60 * time.Second
)

const systemPrompt = `You are a satellite operations assistant. You will be given a
structured record of one tracked conjunction between two orbiting objects.
Write a 2-3 sentence plain-language summary for an operator, then a short
"Key facts" list. Use only the data in the record; never invent values,
object names, or recommendations beyond what the record supports.`

// Client is a single-shot summarizer. Safe for concurrent use.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New creates a Claude-backed summarizer with the given API key and model.
func New(apiKey, model string) *Client {
	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: defaultMaxTokens,
	}
}

// Summary is the model's rendering of one event.
type Summary struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Summarize renders the event into a context document and asks for a
// summary. One call, no tools, no conversation state.
func (c *Client) Summarize(ctx context.Context, e *conjunction.Event) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildContext(e))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}

	text := extractText(msg)
	if text == "" {
		return nil, fmt.Errorf("claude: response contained no text")
	}

	return &Summary{
		Text:         text,
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// BuildContext renders the stored event into the plain-text document the
// model sees. Everything in it comes from the event record.
func BuildContext(e *conjunction.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONJUNCTION EVENT %s\n", e.ID)
	fmt.Fprintf(&b, "Primary object: NORAD %d\n", e.PrimaryID)
	if e.Secondary.Resolved {
		fmt.Fprintf(&b, "Secondary object: NORAD %d (%s)\n", e.Secondary.NoradID, orUnknown(e.Secondary.Name))
	} else {
		fmt.Fprintf(&b, "Secondary object: unresolved, provisional name %q\n", e.Secondary.Name)
	}
	fmt.Fprintf(&b, "Time of closest approach: %s\n", e.TCA.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Current miss distance: %.3f km\n", e.MissKm)
	fmt.Fprintf(&b, "Current risk tier: %s (index %.2f, confidence %s)\n", e.Tier, e.Index, e.Confidence)
	fmt.Fprintf(&b, "Active: %v\n", e.Active)

	fmt.Fprintf(&b, "\nUPDATE HISTORY (%d updates, oldest first)\n", len(e.Updates))
	for i := range e.Updates {
		u := &e.Updates[i]
		fmt.Fprintf(&b, "- %s via %s: miss %.3f km, tier %s, confidence %s",
			u.ComputedAt.UTC().Format(time.RFC3339), u.SourceKind, u.MissKm, u.Tier, u.Confidence)
		if u.PoCLite != nil {
			fmt.Fprintf(&b, ", collision probability estimate %.2e", *u.PoCLite)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// extractText concatenates the text blocks of a response.
func extractText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

func orUnknown(name string) string {
	if name == "" {
		return "name unknown"
	}
	return name
}
