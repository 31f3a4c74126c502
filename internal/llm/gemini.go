package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/nicole-mentor/nicole/internal/config"
	"github.com/nicole-mentor/nicole/internal/metrics"
)

// Client implements Generator on top of the Gemini API.
type Client struct {
	genai      *genai.Client
	model      string
	imageModel string
	timeout    time.Duration
	grounding  bool
	limiter    *rate.Limiter
}

// NewClient creates a Gemini-backed Generator. MaxRPS bounds upstream calls
// across the whole process; zero or less disables the ceiling.
func NewClient(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	limit := rate.Inf
	burst := 0
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
		burst = max(1, int(cfg.MaxRPS))
	}

	return &Client{
		genai:      gc,
		model:      cfg.Model,
		imageModel: cfg.ImageModel,
		timeout:    cfg.Timeout,
		grounding:  cfg.Grounding,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// Generate asks the model for the next reply in the conversation.
func (c *Client) Generate(ctx context.Context, systemInstruction string, turns []Turn) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.generate(ctx, systemInstruction, turns)
	observe(start, err)
	if err != nil {
		slog.Warn("llm: generate failed", "model", c.model, "error", err)
		return nil, err
	}
	return reply, nil
}

func (c *Client) generate(ctx context.Context, systemInstruction string, turns []Turn) (*Reply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrThrottled, err)
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		role := genai.RoleUser
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, genai.Role(role)))
	}

	cfg := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if c.grounding {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}
	return parseReply(resp)
}

// parseReply extracts text, citations and token usage from the first candidate.
func parseReply(resp *genai.GenerateContentResponse) (*Reply, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, malformed("response has no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return nil, malformed("candidate has no content")
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, malformed("candidate has no text")
	}

	reply := &Reply{Text: text}

	if gm := candidate.GroundingMetadata; gm != nil {
		seen := make(map[string]bool)
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" || seen[chunk.Web.URI] {
				continue
			}
			seen[chunk.Web.URI] = true
			reply.Citations = append(reply.Citations, Citation{URI: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}

	if resp.UsageMetadata != nil {
		reply.TokenCount = int(resp.UsageMetadata.TotalTokenCount)
	}
	return reply, nil
}

// GenerateImage renders a single square image for the prompt.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	img, err := c.generateImage(ctx, prompt)
	observe(start, err)
	if err != nil {
		slog.Warn("llm: image generation failed", "model", c.imageModel, "error", err)
		return nil, err
	}
	return img, nil
}

func (c *Client) generateImage(ctx context.Context, prompt string) (*Image, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrThrottled, err)
	}

	resp, err := c.genai.Models.GenerateImages(ctx, c.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    "1:1",
	})
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0] == nil ||
		resp.GeneratedImages[0].Image == nil || len(resp.GeneratedImages[0].Image.ImageBytes) == 0 {
		return nil, malformed("response has no image")
	}

	img := resp.GeneratedImages[0].Image
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &Image{Data: img.ImageBytes, MIMEType: mime}, nil
}

func observe(start time.Time, err error) {
	metrics.LLMRequestDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}
