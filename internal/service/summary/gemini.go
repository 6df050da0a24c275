package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
)

const DefaultModel = "gemini-1.5-pro"

// ErrNoAPIKey is returned when the summarizer was built without credentials.
var ErrNoAPIKey = errors.New("summary: api key not configured")

const promptTemplate = `你是一位專業的台灣金融分析師。請針對以下關於「%s (%s)」的近期新聞標題進行綜合分析與摘要：

新聞標題：
%s

請提供：
1. 核心摘要：用兩三句話總結目前的主要趨勢（利多或利空）。
2. 情緒評分：從 -100 (極度悲觀) 到 +100 (極度樂觀) 給出一個數字。
3. 關鍵風險/機會：指出一個最值得注意的點。

輸出格式要求為 JSON：
{"summary": "...", "sentimentScore": number, "highlight": "..."}

語言請使用繁體中文。`

// Gemini summarizes news headlines with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds a client for apiKey. An empty key yields a summarizer
// whose every call fails with ErrNoAPIKey.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		model = DefaultModel
	}
	if apiKey == "" {
		return &Gemini{model: model}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

var _ repository.Summarizer = (*Gemini)(nil)

func (g *Gemini) Summarize(ctx context.Context, req models.SummaryRequest) (*models.SummaryResponse, error) {
	if g.client == nil {
		return nil, ErrNoAPIKey
	}
	prompt := BuildPrompt(req)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.4),
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	return ParseResponse(resp.Text())
}

// BuildPrompt renders the analyst prompt for req.
func BuildPrompt(req models.SummaryRequest) string {
	return fmt.Sprintf(promptTemplate, req.StockName, req.StockID, strings.Join(req.NewsHeadlines, "\n"))
}

// ParseResponse decodes the model output, tolerating markdown code fences.
func ParseResponse(text string) (*models.SummaryResponse, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("summary: empty model response")
	}

	var out models.SummaryResponse
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("summary: decode model response: %w", err)
	}
	switch {
	case out.SentimentScore > 100:
		out.SentimentScore = 100
	case out.SentimentScore < -100:
		out.SentimentScore = -100
	}
	return &out, nil
}
