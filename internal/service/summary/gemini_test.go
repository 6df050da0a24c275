package summary

import (
	"context"
	"errors"
	"strings"
	"testing"

	"FHCElite/internal/domain/models"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		score int
		err   bool
	}{
		{"plain", `{"summary":"穩健","sentimentScore":35,"highlight":"利差"}`, 35, false},
		{"fenced", "```json\n{\"summary\":\"s\",\"sentimentScore\":-20,\"highlight\":\"h\"}\n```", -20, false},
		{"clamped", `{"summary":"s","sentimentScore":250,"highlight":"h"}`, 100, false},
		{"empty", "  ", 0, true},
		{"garbage", "not json", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.in)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.SentimentScore != tt.score {
				t.Fatalf("score = %d, want %d", got.SentimentScore, tt.score)
			}
		})
	}
}

func TestBuildPromptListsHeadlines(t *testing.T) {
	p := BuildPrompt(models.SummaryRequest{StockName: "富邦金", StockID: "2881", NewsHeadlines: []string{"a", "b"}})
	if !strings.Contains(p, "富邦金 (2881)") || !strings.Contains(p, "a\nb") {
		t.Fatalf("prompt missing fields: %s", p)
	}
}

func TestGeminiWithoutKey(t *testing.T) {
	g, err := NewGemini(context.Background(), "", "")
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	if _, err := g.Summarize(context.Background(), models.SummaryRequest{}); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}
