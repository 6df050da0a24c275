package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	"FHCElite/pkg/cache"
	applogger "FHCElite/pkg/logger"
)

const defaultSummaryTTL = 10 * time.Minute

// FallbackSummary is served whenever the summarizer cannot answer.
var FallbackSummary = models.SummaryResponse{
	Summary:        "暫時無法分析新聞，請確認 API Key 是否設定正確。",
	SentimentScore: 0,
	Highlight:      "連線異常",
}

// DefaultHeadlines is used when a request carries no headlines.
func DefaultHeadlines(stockName string) []string {
	return []string{
		stockName + " 最新法說會公布去年獲利表現優異",
		"外資對 " + stockName + " 目標價調升",
		"金融股近期受利率變動影響明顯",
	}
}

// NewsSummary wraps the summarizer with default headlines, a result cache
// and a fixed fallback answer.
type NewsSummary struct {
	summarizer repository.Summarizer
	cache      cache.Service
	ttl        time.Duration
	logger     *applogger.Logger
}

func NewNewsSummary(s repository.Summarizer, c cache.Service, ttl time.Duration, l *applogger.Logger) *NewsSummary {
	if ttl <= 0 {
		ttl = defaultSummaryTTL
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &NewsSummary{summarizer: s, cache: c, ttl: ttl, logger: l}
}

// Summarize never fails: summarizer errors yield FallbackSummary.
func (n *NewsSummary) Summarize(ctx context.Context, req models.SummaryRequest) *models.SummaryResponse {
	if req.NewsHeadlines == nil {
		req.NewsHeadlines = DefaultHeadlines(req.StockName)
	}
	key := summaryKey(req)
	if n.cache != nil {
		var cached models.SummaryResponse
		if err := n.cache.Get(ctx, key, &cached); err == nil {
			return &cached
		}
	}

	if n.summarizer == nil {
		out := FallbackSummary
		return &out
	}
	resp, err := n.summarizer.Summarize(ctx, req)
	if err != nil {
		n.logger.Warn("news summary failed",
			applogger.String("instrument", req.StockID),
			applogger.Error(err),
		)
		out := FallbackSummary
		return &out
	}
	if n.cache != nil {
		if err := n.cache.Set(ctx, key, resp, n.ttl); err != nil {
			n.logger.Debug("summary cache write failed", applogger.Error(err))
		}
	}
	return resp
}

func summaryKey(req models.SummaryRequest) string {
	h := sha1.New()
	h.Write([]byte(req.StockID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(req.NewsHeadlines, "\n")))
	return cache.Key("summary", req.StockID, hex.EncodeToString(h.Sum(nil))[:16])
}
