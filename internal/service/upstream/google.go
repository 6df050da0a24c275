package upstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	"FHCElite/internal/parser"
	xhttp "FHCElite/pkg/http"
)

// Google scrapes the finance quote page and its embedded data callbacks.
type Google struct {
	client   *xhttp.Client
	baseURL  string
	exchange string
	loc      *time.Location
}

type GoogleOption func(*Google)

func WithGoogleURL(u string) GoogleOption {
	return func(g *Google) { g.baseURL = strings.TrimRight(u, "/") }
}

func NewGoogle(client *xhttp.Client, loc *time.Location, opts ...GoogleOption) *Google {
	g := &Google{client: client, baseURL: DefaultGoogleURL, exchange: "TPE", loc: loc}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var (
	_ repository.IntradaySource = (*Google)(nil)
	_ repository.IndexSource    = (*Google)(nil)
)

func (g *Google) Name() string { return "google" }

func (g *Google) FetchIntraday(ctx context.Context, instrumentID string) (*models.ChartData, error) {
	body, err := fetch(ctx, g.client, g.Name(), &xhttp.RequestOptions{
		URL:         fmt.Sprintf("%s/finance/quote/%s:%s", g.baseURL, instrumentID, g.exchange),
		QueryParams: map[string][]string{"hl": {"zh-TW"}},
		Headers: map[string]string{
			"User-Agent":      browserUA,
			"Accept-Language": "zh-TW,zh;q=0.9",
		},
	})
	if err != nil {
		return nil, err
	}
	chart, err := parser.ParseCallback(instrumentID, body, g.loc)
	if err != nil {
		return nil, err
	}
	chart.Source = g.Name()
	return chart, nil
}

// FetchIndex reads the current level of an exchange index such as IX0001.
func (g *Google) FetchIndex(ctx context.Context, code string) (*models.MarketIndex, error) {
	body, err := fetch(ctx, g.client, g.Name(), &xhttp.RequestOptions{
		URL:         fmt.Sprintf("%s/finance/quote/%s:%s", g.baseURL, code, g.exchange),
		QueryParams: map[string][]string{"hl": {"zh-TW"}},
		Headers:     map[string]string{"User-Agent": browserUA},
	})
	if err != nil {
		return nil, err
	}
	return parser.ParseIndexQuote(code, body)
}
