package upstream

import (
	"context"
	"fmt"
	"strings"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	"FHCElite/internal/parser"
	xhttp "FHCElite/pkg/http"
)

// Yahoo reads the v8 chart endpoint.
type Yahoo struct {
	client   *xhttp.Client
	baseURL  string
	suffix   string
	interval string
	lookback string
}

type YahooOption func(*Yahoo)

func WithYahooURL(u string) YahooOption {
	return func(y *Yahoo) { y.baseURL = strings.TrimRight(u, "/") }
}

// WithChartRange sets the bar interval and lookback range, e.g. "5m", "5d".
func WithChartRange(interval, lookback string) YahooOption {
	return func(y *Yahoo) {
		if interval != "" {
			y.interval = interval
		}
		if lookback != "" {
			y.lookback = lookback
		}
	}
}

func NewYahoo(client *xhttp.Client, opts ...YahooOption) *Yahoo {
	y := &Yahoo{
		client:   client,
		baseURL:  DefaultYahooURL,
		suffix:   ".TW",
		interval: "5m",
		lookback: "5d",
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

var _ repository.IntradaySource = (*Yahoo)(nil)

func (y *Yahoo) Name() string { return "yahoo" }

func (y *Yahoo) FetchIntraday(ctx context.Context, instrumentID string) (*models.ChartData, error) {
	body, err := fetch(ctx, y.client, y.Name(), &xhttp.RequestOptions{
		URL: fmt.Sprintf("%s/v8/finance/chart/%s%s", y.baseURL, instrumentID, y.suffix),
		QueryParams: map[string][]string{
			"interval": {y.interval},
			"range":    {y.lookback},
		},
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, err
	}
	chart, err := parser.ParseChart(instrumentID, body)
	if err != nil {
		return nil, err
	}
	chart.Source = y.Name()
	return chart, nil
}
