package upstream

import (
	"context"
	"strings"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	"FHCElite/internal/parser"
	xhttp "FHCElite/pkg/http"
)

// TWSE reads the exchange's open data daily snapshot.
type TWSE struct {
	client  *xhttp.Client
	baseURL string
	ids     []string
}

type TWSEOption func(*TWSE)

func WithTWSEURL(u string) TWSEOption {
	return func(t *TWSE) { t.baseURL = strings.TrimRight(u, "/") }
}

// NewTWSE keeps only records for ids; no ids keeps everything.
func NewTWSE(client *xhttp.Client, ids []string, opts ...TWSEOption) *TWSE {
	t := &TWSE{client: client, baseURL: DefaultTWSEURL, ids: ids}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ repository.SnapshotSource = (*TWSE)(nil)

func (t *TWSE) FetchDaily(ctx context.Context) ([]models.DailyRecord, error) {
	body, err := fetch(ctx, t.client, "twse", &xhttp.RequestOptions{
		URL:     t.baseURL + "/v1/exchangeReport/STOCK_DAY_ALL",
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, err
	}
	return parser.ParseDailySnapshot(body, t.ids...)
}
