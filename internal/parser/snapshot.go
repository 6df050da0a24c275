package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
)

type dailyRow struct {
	Code        string `json:"Code"`
	Name        string `json:"Name"`
	ClosePrice  string `json:"ClosePrice"`
	Change      string `json:"Change"`
	TradeVolume string `json:"TradeVolume"`
}

// ParseDailySnapshot decodes the exchange's flat daily array. When ids is
// non-empty only those codes are kept, in payload order. Rows with an
// unparsable close are skipped; an unparsable change counts as zero.
func ParseDailySnapshot(payload []byte, ids ...string) ([]models.DailyRecord, error) {
	var rows []dailyRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("%w: daily snapshot: %v", domain.ErrMalformedPayload, err)
	}
	var want map[string]struct{}
	if len(ids) > 0 {
		want = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
	}

	hundred := decimal.NewFromInt(100)
	out := make([]models.DailyRecord, 0, len(rows))
	for _, r := range rows {
		code := strings.TrimSpace(r.Code)
		if want != nil {
			if _, ok := want[code]; !ok {
				continue
			}
		}
		closeP, err := parseNumber(r.ClosePrice)
		if err != nil || !closeP.IsPositive() {
			continue
		}
		change, err := parseNumber(r.Change)
		if err != nil {
			change = decimal.Zero
		}
		prev := closeP.Sub(change)
		rec := models.DailyRecord{
			Code:          code,
			Name:          strings.TrimSpace(r.Name),
			Close:         closeP.InexactFloat64(),
			Change:        change.InexactFloat64(),
			PreviousClose: prev.InexactFloat64(),
		}
		if prev.IsPositive() {
			rec.ChangePercent = change.Div(prev).Mul(hundred).Round(2).InexactFloat64()
		}
		if vol, err := parseNumber(r.TradeVolume); err == nil {
			rec.Volume = vol.IntPart()
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseNumber(s string) (decimal.Decimal, error) {
	s = strings.NewReplacer(",", "", "+", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty number")
	}
	return decimal.NewFromString(s)
}
