// Package parser turns raw upstream payloads into samples. Parsers are pure:
// bytes in, models out, no I/O.
package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
)

const SourceChart = "chart"

type chartEnvelope struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error json.RawMessage `json:"error"`
	} `json:"chart"`
}

// ParseChart decodes a v8 chart response. Entries with a null, zero or
// non-finite close are dropped; a missing volume counts as zero.
func ParseChart(instrumentID string, payload []byte) (*models.ChartData, error) {
	var env chartEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: chart: %v", domain.ErrMalformedPayload, err)
	}
	if len(env.Chart.Error) > 0 && string(env.Chart.Error) != "null" {
		return nil, fmt.Errorf("%w: chart error %s", domain.ErrMalformedPayload, env.Chart.Error)
	}
	if len(env.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: chart: empty result", domain.ErrMalformedPayload)
	}
	res := env.Chart.Result[0]
	if res.Timestamp == nil || len(res.Indicators.Quote) == 0 || res.Indicators.Quote[0].Close == nil {
		return nil, fmt.Errorf("%w: chart: missing timestamp or close", domain.ErrMalformedPayload)
	}

	closes := res.Indicators.Quote[0].Close
	volumes := res.Indicators.Quote[0].Volume
	out := &models.ChartData{
		InstrumentID: instrumentID,
		Source:       SourceChart,
		Samples:      make([]models.Sample, 0, len(res.Timestamp)),
	}
	for i, ts := range res.Timestamp {
		if i >= len(closes) || closes[i] == nil {
			continue
		}
		s := models.Sample{
			InstrumentID: instrumentID,
			Timestamp:    time.Unix(ts, 0).UTC(),
			Price:        *closes[i],
		}
		if i < len(volumes) && volumes[i] != nil && !math.IsNaN(*volumes[i]) {
			s.Volume = int64(*volumes[i])
		}
		if !s.Valid() {
			continue
		}
		out.Samples = append(out.Samples, s)
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err == nil {
		out.Price = pathFloat(doc, "$.chart.result[0].meta.regularMarketPrice")
		out.PreviousClose = pathFloat(doc, "$.chart.result[0].meta.previousClose")
		if out.PreviousClose == 0 {
			out.PreviousClose = pathFloat(doc, "$.chart.result[0].meta.chartPreviousClose")
		}
	}
	return out, nil
}

func pathFloat(doc interface{}, path string) float64 {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0
	}
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return 0
		}
		v = list[0]
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
