package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"FHCElite/internal/domain"
	"FHCElite/internal/domain/models"
)

const SourceCallback = "callback"

const callbackMarker = "AF_initDataCallback"

var (
	dataKeyRe  = regexp.MustCompile(`(?:^|[{,\s])data\s*:\s*\[`)
	twdQuoteRe = regexp.MustCompile(`"TWD",\[([0-9eE.,\-]+)\]`)
)

// ParseCallback extracts the intraday series of symbol from a page that embeds
// its data in AF_initDataCallback({...}) calls. Point dates are wall-clock
// tuples interpreted in loc.
func ParseCallback(symbol string, payload []byte, loc *time.Location) (*models.ChartData, error) {
	if loc == nil {
		loc = time.UTC
	}
	page := string(payload)
	token := strconv.Quote(symbol)
	for _, call := range callbackObjects(page) {
		if !strings.Contains(call, token) {
			continue
		}
		data, ok := dataArray(call)
		if !ok {
			continue
		}
		var tree interface{}
		if err := json.Unmarshal([]byte(data), &tree); err != nil {
			continue
		}
		series := findSeries(tree)
		if series == nil {
			continue
		}
		out := &models.ChartData{
			InstrumentID: symbol,
			Source:       SourceCallback,
			Samples:      seriesSamples(symbol, series, loc),
		}
		price, change, ok := quoteTriple(twdQuoteRe, call)
		if !ok {
			price, change, ok = quoteTriple(symbolQuoteRe(symbol), page)
		}
		if ok {
			out.Price = price
			out.PreviousClose = price - change
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNoTimeSeries, symbol)
}

// callbackObjects returns the object literal passed to every callback call.
func callbackObjects(page string) []string {
	var out []string
	for i := 0; ; {
		idx := strings.Index(page[i:], callbackMarker)
		if idx < 0 {
			return out
		}
		pos := skipSpace(page, i+idx+len(callbackMarker))
		i = pos
		if pos >= len(page) || page[pos] != '(' {
			continue
		}
		pos = skipSpace(page, pos+1)
		if pos >= len(page) || page[pos] != '{' {
			continue
		}
		end := balanced(page, pos, '{', '}')
		if end < 0 {
			return out
		}
		out = append(out, page[pos:end+1])
		i = end + 1
	}
}

func dataArray(call string) (string, bool) {
	loc := dataKeyRe.FindStringIndex(call)
	if loc == nil {
		return "", false
	}
	start := loc[1] - 1
	end := balanced(call, start, '[', ']')
	if end < 0 {
		return "", false
	}
	return call[start : end+1], true
}

// balanced returns the index of the bracket closing s[start], skipping string
// literals, or -1.
func balanced(s string, start int, left, right byte) int {
	depth := 0
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case left:
			depth++
		case right:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\n' || s[i] == '\t' || s[i] == '\r') {
		i++
	}
	return i
}

// findSeries walks the tree depth first and returns the first array whose
// first element looks like a point.
func findSeries(node interface{}) []interface{} {
	arr, ok := node.([]interface{})
	if !ok {
		return nil
	}
	if len(arr) > 0 && isPoint(arr[0]) {
		return arr
	}
	for _, child := range arr {
		if s := findSeries(child); s != nil {
			return s
		}
	}
	return nil
}

func isPoint(v interface{}) bool {
	p, ok := v.([]interface{})
	if !ok || len(p) < 2 {
		return false
	}
	date, ok := dateTuple(p[0])
	return ok && date[0] > 2000
}

func dateTuple(v interface{}) ([5]int, bool) {
	var out [5]int
	arr, ok := v.([]interface{})
	if !ok || len(arr) < 5 {
		return out, false
	}
	for i := 0; i < 5; i++ {
		f, ok := arr[i].(float64)
		if !ok || f != math.Trunc(f) {
			return out, false
		}
		out[i] = int(f)
	}
	return out, true
}

func seriesSamples(symbol string, series []interface{}, loc *time.Location) []models.Sample {
	out := make([]models.Sample, 0, len(series))
	for _, raw := range series {
		p, ok := raw.([]interface{})
		if !ok || len(p) < 2 {
			continue
		}
		d, ok := dateTuple(p[0])
		if !ok {
			continue
		}
		s := models.Sample{
			InstrumentID: symbol,
			Timestamp:    time.Date(d[0], time.Month(d[1]), d[2], d[3], d[4], 0, 0, loc),
			Price:        firstNumber(p[1]),
		}
		if len(p) > 2 {
			s.Volume = int64(firstNumber(p[2]))
		}
		if s.Valid() {
			out = append(out, s)
		}
	}
	return out
}

// firstNumber accepts either a bare number or an array led by one.
func firstNumber(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case []interface{}:
		if len(t) > 0 {
			if f, ok := t[0].(float64); ok {
				return f
			}
		}
	}
	return 0
}

// symbolQuoteRe matches the quote triple following symbol's exchange
// listing, e.g. "2886","TPE",...,"TWD",[39.2,0.2,0.51].
func symbolQuoteRe(symbol string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)"` + regexp.QuoteMeta(symbol) + `","TPE".*?"TWD",\[([0-9eE.,\-]+)\]`)
}

func quoteTriple(re *regexp.Regexp, s string) (price, change float64, ok bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	parts := strings.Split(m[1], ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	price, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || price <= 0 {
		return 0, 0, false
	}
	change, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return price, change, true
}

// ParseIndexQuote reads an index level from a quote page. The triple listed
// under code is preferred; index pages often carry only one, so the first
// triple on the page is accepted otherwise. The percent change comes from
// the page when present and is derived from the change when not.
func ParseIndexQuote(code string, payload []byte) (*models.MarketIndex, error) {
	page := string(payload)
	m := symbolQuoteRe(code).FindStringSubmatch(page)
	if m == nil {
		m = twdQuoteRe.FindStringSubmatch(page)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: no index quote for %s", domain.ErrMalformedPayload, code)
	}
	parts := strings.Split(m[1], ",")
	vals := make([]float64, 0, 3)
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: index %s: %v", domain.ErrMalformedPayload, code, err)
		}
		vals = append(vals, f)
	}
	if len(vals) < 2 || vals[0] <= 0 {
		return nil, fmt.Errorf("%w: index %s: short quote %q", domain.ErrMalformedPayload, code, m[1])
	}
	out := &models.MarketIndex{Code: code, Value: vals[0], Change: vals[1]}
	switch {
	case len(vals) > 2:
		out.ChangePercent = vals[2]
	case vals[0] != vals[1]:
		out.ChangePercent = math.Round(vals[1]/(vals[0]-vals[1])*10000) / 100
	}
	return out, nil
}
