package parser

import (
	"errors"
	"math"
	"testing"
	"time"

	"FHCElite/internal/domain"
)

var taipei = time.FixedZone("CST", 8*3600)

func TestParseChart(t *testing.T) {
	payload := []byte(`{"chart":{"result":[{
		"meta":{"regularMarketPrice":39.5,"previousClose":39.1},
		"timestamp":[1717981200,1717981500,1717981800,1717982100],
		"indicators":{"quote":[{"close":[39.2,null,0,39.5],"volume":[1000,null,5,null]}]}
	}],"error":null}}`)

	got, err := ParseChart("2881", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got.Samples))
	}
	if got.Samples[0].Price != 39.2 || got.Samples[0].Volume != 1000 {
		t.Fatalf("unexpected first sample %+v", got.Samples[0])
	}
	if got.Samples[1].Volume != 0 {
		t.Fatalf("expected missing volume to be 0, got %d", got.Samples[1].Volume)
	}
	if !got.Samples[0].Timestamp.Equal(time.Unix(1717981200, 0)) {
		t.Fatalf("unexpected timestamp %v", got.Samples[0].Timestamp)
	}
	if got.Price != 39.5 || got.PreviousClose != 39.1 {
		t.Fatalf("unexpected meta price=%v prev=%v", got.Price, got.PreviousClose)
	}
}

func TestParseChartMalformed(t *testing.T) {
	cases := map[string]string{
		"chart error":    `{"chart":{"result":null,"error":{"code":"Not Found"}}}`,
		"empty result":   `{"chart":{"result":[],"error":null}}`,
		"missing close":  `{"chart":{"result":[{"timestamp":[1],"indicators":{"quote":[{}]}}],"error":null}}`,
		"not json":       `<html>`,
		"missing quotes": `{"chart":{"result":[{"timestamp":[1],"indicators":{}}],"error":null}}`,
	}
	for name, payload := range cases {
		got, err := ParseChart("2881", []byte(payload))
		if !errors.Is(err, domain.ErrMalformedPayload) {
			t.Fatalf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
		if got != nil {
			t.Fatalf("%s: expected nil result", name)
		}
	}
}

func TestParseCallbackPicksMatchingBlock(t *testing.T) {
	page := `<script>AF_initDataCallback({key: 'ds:1', hash: '1', data:[[["2881","TPE"],[[[[2024,6,10,9,0,null,null,[28800]],[80.0,0,0],100],[[2024,6,10,9,5,null,null,[28800]],[81.0,1,1.2],50]]]]], sideChannel: {}});</script>
<script>AF_initDataCallback({key: 'ds:2', hash: '2', data:[[["2886","TPE","it's"],[[[[2024,6,10,9,0,null,null,[28800]],[39.15,0.15,0.38],2000],[[2024,6,10,9,5,null,null,[28800]],[39.2,0.2,0.51],1500],[[2024,6,10,9,10,null,null,[28800]],[0,0,0],0]]],"TWD",[39.2,0.2,0.51]]], sideChannel: {}});</script>`

	got, err := ParseCallback("2886", []byte(page), taipei)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got.Samples))
	}
	for _, s := range got.Samples {
		if s.InstrumentID != "2886" || s.Price < 39 || s.Price > 40 {
			t.Fatalf("sample from wrong block: %+v", s)
		}
	}
	want := time.Date(2024, 6, 10, 9, 0, 0, 0, taipei)
	if !got.Samples[0].Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp %v", got.Samples[0].Timestamp)
	}
	if got.Price != 39.2 || math.Abs(got.PreviousClose-39) > 1e-9 {
		t.Fatalf("unexpected quote price=%v prev=%v", got.Price, got.PreviousClose)
	}
}

func TestParseCallbackIgnoresSymbolDigitsInNumbers(t *testing.T) {
	// 2884's volume 128860 contains the digits 2886.
	page := `<script>AF_initDataCallback({key: 'ds:1', data:[[["2884","TPE"],[[[[2024,6,10,9,0,null,null,[28800]],[30.1,0,0],128860]]]]], sideChannel: {}});</script>
<script>AF_initDataCallback({key: 'ds:2', data:[[["2886","TPE"],[[[[2024,6,10,9,0,null,null,[28800]],[39.15,0.15,0.38],2000]]],"TWD",[39.15,0.15,0.38]]], sideChannel: {}});</script>`

	got, err := ParseCallback("2886", []byte(page), taipei)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Samples) != 1 || got.Samples[0].Price != 39.15 || got.Price != 39.15 {
		t.Fatalf("series taken from the wrong block: %+v", got)
	}
}

func TestParseCallbackPageQuoteAnchoredOnSymbol(t *testing.T) {
	page := `<script>var related = ["2884","TPE","玉山金","TWD",[30.1,0.1,0.33]];</script>
<script>AF_initDataCallback({key: 'ds:2', data:[[["2886","TPE"],[[[[2024,6,10,9,0,null,null,[28800]],[39.15,0.15,0.38],2000]]]]], sideChannel: {}});</script>
<script>var meta = ["2886","TPE","兆豐金","TWD",[39.2,0.2,0.51]];</script>`

	got, err := ParseCallback("2886", []byte(page), taipei)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Price != 39.2 || math.Abs(got.PreviousClose-39) > 1e-9 {
		t.Fatalf("quote taken from another listing: price=%v prev=%v", got.Price, got.PreviousClose)
	}
}

func TestParseIndexQuote(t *testing.T) {
	tests := []struct {
		name    string
		page    string
		value   float64
		pct     float64
		wantErr bool
	}{
		{"listed triple", `["IX0010","TPE","金融類股","TWD",[2150.5,10.5,0.49]]`, 2150.5, 0.49, false},
		{"prefers own listing", `["IX0001","TPE","x","TWD",[1,1,1]] ["IX0010","TPE","y","TWD",[2150.5,10.5,0.49]]`, 2150.5, 0.49, false},
		{"unlisted triple", `"TWD",[2150.5,10.5,0.49]`, 2150.5, 0.49, false},
		{"percent derived", `"TWD",[105,5]`, 105, 5, false},
		{"no triple", `<html></html>`, 0, 0, true},
		{"zero level", `"TWD",[0,0,0]`, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIndexQuote("IX0010", []byte(tt.page))
			if tt.wantErr {
				if !errors.Is(err, domain.ErrMalformedPayload) {
					t.Fatalf("expected ErrMalformedPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Value != tt.value || got.ChangePercent != tt.pct {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestParseCallbackNoSeries(t *testing.T) {
	page := `AF_initDataCallback({key: 'ds:0', data:[["2886", [1,2,3]]], sideChannel: {}});`
	if _, err := ParseCallback("2886", []byte(page), taipei); !errors.Is(err, domain.ErrNoTimeSeries) {
		t.Fatalf("expected ErrNoTimeSeries, got %v", err)
	}
	if _, err := ParseCallback("2886", []byte("<html></html>"), taipei); !errors.Is(err, domain.ErrNoTimeSeries) {
		t.Fatalf("expected ErrNoTimeSeries, got %v", err)
	}
}

func TestBalancedSkipsStrings(t *testing.T) {
	s := `{a: "}", b: '{', c: {d: "\"}"}}tail`
	end := balanced(s, 0, '{', '}')
	if end < 0 || s[end+1:] != "tail" {
		t.Fatalf("unexpected end %d", end)
	}
}

func TestParseDailySnapshot(t *testing.T) {
	payload := []byte(`[
		{"Code":"2881","Name":"富邦金","ClosePrice":"80.50","Change":"+1.50","TradeVolume":"12,345,678"},
		{"Code":"2882","Name":"國泰金","ClosePrice":"--","Change":"0","TradeVolume":"1"},
		{"Code":"2886","Name":"兆豐金","ClosePrice":"39.15","Change":"X","TradeVolume":"100"},
		{"Code":"1101","Name":"台泥","ClosePrice":"33.00","Change":"-0.10","TradeVolume":"1"}
	]`)

	got, err := ParseDailySnapshot(payload, "2881", "2882", "2886")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	r := got[0]
	if r.Code != "2881" || r.Close != 80.5 || r.Change != 1.5 || r.PreviousClose != 79 || r.Volume != 12345678 {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.ChangePercent != 1.9 {
		t.Fatalf("unexpected percent %v", r.ChangePercent)
	}
	if got[1].Change != 0 || got[1].PreviousClose != 39.15 {
		t.Fatalf("expected bad change to count as zero, got %+v", got[1])
	}

	if _, err := ParseDailySnapshot([]byte(`{"oops":1}`)); !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}
