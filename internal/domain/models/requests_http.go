package models

// Requests for the dashboard HTTP endpoints.

type IntradayRequest struct {
	StockID string `query:"stockId" json:"stockId" validate:"required,instrument"`
	Date    string `query:"date" json:"date" validate:"omitempty,tradedate"`
}

type QuoteRequest struct {
	ID string `param:"id" json:"id" validate:"required,instrument"`
}

// PurgeRequest is read from the JSON body. Zero means the configured
// retention.
type PurgeRequest struct {
	RetentionHours int `json:"retentionHours" validate:"gte=0,lte=720"`
}

// SummaryRequest is the AI news summary contract.
type SummaryRequest struct {
	StockName     string   `json:"stockName" validate:"required"`
	StockID       string   `json:"stockId" validate:"required,instrument"`
	NewsHeadlines []string `json:"newsHeadlines"`
}

// SummaryResponse is returned by the summarizer.
type SummaryResponse struct {
	Summary        string `json:"summary"`
	SentimentScore int    `json:"sentimentScore"`
	Highlight      string `json:"highlight"`
}
