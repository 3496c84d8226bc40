package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

const (
	defaultFredBaseURL = "https://api.stlouisfed.org/fred/series/observations"
	maxSeriesMatches   = 3

	// sentinelValue marks a missing observation in the series API.
	sentinelValue = "."
)

// indicatorSeries maps claim vocabulary to one indicator series.
type indicatorSeries struct {
	ID       string
	Title    string
	Units    string
	Keywords []string
}

// seriesCatalogue is the fixed set of indicator series the client can
// resolve a claim against, in stable priority order.
var seriesCatalogue = []indicatorSeries{
	{ID: "UNRATE", Title: "Unemployment Rate", Units: "percent", Keywords: []string{"unemployment", "jobless"}},
	{ID: "CPIAUCSL", Title: "Consumer Price Index", Units: "index", Keywords: []string{"inflation", "cpi", "consumer price", "cost of living", "prices"}},
	{ID: "GDP", Title: "Gross Domestic Product", Units: "billions of dollars", Keywords: []string{"gdp", "gross domestic product", "economic growth", "economy grew"}},
	{ID: "CES0500000003", Title: "Average Hourly Earnings", Units: "dollars", Keywords: []string{"hourly earnings", "wages", "wage", "paycheck"}},
	{ID: "GFDEBTN", Title: "Federal Debt", Units: "millions of dollars", Keywords: []string{"national debt", "federal debt", "debt"}},
	{ID: "FYFSD", Title: "Federal Surplus or Deficit", Units: "millions of dollars", Keywords: []string{"deficit", "surplus"}},
	{ID: "FEDFUNDS", Title: "Federal Funds Rate", Units: "percent", Keywords: []string{"fed funds", "federal funds", "interest rate", "interest rates"}},
}

// FredClient fetches the latest observation for indicator series
// matched from claim text.
type FredClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewFredClient creates a client. An empty apiKey yields state=error
// for applicable claims.
func NewFredClient(apiKey string) *FredClient {
	return &FredClient{
		apiKey:     apiKey,
		baseURL:    defaultFredBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// MatchSeries returns up to three catalogue series whose keywords
// appear in the claim text, in catalogue order, deduplicated by id.
func MatchSeries(claimText string) []indicatorSeries {
	lower := strings.ToLower(claimText)
	seen := make(map[string]bool)
	var out []indicatorSeries
	for _, series := range seriesCatalogue {
		if seen[series.ID] {
			continue
		}
		for _, kw := range series.Keywords {
			if strings.Contains(lower, kw) {
				seen[series.ID] = true
				out = append(out, series)
				break
			}
		}
		if len(out) == maxSeriesMatches {
			break
		}
	}
	return out
}

type observation struct {
	series indicatorSeries
	value  decimal.Decimal
	date   string
	err    error
	empty  bool
}

// Lookup resolves the claim to indicator series and fetches the latest
// observation of each in parallel.
func (c *FredClient) Lookup(ctx context.Context, claimText string) Result {
	matches := MatchSeries(claimText)
	if len(matches) == 0 {
		return Result{State: models.EvidenceNotApplicable}
	}
	if c.apiKey == "" {
		return Result{State: models.EvidenceError, Summary: "economic-indicator API key not configured"}
	}

	results := make([]observation, len(matches))
	var wg sync.WaitGroup
	for i, series := range matches {
		wg.Add(1)
		go func(i int, series indicatorSeries) {
			defer wg.Done()
			results[i] = c.latestObservation(ctx, series)
		}(i, series)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return Result{State: models.EvidenceError, Summary: "cancelled"}
	}

	var parts []string
	var sources []models.Source
	for _, obs := range results {
		if obs.err != nil || obs.empty {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", obs.series.Title, obs.value.String(), obs.date))
		sources = append(sources, models.Source{
			Publisher: "Federal Reserve Economic Data",
			Title:     fmt.Sprintf("%s, %s", obs.series.Title, obs.series.Units),
			URL:       "https://fred.stlouisfed.org/series/" + obs.series.ID,
		})
	}

	if len(parts) == 0 {
		return Result{State: models.EvidenceAmbiguous, Summary: "no usable observations for matched series"}
	}

	return Result{
		State:   models.EvidenceMatched,
		Summary: strings.Join(parts, " | "),
		Sources: sources,
	}
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

func (c *FredClient) latestObservation(ctx context.Context, series indicatorSeries) observation {
	params := url.Values{}
	params.Set("series_id", series.ID)
	params.Set("api_key", c.apiKey)
	params.Set("file_type", "json")
	params.Set("sort_order", "desc")
	params.Set("limit", "5")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return observation{series: series, err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return observation{series: series, err: fmt.Errorf("fetch %s: %w", series.ID, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return observation{series: series, err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return observation{series: series, err: fmt.Errorf("series %s HTTP %d", series.ID, resp.StatusCode)}
	}

	var parsed observationsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return observation{series: series, err: fmt.Errorf("decode %s: %w", series.ID, err)}
	}

	// Take the newest non-sentinel observation.
	for _, obs := range parsed.Observations {
		if obs.Value == sentinelValue {
			continue
		}
		value, err := decimal.NewFromString(obs.Value)
		if err != nil {
			continue
		}
		return observation{series: series, value: value, date: obs.Date}
	}
	return observation{series: series, empty: true}
}
