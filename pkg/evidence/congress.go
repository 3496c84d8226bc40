package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

const (
	defaultCongressBaseURL = "https://api.congress.gov/v3"
	maxBillMatches         = 3
)

// legislativeKeywords gate the provider: a claim mentioning none of
// these is not legislative.
var legislativeKeywords = []string{
	"bill", "bills", "act", "law", "laws", "legislation", "congress",
	"senate", "house", "passed", "signed", "vote", "voted", "veto",
}

// catalogueBill is one bill the client can match a claim against.
type catalogueBill struct {
	Congress int
	BillType string
	Number   string
	Title    string
	Keywords []string
}

// billCatalogue is the fixed set of bills in stable priority order.
var billCatalogue = []catalogueBill{
	{Congress: 117, BillType: "hr", Number: "3684", Title: "Infrastructure Investment and Jobs Act", Keywords: []string{"infrastructure", "roads", "bridges", "broadband"}},
	{Congress: 117, BillType: "hr", Number: "5376", Title: "Inflation Reduction Act", Keywords: []string{"inflation reduction", "climate", "clean energy", "prescription drug"}},
	{Congress: 117, BillType: "hr", Number: "4346", Title: "CHIPS and Science Act", Keywords: []string{"chips", "semiconductor", "semiconductors"}},
	{Congress: 117, BillType: "s", Number: "2938", Title: "Bipartisan Safer Communities Act", Keywords: []string{"gun", "guns", "firearm", "background check"}},
	{Congress: 118, BillType: "hr", Number: "2", Title: "Secure the Border Act", Keywords: []string{"border", "immigration", "asylum"}},
	{Congress: 117, BillType: "hr", Number: "1319", Title: "American Rescue Plan Act", Keywords: []string{"rescue plan", "stimulus", "relief checks"}},
}

// CongressClient fetches latest-action status for bills matched from
// claim text.
type CongressClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewCongressClient creates a client. An empty apiKey yields
// state=error for legislative claims.
func NewCongressClient(apiKey string) *CongressClient {
	return &CongressClient{
		apiKey:     apiKey,
		baseURL:    defaultCongressBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// relevant reports whether the claim is legislative at all.
func relevant(claimText string) bool {
	lower := strings.ToLower(claimText)
	tokenSet := make(map[string]bool)
	for _, tok := range strings.Fields(lower) {
		tokenSet[strings.Trim(tok, `.,;:!?"'()[]`)] = true
	}
	for _, kw := range legislativeKeywords {
		if tokenSet[kw] {
			return true
		}
	}
	return false
}

// matchBills returns up to three catalogue bills whose keywords appear
// in the claim text.
func matchBills(claimText string) []catalogueBill {
	lower := strings.ToLower(claimText)
	var out []catalogueBill
	for _, bill := range billCatalogue {
		for _, kw := range bill.Keywords {
			if strings.Contains(lower, kw) {
				out = append(out, bill)
				break
			}
		}
		if len(out) == maxBillMatches {
			break
		}
	}
	return out
}

type billStatus struct {
	bill   catalogueBill
	action string
	date   string
	err    error
}

// Lookup gates on legislative keywords, matches catalogue bills, and
// fetches their latest action in parallel with settled semantics: only
// fulfilled fetches contribute, and a total wipe-out degrades to
// ambiguous rather than error.
func (c *CongressClient) Lookup(ctx context.Context, claimText string) Result {
	if !relevant(claimText) {
		return Result{State: models.EvidenceNotApplicable}
	}

	matches := matchBills(claimText)
	if c.apiKey == "" {
		return Result{State: models.EvidenceError, Summary: "legislative API key not configured"}
	}
	if len(matches) == 0 {
		return Result{State: models.EvidenceAmbiguous, Summary: "no catalogue bill matches the claim"}
	}

	results := make([]billStatus, len(matches))
	var wg sync.WaitGroup
	for i, bill := range matches {
		wg.Add(1)
		go func(i int, bill catalogueBill) {
			defer wg.Done()
			results[i] = c.latestAction(ctx, bill)
		}(i, bill)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return Result{State: models.EvidenceError, Summary: "cancelled"}
	}

	var parts []string
	var sources []models.Source
	for _, status := range results {
		if status.err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", status.bill.Title, status.action, status.date))
		sources = append(sources, models.Source{
			Publisher: "Congress.gov",
			Title:     status.bill.Title,
			URL: fmt.Sprintf("https://www.congress.gov/bill/%dth-congress/%s/%s",
				status.bill.Congress, billTypePath(status.bill.BillType), status.bill.Number),
		})
	}

	if len(parts) == 0 {
		return Result{State: models.EvidenceAmbiguous, Summary: "bill status lookups failed"}
	}

	return Result{
		State:   models.EvidenceMatched,
		Summary: strings.Join(parts, " | "),
		Sources: sources,
	}
}

type billResponse struct {
	Bill struct {
		LatestAction struct {
			ActionDate string `json:"actionDate"`
			Text       string `json:"text"`
		} `json:"latestAction"`
	} `json:"bill"`
}

func (c *CongressClient) latestAction(ctx context.Context, bill catalogueBill) billStatus {
	endpoint := fmt.Sprintf("%s/bill/%d/%s/%s?api_key=%s&format=json",
		c.baseURL, bill.Congress, bill.BillType, bill.Number, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return billStatus{bill: bill, err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return billStatus{bill: bill, err: fmt.Errorf("fetch bill %s%s: %w", bill.BillType, bill.Number, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return billStatus{bill: bill, err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return billStatus{bill: bill, err: fmt.Errorf("bill %s%s HTTP %d", bill.BillType, bill.Number, resp.StatusCode)}
	}

	var parsed billResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return billStatus{bill: bill, err: fmt.Errorf("decode bill %s%s: %w", bill.BillType, bill.Number, err)}
	}

	action := parsed.Bill.LatestAction.Text
	if action == "" {
		return billStatus{bill: bill, err: fmt.Errorf("bill %s%s has no latest action", bill.BillType, bill.Number)}
	}
	return billStatus{bill: bill, action: action, date: parsed.Bill.LatestAction.ActionDate}
}

func billTypePath(billType string) string {
	switch billType {
	case "hr":
		return "house-bill"
	case "s":
		return "senate-bill"
	default:
		return billType
	}
}
