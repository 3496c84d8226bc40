package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

func verifierServer(t *testing.T, content string, status int) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient("test-key", "test-model")
	client.baseURL = srv.URL
	return client
}

func classified() EvidenceBundle {
	return EvidenceBundle{
		FactCheckVerdict: models.VerdictTrue,
		FredState:        models.EvidenceMatched,
	}
}

func TestVerifyParsesSchema(t *testing.T) {
	client := verifierServer(t, `{"aiVerdict":"true","aiConfidence":0.85,"correctedClaim":null,"aiSummary":"Matches CPI data.","evidenceBasis":"fred_data"}`, http.StatusOK)

	got, err := client.Verify(context.Background(), "Inflation fell to 3.1 percent.", classified())
	require.NoError(t, err)

	assert.Equal(t, models.VerdictTrue, got.AIVerdict)
	assert.Equal(t, 0.85, got.AIConfidence)
	assert.Nil(t, got.CorrectedClaim)
	require.NotNil(t, got.AISummary)
	assert.Equal(t, "Matches CPI data.", *got.AISummary)
	require.NotNil(t, got.EvidenceBasis)
	assert.Equal(t, BasisFredData, *got.EvidenceBasis)
}

func TestVerifyMissingKeyFallsBack(t *testing.T) {
	client := NewClient("", "")
	got, err := client.Verify(context.Background(), "Some claim text.", EvidenceBundle{})
	require.NoError(t, err)
	assert.Equal(t, Fallback(), got)
}

func TestVerifyEmptyClaimFallsBack(t *testing.T) {
	client := verifierServer(t, "{}", http.StatusOK)
	got, err := client.Verify(context.Background(), "   ", EvidenceBundle{})
	require.NoError(t, err)
	assert.Equal(t, Fallback(), got)
}

func TestVerifyNon2xxFallsBack(t *testing.T) {
	client := verifierServer(t, "", http.StatusInternalServerError)
	got, err := client.Verify(context.Background(), "Some claim.", classified())
	require.NoError(t, err)
	assert.Equal(t, Fallback(), got)
}

func TestVerifyParseErrorFallsBack(t *testing.T) {
	client := verifierServer(t, "this is not json", http.StatusOK)
	got, err := client.Verify(context.Background(), "Some claim.", classified())
	require.NoError(t, err)
	assert.Equal(t, Fallback(), got)
}

func TestVerifyVerdictOutsideSchemaFallsBack(t *testing.T) {
	client := verifierServer(t, `{"aiVerdict":"probably","aiConfidence":0.9}`, http.StatusOK)
	got, err := client.Verify(context.Background(), "Some claim.", classified())
	require.NoError(t, err)
	assert.Equal(t, Fallback(), got)
}

func TestVerifyCancellationRethrown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient("test-key", "")
	client.baseURL = srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Verify(ctx, "Some claim.", classified())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyCapsConfidenceWithoutClassifiedEvidence(t *testing.T) {
	client := verifierServer(t, `{"aiVerdict":"false","aiConfidence":0.95,"evidenceBasis":"general_knowledge"}`, http.StatusOK)

	got, err := client.Verify(context.Background(), "Some claim.", EvidenceBundle{
		FactCheckVerdict: models.VerdictUnverified,
		FredState:        models.EvidenceNotApplicable,
		CongressState:    models.EvidenceNotApplicable,
	})
	require.NoError(t, err)
	assert.Equal(t, noEvidenceConfidenceCap, got.AIConfidence)
}

func TestPostProcessClampsAndBounds(t *testing.T) {
	long := strings.Repeat("x", 600)
	basis := "made_up_basis"
	v := postProcess(Verdict{
		AIVerdict:      models.VerdictTrue,
		AIConfidence:   1.7,
		CorrectedClaim: &long,
		EvidenceBasis:  &basis,
	}, classified())

	assert.Equal(t, 1.0, v.AIConfidence)
	require.NotNil(t, v.CorrectedClaim)
	assert.Len(t, *v.CorrectedClaim, maxFieldChars)
	assert.Nil(t, v.EvidenceBasis)
}
