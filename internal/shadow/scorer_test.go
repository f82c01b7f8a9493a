package shadow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

func TestHTTPScorerPostsVersionAndRequest(t *testing.T) {
	var got scoreRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(scoreResponse{Score: 0.87})
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	scorer := NewHTTPScorer(server.URL, time.Second, logger)

	score, err := scorer.Score(context.Background(), "v2", &models.InferenceRequest{
		TenantID:   "acme",
		RequestKey: "req-1",
		Text:       "hello",
		Label:      "toxicity",
		Language:   "en",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.87, score)
	assert.Equal(t, "v2", got.VersionID)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "toxicity", got.Label)
}

func TestHTTPScorerWithoutEndpointFails(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	scorer := NewHTTPScorer("", time.Second, logger)

	_, err := scorer.Score(context.Background(), "v1", &models.InferenceRequest{TenantID: "acme"})
	require.Error(t, err)

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrorTypeNetwork, appErr.Type)
}

func TestHTTPScorerRejectsNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	scorer := NewHTTPScorer(server.URL, time.Second, logger)

	_, err := scorer.Score(context.Background(), "v1", &models.InferenceRequest{TenantID: "acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
