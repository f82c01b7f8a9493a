package shadow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// scoreRequest is the payload posted to the serving layer. It carries the
// routing inputs plus the version the serving layer must score with.
type scoreRequest struct {
	VersionID  string `json:"version_id"`
	TenantID   string `json:"tenant_id"`
	RequestKey string `json:"request_key"`
	Text       string `json:"text,omitempty"`
	Label      string `json:"label,omitempty"`
	Language   string `json:"language,omitempty"`
}

// scoreResponse is the serving layer's answer.
type scoreResponse struct {
	Score float64 `json:"score"`
}

// HTTPScorer scores mirrored requests against the serving layer's scoring
// endpoint. When no endpoint is configured every call fails, which the
// evaluator records as a dropped mirror; scores are never fabricated in
// the control plane.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
}

// NewHTTPScorer creates a scorer that POSTs score requests to endpoint.
func NewHTTPScorer(endpoint string, timeout time.Duration, logger *logrus.Logger) *HTTPScorer {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = constants.DefaultScorerTimeout
	}

	return &HTTPScorer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Score runs the request against the given version on the serving layer and
// returns the resulting score.
func (s *HTTPScorer) Score(ctx context.Context, versionID string, req *models.InferenceRequest) (float64, error) {
	if s.endpoint == "" {
		return 0, errors.WrapError(errors.ErrUnavailable, errors.ErrorTypeNetwork, errors.CodeConnectionFailed,
			"No scoring endpoint configured")
	}

	payload := scoreRequest{
		VersionID:  versionID,
		TenantID:   req.TenantID,
		RequestKey: req.RequestKey,
		Text:       req.Text,
		Label:      req.Label,
		Language:   req.Language,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrorTypeNetwork, errors.CodeConnectionFailed,
			"Scoring request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.NewNetworkError(errors.CodeConnectionFailed,
			fmt.Sprintf("Scoring endpoint returned status %d", resp.StatusCode))
	}

	var result scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, errors.WrapError(err, errors.ErrorTypeNetwork, errors.CodeConnectionFailed,
			"Scoring response could not be decoded")
	}

	s.logger.WithFields(logrus.Fields{
		"version_id":  versionID,
		"tenant_id":   req.TenantID,
		"request_key": req.RequestKey,
		"score":       result.Score,
	}).Debug("Shadow score fetched")

	return result.Score, nil
}
