package platforms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autoapply-backend/internal/jobsource"
)

// GatewayAdapter submits applications through an out-of-process automation
// gateway that drives the platform's site.
type GatewayAdapter struct {
	platform string
	baseURL  string
	client   *http.Client
}

// NewGatewayAdapter constructs an adapter posting to baseURL/submissions.
func NewGatewayAdapter(platform, baseURL string, client *http.Client) *GatewayAdapter {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Minute}
	}
	return &GatewayAdapter{
		platform: normalize(platform),
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
	}
}

type submissionRequest struct {
	Platform      string `json:"platform"`
	ExternalJobID string `json:"externalJobId"`
	JobURL        string `json:"jobUrl,omitempty"`
	Title         string `json:"title"`
	Company       string `json:"company"`
	UserID        string `json:"userId"`
	ResumeID      string `json:"resumeId,omitempty"`
	CoverLetterID string `json:"coverLetterId,omitempty"`
}

type submissionResponse struct {
	Status             string `json:"status"`
	Reason             string `json:"reason"`
	ConfirmationID     string `json:"confirmationId"`
	Receipt            string `json:"receipt"`
	ReceiptContentType string `json:"receiptContentType"`
}

func (g *GatewayAdapter) Platform() string { return g.platform }

func (g *GatewayAdapter) Submit(ctx context.Context, c jobsource.Candidate, profile ProfileRef) (Result, error) {
	body, err := json.Marshal(submissionRequest{
		Platform:      g.platform,
		ExternalJobID: c.ExternalID,
		JobURL:        c.URL,
		Title:         c.Title,
		Company:       c.Company,
		UserID:        profile.UserID,
		ResumeID:      profile.ResumeID,
		CoverLetterID: profile.CoverLetterID,
	})
	if err != nil {
		return Result{}, Permanent(errors.Wrap(err, "encode submission"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/submissions", bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(errors.Wrap(err, "build submission request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, Transient(errors.Wrapf(err, "%s gateway request", g.platform))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, Transient(errors.Wrapf(err, "%s gateway read body", g.platform))
	}

	var payload submissionResponse
	_ = json.Unmarshal(raw, &payload)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if strings.EqualFold(payload.Status, string(OutcomeRejected)) {
			return Rejected(reasonOr(payload.Reason, "rejected by platform")), nil
		}
		artifact, err := decodeReceipt(payload, c)
		if err != nil {
			return Result{}, Transient(err)
		}
		return Applied(payload.ConfirmationID, artifact), nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return Rejected(reasonOr(payload.Reason, http.StatusText(resp.StatusCode))), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, Permanent(errors.Newf("%s gateway: %d %s", g.platform, resp.StatusCode, reasonOr(payload.Reason, "credentials rejected")))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, Transient(errors.Newf("%s gateway: %d %s", g.platform, resp.StatusCode, reasonOr(payload.Reason, http.StatusText(resp.StatusCode))))
	default:
		return Result{}, Permanent(errors.Newf("%s gateway: unexpected status %d", g.platform, resp.StatusCode))
	}
}

func decodeReceipt(payload submissionResponse, c jobsource.Candidate) (*Artifact, error) {
	if payload.Receipt == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload.Receipt)
	if err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	contentType := payload.ReceiptContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Artifact{
		Name:        fmt.Sprintf("%s-%s-receipt", c.Platform, c.ExternalID),
		ContentType: contentType,
		Data:        data,
	}, nil
}

func reasonOr(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}

var _ Adapter = (*GatewayAdapter)(nil)
