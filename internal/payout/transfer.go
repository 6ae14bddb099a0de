package payout

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"questpay/internal/fault"
)

// Rail obtains a transfer reference for an authorized spend. Implementations
// are the external payment boundary; the executor never inspects rail errors
// beyond their fault kind.
type Rail interface {
	Transfer(ctx context.Context, submissionID, wallet string, amount int64, currency string) (string, error)
	// Synthetic reports whether references are demo artifacts rather than
	// real transfers.
	Synthetic() bool
}

// SyntheticRail produces deterministic demo references without moving money.
type SyntheticRail struct {
	now func() time.Time
}

func NewSyntheticRail() *SyntheticRail {
	return &SyntheticRail{now: time.Now}
}

func (r *SyntheticRail) Synthetic() bool { return true }

// Transfer hashes (submissionID, timestamp) into a reference.
func (r *SyntheticRail) Transfer(_ context.Context, submissionID, _ string, _ int64, _ string) (string, error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", submissionID, r.now().UnixNano())))
	return "synthetic-" + hex.EncodeToString(sum[:16]), nil
}

// HTTPRail calls the external transfer service. Network failures and 5xx
// responses are transient; anything else the rail rejected is final.
type HTTPRail struct {
	url    string
	client *http.Client
}

func NewHTTPRail(url string, timeout time.Duration) *HTTPRail {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRail{url: url, client: &http.Client{Timeout: timeout}}
}

func (r *HTTPRail) Synthetic() bool { return false }

type transferRequest struct {
	SubmissionID string `json:"submission_id"`
	Wallet       string `json:"wallet"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type transferResponse struct {
	TransferRef string `json:"transfer_ref"`
	Reason      string `json:"reason,omitempty"`
}

func (r *HTTPRail) Transfer(ctx context.Context, submissionID, wallet string, amount int64, currency string) (string, error) {
	body, err := json.Marshal(transferRequest{SubmissionID: submissionID, Wallet: wallet, Amount: amount, Currency: currency})
	if err != nil {
		return "", fmt.Errorf("marshal transfer request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindTransient, err, "transfer rail call")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return "", fault.New(fault.KindTransient, "transfer rail returned %d: %s", resp.StatusCode, raw)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fault.New(fault.KindPolicy, "transfer rail rejected the spend (%d): %s", resp.StatusCode, raw)
	}

	var out transferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode transfer response: %w", err)
	}
	if out.TransferRef == "" {
		return "", fault.New(fault.KindTransient, "transfer rail returned no reference")
	}
	return out.TransferRef, nil
}
