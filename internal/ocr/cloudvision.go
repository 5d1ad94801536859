package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/wellmonitor/agent/internal/ratelimit"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// CloudVisionConfig configures the cloud OCR provider. Missing APIKey
// makes the provider unusable; callers should fall back to Tesseract and
// surface the substitution in telemetry (spec.md §4.F).
type CloudVisionConfig struct {
	Endpoint            string
	APIKey              string
	MaxPollingAttempts  int
	PollingIntervalMs   int
	HTTPClient          *http.Client
}

type cloudVisionProvider struct {
	cfg     CloudVisionConfig
	client  *http.Client
	limiter *ratelimit.Limiter
}

// NewCloudVision constructs the cloud OCR provider, guarding every
// Extract call behind a rate limiter/circuit breaker: a struggling
// endpoint trips the breaker and the Engine's PrimaryUnusable fallback
// path takes over rather than every tick retrying a dead service.
func NewCloudVision(cfg CloudVisionConfig) Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxPollingAttempts == 0 {
		cfg.MaxPollingAttempts = 10
	}
	if cfg.PollingIntervalMs == 0 {
		cfg.PollingIntervalMs = 500
	}
	return &cloudVisionProvider{cfg: cfg, client: client, limiter: ratelimit.New(ratelimit.Config{})}
}

func (p *cloudVisionProvider) Name() string { return "cloud-vision" }

type submitResponse struct {
	OperationURL string `json:"operationUrl"`
}

type pollResponse struct {
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Extract posts the image to Endpoint, then polls the returned operation
// URL up to MaxPollingAttempts times at PollingIntervalMs (spec.md §4.F).
func (p *cloudVisionProvider) Extract(ctx context.Context, image []byte) (Result, error) {
	if err := p.limiter.Acquire(ctx); err != nil {
		if err == ratelimit.ErrCircuitOpen {
			return Result{}, wellerr.New("ocr", "cloud_submit", wellerr.KindNetwork, err)
		}
		return Result{}, wellerr.New("ocr", "cloud_submit", wellerr.KindTimeout, err)
	}

	result, statusCode, err := p.extract(ctx, image)
	p.limiter.Feedback(ratelimit.Feedback{StatusCode: statusCode, Err: err})
	return result, err
}

func (p *cloudVisionProvider) extract(ctx context.Context, image []byte) (Result, int, error) {
	start := timeNow()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(image))
	if err != nil {
		return Result{}, 0, wellerr.New("ocr", "cloud_submit", wellerr.KindOcr, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, 0, wellerr.New("ocr", "cloud_submit", wellerr.KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{}, resp.StatusCode, wellerr.New("ocr", "cloud_submit", wellerr.KindAuth, errStatus(resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return Result{}, resp.StatusCode, wellerr.New("ocr", "cloud_submit", wellerr.KindNetwork, errStatus(resp.StatusCode))
	}

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return Result{}, resp.StatusCode, wellerr.New("ocr", "cloud_submit", wellerr.KindOcr, err)
	}

	for attempt := 0; attempt < p.cfg.MaxPollingAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Result{}, 0, wellerr.New("ocr", "cloud_poll", wellerr.KindTimeout, ctx.Err())
		case <-time.After(time.Duration(p.cfg.PollingIntervalMs) * time.Millisecond):
		}

		pr, done, err := p.poll(ctx, sub.OperationURL)
		if err != nil {
			return Result{}, 0, err
		}
		if done {
			return Result{
				Text:       pr.Text,
				Confidence: pr.Confidence,
				Ms:         timeNow().Sub(start).Milliseconds(),
				Provider:   p.Name(),
			}, http.StatusOK, nil
		}
	}
	return Result{}, 0, wellerr.New("ocr", "cloud_poll", wellerr.KindTimeout, errPollExhausted)
}

func (p *cloudVisionProvider) poll(ctx context.Context, url string) (pollResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pollResponse{}, false, wellerr.New("ocr", "cloud_poll", wellerr.KindOcr, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return pollResponse{}, false, wellerr.New("ocr", "cloud_poll", wellerr.KindNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pollResponse{}, false, wellerr.New("ocr", "cloud_poll", wellerr.KindOcr, err)
	}
	var pr pollResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return pollResponse{}, false, wellerr.New("ocr", "cloud_poll", wellerr.KindOcr, err)
	}
	return pr, pr.Status == "succeeded", nil
}

var errPollExhausted = statusErr("polling attempts exhausted")

type statusErr string

func (e statusErr) Error() string { return string(e) }

func errStatus(code int) error {
	return statusErr(http.StatusText(code))
}
