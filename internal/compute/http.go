package compute

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/logging"
)

// HTTPBackend invokes calls against an OpenWhisk-compatible REST endpoint.
type HTTPBackend struct {
	endpoint  string
	namespace string
	auth      string
	client    *http.Client

	// Bounded retry for admission rejections inside the backend client.
	retry       bool
	maxAttempts int
	retrySleeps []time.Duration
}

// HTTPOptions configures an HTTPBackend.
type HTTPOptions struct {
	Endpoint  string
	Namespace string
	APIKey    string // "user:pass" form
	Timeout   time.Duration

	InvocationRetry bool
	Retries         int
	RetrySleeps     []time.Duration
}

// NewHTTPBackend creates a backend client for one endpoint/namespace.
func NewHTTPBackend(opts HTTPOptions) (*HTTPBackend, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("compute endpoint is required")
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid compute endpoint %q: %w", opts.Endpoint, err)
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 5
	}
	if len(opts.RetrySleeps) == 0 {
		opts.RetrySleeps = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	}
	return &HTTPBackend{
		endpoint:    opts.Endpoint,
		namespace:   opts.Namespace,
		auth:        "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.APIKey)),
		client:      &http.Client{Timeout: opts.Timeout},
		retry:       opts.InvocationRetry,
		maxAttempts: opts.Retries,
		retrySleeps: opts.RetrySleeps,
	}, nil
}

func (b *HTTPBackend) actionURL(action string, query string) string {
	u := fmt.Sprintf("%s/api/v1/namespaces/%s/actions/%s", b.endpoint, url.PathEscape(b.namespace), url.PathEscape(action))
	if query != "" {
		u += "?" + query
	}
	return u
}

// Invoke posts one non-blocking activation. Admission rejections (429 and
// 5xx) surface as an empty activation id; transport errors are returned to
// the caller.
func (b *HTTPBackend) Invoke(ctx context.Context, runtimeName string, memoryMB int, payload *job.Payload) (string, error) {
	action := ActionName(runtimeName, memoryMB)

	actID, err := b.invokeOnce(ctx, action, payload)
	if err != nil || actID != "" || !b.retry {
		return actID, err
	}

	for attempt := 2; attempt <= b.maxAttempts; attempt++ {
		sleep := b.retrySleeps[rand.Intn(len(b.retrySleeps))]
		logging.Op().Debug("invocation rejected, retrying",
			"executor_id", payload.ExecutorID, "call_id", payload.CallID,
			"attempt", attempt, "sleep", sleep)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
		actID, err = b.invokeOnce(ctx, action, payload)
		if err != nil || actID != "" {
			return actID, err
		}
	}
	return "", nil
}

func (b *HTTPBackend) invokeOnce(ctx context.Context, action string, payload *job.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.actionURL(action, "blocking=false"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", b.auth)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", action, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		var out struct {
			ActivationID string `json:"activationId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode activation response: %w", err)
		}
		return out.ActivationID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Throttled or backend overloaded: admission rejection.
		io.Copy(io.Discard, resp.Body)
		return "", nil
	default:
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("invoke %s: status %d: %s", action, resp.StatusCode, data)
	}
}

// CreateRuntime installs the runtime as a backend action and invokes it
// once blocking to extract the environment metadata.
func (b *HTTPBackend) CreateRuntime(ctx context.Context, runtimeName string, memoryMB int, timeout time.Duration) (*job.RuntimeMeta, error) {
	action := ActionName(runtimeName, memoryMB)

	create := map[string]any{
		"exec": map[string]any{"kind": "blackbox", "image": runtimeName},
		"limits": map[string]any{
			"memory":  memoryMB,
			"timeout": timeout.Milliseconds(),
		},
	}
	body, err := json.Marshal(create)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.actionURL(action, "overwrite=true"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", b.auth)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create runtime %s: %w", action, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("create runtime %s: status %d", action, resp.StatusCode)
	}

	// Blocking invocation with an empty payload makes the runtime report
	// its environment.
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, b.actionURL(action, "blocking=true&result=true"), bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", b.auth)

	resp, err = b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract runtime metadata %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extract runtime metadata %s: status %d", action, resp.StatusCode)
	}

	meta := &job.RuntimeMeta{Name: runtimeName, MemoryMB: memoryMB, CreatedAt: time.Now().UTC()}
	if err := json.NewDecoder(resp.Body).Decode(meta); err != nil {
		return nil, fmt.Errorf("decode runtime metadata: %w", err)
	}
	return meta, nil
}

// RuntimeKey scopes the cached metadata to this endpoint and namespace so
// the same image deployed in two regions is installed in both.
func (b *HTTPBackend) RuntimeKey(runtimeName string, memoryMB int) string {
	u, _ := url.Parse(b.endpoint)
	host := b.endpoint
	if u != nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("%s/%s/%s", host, b.namespace, ActionName(runtimeName, memoryMB))
}
