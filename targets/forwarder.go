package targets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gasrelay/core"
)

const maxResponseBytes = 1 << 20

// forwardRequest is the JSON body POSTed to the webhook.
type forwardRequest struct {
	RequestID            uint64         `json:"requestId"`
	Requester            common.Address `json:"requester"`
	Network              uint64         `json:"network"`
	Target               common.Address `json:"target"`
	Value                string         `json:"value"`
	Payload              hexutil.Bytes  `json:"payload"`
	PayloadDigest        hexutil.Bytes  `json:"payloadDigest"`
	GasLimit             uint64         `json:"gasLimit"`
	MaxFeePerGas         string         `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string         `json:"maxPriorityFeePerGas"`
}

type forwardResponse struct {
	GasUsed uint64        `json:"gasUsed"`
	Output  hexutil.Bytes `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// HTTPForwarder relays calls to an HTTP executor service.
type HTTPForwarder struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// ForwarderOption configures an HTTPForwarder.
type ForwarderOption func(*HTTPForwarder)

// WithHTTPClient overrides the instrumented default client.
func WithHTTPClient(c *http.Client) ForwarderOption {
	return func(f *HTTPForwarder) {
		if c != nil {
			f.client = c
		}
	}
}

// WithHeader adds a static header, e.g. an API key, to every call.
func WithHeader(key, value string) ForwarderOption {
	return func(f *HTTPForwarder) {
		f.headers[key] = value
	}
}

// NewHTTPForwarder builds a forwarder posting to url.
func NewHTTPForwarder(url string, timeout time.Duration, opts ...ForwarderOption) (*HTTPForwarder, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("targets: forwarder url required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &HTTPForwarder{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Invoke implements core.Target. A response carrying an error string still
// reports its gas so the executor charges what was consumed.
func (f *HTTPForwarder) Invoke(ctx context.Context, call core.Call) (core.Receipt, error) {
	body, err := json.Marshal(forwardRequest{
		RequestID:            call.RequestID,
		Requester:            call.Requester,
		Network:              call.Network,
		Target:               call.Target,
		Value:                decimal(call.Value),
		Payload:              call.Payload,
		PayloadDigest:        call.PayloadDigest[:],
		GasLimit:             call.GasLimit,
		MaxFeePerGas:         decimal(call.MaxFeePerGas),
		MaxPriorityFeePerGas: decimal(call.MaxPriorityFeePerGas),
	})
	if err != nil {
		return core.Receipt{}, fmt.Errorf("targets: encode call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return core.Receipt{}, fmt.Errorf("targets: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return core.Receipt{}, fmt.Errorf("targets: forward: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.Receipt{}, fmt.Errorf("targets: read response: %w", err)
	}
	var out forwardResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return core.Receipt{}, fmt.Errorf("targets: decode response: %w", err)
		}
	}
	receipt := core.Receipt{GasUsed: out.GasUsed, Output: out.Output}
	if out.Error != "" {
		return receipt, errors.New(out.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return receipt, fmt.Errorf("targets: executor returned %s", resp.Status)
	}
	return receipt, nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
