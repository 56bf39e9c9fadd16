package stepflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPHandler delegates a step's business logic to an HTTP endpoint, so a
// worker process can advance steps whose handlers live in other services.
// The merged parameters are POSTed as JSON; the endpoint answers with an
// outcome document:
//
//	{"done": 1, "responseData": {...}, "transactionHash": "0x..."}
type HTTPHandler struct {
	url    string
	client *http.Client
}

// NewHTTPHandler creates a handler calling the given endpoint.
func NewHTTPHandler(url string) *HTTPHandler {
	return &HTTPHandler{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Handler = (*HTTPHandler)(nil)

type httpOutcome struct {
	Done            int    `json:"done"`
	ResponseData    Params `json:"responseData"`
	TransactionHash string `json:"transactionHash"`
}

func (h *HTTPHandler) Execute(ctx context.Context, params Params) (Outcome, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return Outcome{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("handler endpoint %s returned status %d", h.url, resp.StatusCode)
	}

	var out httpOutcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Outcome{}, fmt.Errorf("cannot decode outcome from %s: %w", h.url, err)
	}

	return Outcome{
		Done:            out.Done,
		ResponseData:    out.ResponseData,
		TransactionHash: out.TransactionHash,
	}, nil
}

type handlerFile struct {
	Handlers map[StepKind]string `yaml:"handlers"`
}

// ParseHandlers parses a YAML mapping of step kinds to handler endpoints
// into a registry of HTTP handlers.
func ParseHandlers(b []byte) (*HandlerRegistry, error) {
	var f handlerFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("cannot parse handlers: %w", err)
	}
	if len(f.Handlers) == 0 {
		return nil, fmt.Errorf("handlers file must map at least one step kind")
	}

	registry := NewHandlerRegistry()
	for kind, url := range f.Handlers {
		if url == "" {
			return nil, fmt.Errorf("step %q has an empty handler endpoint", kind)
		}
		if err := registry.Register(kind, NewHTTPHandler(url)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// LoadHandlerFile reads and parses a YAML handler mapping from disk.
func LoadHandlerFile(path string) (*HandlerRegistry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseHandlers(b)
}
