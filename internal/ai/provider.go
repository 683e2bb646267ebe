package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Provider turns a collected prompt into a patch-set. Implementations
// must honor ctx; the orchestrator enforces its deadline through it.
type Provider interface {
	Generate(ctx context.Context, p Prompt) (PatchSet, error)
}

// HTTPProvider posts the prompt to a patch-generation endpoint and
// decodes a PatchSet from the response body.
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *http.Client
}

type providerRequest struct {
	Model string `json:"model,omitempty"`
	Prompt
}

func (h *HTTPProvider) Generate(ctx context.Context, p Prompt) (PatchSet, error) {
	body, err := json.Marshal(providerRequest{Model: h.Model, Prompt: p})
	if err != nil {
		return PatchSet{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return PatchSet{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return PatchSet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PatchSet{}, fmt.Errorf("provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return PatchSet{}, err
	}
	if err := validatePatchJSON(raw); err != nil {
		return PatchSet{}, fmt.Errorf("invalid patch-set: %s", firstValidationError(err))
	}
	var patch PatchSet
	if err := json.Unmarshal(raw, &patch); err != nil {
		return PatchSet{}, fmt.Errorf("decode patch-set: %w", err)
	}
	return patch, nil
}
