package secrets

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// vaultProvider is a minimal HashiCorp Vault KV-v2 client. No Vault SDK
// appears anywhere in the reference corpus (see DESIGN.md), so this talks
// to Vault's HTTP API directly with net/http, matching the narrow-surface
// net/http client pattern used elsewhere in this agent (Cloud Vision OCR,
// MQTT-adjacent REST calls).
type vaultProvider struct {
	addr, token, path string
	client            *http.Client
	cache             map[string]string
}

func newVaultProvider(addr, token, path string) (Provider, error) {
	if addr == "" || token == "" || path == "" {
		return nil, fmt.Errorf("secrets: vault mode requires addr, token, and path")
	}
	p := &vaultProvider{addr: addr, token: token, path: path, client: &http.Client{Timeout: 5 * time.Second}}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

type vaultKVv2Response struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

func (p *vaultProvider) load() error {
	u, err := url.JoinPath(p.addr, "v1", p.path)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("secrets: vault request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("secrets: vault returned status %d", resp.StatusCode)
	}

	var parsed vaultKVv2Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("secrets: decode vault response: %w", err)
	}
	p.cache = parsed.Data.Data
	return nil
}

func (p *vaultProvider) Get(key string) (string, bool) {
	v, ok := p.cache[key]
	return v, ok
}

func (p *vaultProvider) Required(keys ...string) error {
	return requiredFrom(p, keys...)
}
