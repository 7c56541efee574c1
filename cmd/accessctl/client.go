package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client talks to the accessgate admin API.
type Client struct {
	addr string
	key  string
	http *http.Client
}

// newClient builds a Client from the CLI config and ACCESSGATE_* overrides.
func newClient() (*Client, error) {
	addr := cfg.Address
	if v := os.Getenv("ACCESSGATE_ADDR"); v != "" {
		addr = v
	}
	key := cfg.APIKey
	if v := os.Getenv("ACCESSGATE_KEY"); v != "" {
		key = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("ACCESSGATE_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", caCert)
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		addr: addr,
		key:  key,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

func (c *Client) do(method, path string, body any) (map[string]any, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) get(path string) (map[string]any, error) { return c.do(http.MethodGet, path, nil) }

func (c *Client) post(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *Client) put(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPut, path, body)
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
			return nil, fmt.Errorf("HTTP %d: %v", resp.StatusCode, errs[0])
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}
