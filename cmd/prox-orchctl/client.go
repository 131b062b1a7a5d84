package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

type client struct {
	addr string
	hc   *http.Client
}

func newClient(addr string) *client {
	return &client{addr: addr, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) url(path string, query url.Values) string {
	u := fmt.Sprintf("http://%s%s", c.addr, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

type applicationView struct {
	models.Application
	LiveStatus    pve.Status `json:"LiveStatus"`
	LiveStatusErr string     `json:"LiveStatusErr"`
}

type listApplicationsResponse struct {
	Applications []applicationView `json:"applications"`
	Total        int               `json:"total"`
}

func (c *client) listApplications(ctx context.Context, status, hostID string) (listApplicationsResponse, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if hostID != "" {
		query.Set("host_id", hostID)
	}
	var resp listApplicationsResponse
	err := c.do(ctx, http.MethodGet, c.url("/v1/applications", query), nil, &resp)
	return resp, err
}

type deployRequest struct {
	CatalogID string `json:"catalog_id"`
	Hostname  string `json:"hostname"`
	HostID    string `json:"host_id"`
	Node      string `json:"node"`
}

func (c *client) deployApplication(ctx context.Context, req deployRequest) (models.Application, error) {
	var app models.Application
	err := c.do(ctx, http.MethodPost, c.url("/v1/applications", nil), req, &app)
	return app, err
}

// adoptParams mirrors facade.AdoptParams' wire shape exactly: that type
// carries no json tags, so the control API decodes it by Go field name.
type adoptParams struct {
	HostID    string
	VMID      int
	NodeName  string
	CatalogID string
	Hostname  string
}

type actionRequest struct {
	NewHostname string      `json:"new_hostname"`
	Force       bool        `json:"force"`
	Reason      string      `json:"reason"`
	BackupID    string      `json:"backup_id"`
	Adopt       adoptParams `json:"adopt"`
}

func (c *client) performAction(ctx context.Context, appID, action string, req actionRequest) (string, error) {
	var resp map[string]string
	path := fmt.Sprintf("/v1/applications/%s/actions/%s", appID, action)
	if err := c.do(ctx, http.MethodPost, c.url(path, nil), req, &resp); err != nil {
		return "", err
	}
	return resp["job_id"], nil
}

type unmanagedContainer struct {
	HostID string `json:"HostID"`
	Node   string `json:"Node"`
	VMID   int    `json:"VMID"`
}

func (c *client) listUnmanaged(ctx context.Context, hostID string) ([]unmanagedContainer, error) {
	query := url.Values{}
	if hostID != "" {
		query.Set("host_id", hostID)
	}
	var resp struct {
		Containers []unmanagedContainer `json:"containers"`
	}
	err := c.do(ctx, http.MethodGet, c.url("/v1/unmanaged", query), nil, &resp)
	return resp.Containers, err
}

func (c *client) do(ctx context.Context, method, url string, body, dest any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("call prox-orchd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("prox-orchd: %s", apiErr.Error)
		}
		return fmt.Errorf("prox-orchd: unexpected status %d", resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
