// ABOUTME: This file implements appliance template discovery/download and
// vzdump backup/restore operations, used by the deployment pipeline and the
// update pipeline's pre-update backup step (spec.md §4.9, §4.10).
package pve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// ListTemplates returns container templates available on storage.
func (c *APIClient) ListTemplates(ctx context.Context, host Host, node, storage string) ([]TemplateInfo, error) {
	endpoint := fmt.Sprintf("/nodes/%s/storage/%s/content?content=vztmpl", node, storage)
	data, err := c.doGet(ctx, host, endpoint)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		VolID string `json:"volid"`
		Size  int64  `json:"size"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse template list: %w", err)
	}
	out := make([]TemplateInfo, 0, len(raw))
	for _, r := range raw {
		out = append(out, TemplateInfo{VolID: r.VolID, Size: r.Size})
	}
	return out, nil
}

// DownloadApplianceTemplate triggers storage's appliance template download.
// Proxmox fetches from its curated appliance catalog by template name
// (e.g. "debian-12-standard_12.7-1_amd64.tar.zst").
func (c *APIClient) DownloadApplianceTemplate(ctx context.Context, host Host, node, storage, templateName string) (TaskID, error) {
	params := url.Values{}
	params.Set("storage", storage)
	params.Set("template", templateName)
	endpoint := fmt.Sprintf("/nodes/%s/aplinfo", node)
	data, err := c.doPost(ctx, host, endpoint, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateUnavailable, err)
	}
	return parseTaskID(data), nil
}

// Backup vzdumps a container to storage; used by the update pipeline's
// pre-update backup and by the on-demand backup job (pipeline.Backup).
func (c *APIClient) Backup(ctx context.Context, host Host, node string, id LXCID, storage string) (TaskID, error) {
	params := url.Values{}
	params.Set("vmid", fmt.Sprintf("%d", id))
	params.Set("storage", storage)
	params.Set("mode", "snapshot")
	params.Set("compress", "zstd")
	endpoint := fmt.Sprintf("/nodes/%s/vzdump", node)
	data, err := c.doPost(ctx, host, endpoint, params)
	if err != nil {
		return "", err
	}
	return parseTaskID(data), nil
}

// Restore restores a container from a vzdump archive at id, used by the
// restore job (pipeline.Restore).
func (c *APIClient) Restore(ctx context.Context, host Host, node string, id LXCID, archiveVolID, rootfsStorage string) (TaskID, error) {
	params := url.Values{}
	params.Set("vmid", fmt.Sprintf("%d", id))
	params.Set("ostemplate", archiveVolID)
	params.Set("restore", "1")
	if rootfsStorage != "" {
		params.Set("storage", rootfsStorage)
	}
	params.Set("force", "1")
	endpoint := fmt.Sprintf("/nodes/%s/lxc", node)
	data, err := c.doPost(ctx, host, endpoint, params)
	if err != nil {
		return "", err
	}
	return parseTaskID(data), nil
}

// ListBackups lists vzdump archives for id on storage.
func (c *APIClient) ListBackups(ctx context.Context, host Host, node, storage string, id LXCID) ([]BackupInfo, error) {
	endpoint := fmt.Sprintf("/nodes/%s/storage/%s/content?content=backup&vmid=%d", node, storage, id)
	data, err := c.doGet(ctx, host, endpoint)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		VolID string `json:"volid"`
		Size  int64  `json:"size"`
		CTime int64  `json:"ctime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse backup list: %w", err)
	}
	out := make([]BackupInfo, 0, len(raw))
	for _, r := range raw {
		out = append(out, BackupInfo{VolID: r.VolID, Size: r.Size})
	}
	return out, nil
}

// DeleteBackup removes a vzdump archive volume.
func (c *APIClient) DeleteBackup(ctx context.Context, host Host, node, volID string) error {
	endpoint := fmt.Sprintf("/nodes/%s/storage/content/%s", node, url.PathEscape(volID))
	_, err := c.doDelete(ctx, host, endpoint, nil)
	return err
}
