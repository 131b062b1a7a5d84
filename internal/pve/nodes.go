// ABOUTME: This file implements cluster node and storage queries, including
// SelectStorage, the largest-free-space picker used by the deployment
// pipeline (spec.md §4.9 step 3).
package pve

import (
	"context"
	"encoding/json"
	"fmt"
)

// ListNodes returns every node in the cluster.
func (c *APIClient) ListNodes(ctx context.Context, host Host) ([]NodeInfo, error) {
	data, err := c.doGet(ctx, host, "/nodes")
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Node   string  `json:"node"`
		Status string  `json:"status"`
		CPU    float64 `json:"cpu"`
		MaxMem int64   `json:"maxmem"`
		Mem    int64   `json:"mem"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse node list: %w", err)
	}
	out := make([]NodeInfo, 0, len(raw))
	for _, n := range raw {
		out = append(out, NodeInfo{
			Node:   n.Node,
			Online: n.Status == "online",
			CPU:    n.CPU,
			MemGB:  bytesToGB(n.Mem),
		})
	}
	return out, nil
}

// NodeStatus returns live stats for a single node.
func (c *APIClient) NodeStatus(ctx context.Context, host Host, node string) (NodeInfo, error) {
	data, err := c.doGet(ctx, host, fmt.Sprintf("/nodes/%s/status", node))
	if err != nil {
		return NodeInfo{}, err
	}
	var raw struct {
		CPU    float64 `json:"cpu"`
		Memory struct {
			Total int64 `json:"total"`
			Used  int64 `json:"used"`
		} `json:"memory"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return NodeInfo{}, fmt.Errorf("parse node status: %w", err)
	}
	return NodeInfo{Node: node, Online: true, CPU: raw.CPU, MemGB: bytesToGB(raw.Memory.Total)}, nil
}

// ListStorages returns storage pools visible from node.
func (c *APIClient) ListStorages(ctx context.Context, host Host, node string) ([]StorageInfo, error) {
	data, err := c.doGet(ctx, host, fmt.Sprintf("/nodes/%s/storage", node))
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Storage string `json:"storage"`
		Type    string `json:"type"`
		Total   int64  `json:"total"`
		Used    int64  `json:"used"`
		Avail   int64  `json:"avail"`
		Active  int    `json:"active"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse storage list: %w", err)
	}
	out := make([]StorageInfo, 0, len(raw))
	for _, s := range raw {
		out = append(out, StorageInfo{
			Storage: s.Storage,
			Node:    node,
			Type:    s.Type,
			TotalGB: bytesToGB(s.Total),
			UsedGB:  bytesToGB(s.Used),
			AvailGB: bytesToGB(s.Avail),
			Active:  s.Active == 1,
			Content: s.Content,
		})
	}
	return out, nil
}

// SelectStorage picks the storage pool on node with the most free space that
// both (a) supports rootdir content and (b) has at least minGB available.
// Grounded on the teacher's ensureRootDiskSize/disk.go size-parsing helpers,
// generalized from "grow this one disk" into "pick the best disk".
func (c *APIClient) SelectStorage(ctx context.Context, host Host, node string, minGB int) (string, error) {
	storages, err := c.ListStorages(ctx, host, node)
	if err != nil {
		return "", err
	}
	var best StorageInfo
	found := false
	for _, s := range storages {
		if !s.Active || !containsContent(s.Content, "rootdir") {
			continue
		}
		if s.AvailGB < float64(minGB) {
			continue
		}
		if !found || s.AvailGB > best.AvailGB {
			best = s
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: no storage on node %s with %dGB free", ErrStorageUnavailable, node, minGB)
	}
	return best.Storage, nil
}

func containsContent(csv, want string) bool {
	for _, c := range splitCSV(csv) {
		if c == want {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func bytesToGB(b int64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}
