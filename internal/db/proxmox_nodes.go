package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
)

// UpsertProxmoxNode records or refreshes a node observed within a host's
// cluster, called from the reconciler's periodic node listing.
func (s *Store) UpsertProxmoxNode(ctx context.Context, node models.ProxmoxNode) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if node.HostID == "" || node.Name == "" {
		return errors.New("proxmox node host_id and name are required")
	}
	lastSeen := node.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO proxmox_nodes (host_id, name, online, cpu_usage, mem_total_mb, mem_used_mb, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_id, name) DO UPDATE SET
			online = excluded.online,
			cpu_usage = excluded.cpu_usage,
			mem_total_mb = excluded.mem_total_mb,
			mem_used_mb = excluded.mem_used_mb,
			last_seen_at = excluded.last_seen_at`,
		node.HostID, node.Name, node.Online, node.CPUUsage, node.MemTotalMB, node.MemUsedMB, formatTime(lastSeen))
	if err != nil {
		return fmt.Errorf("upsert proxmox node %s/%s: %w", node.HostID, node.Name, err)
	}
	return nil
}

// ListProxmoxNodes returns every node known for a host.
func (s *Store) ListProxmoxNodes(ctx context.Context, hostID string) ([]models.ProxmoxNode, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT host_id, name, online, cpu_usage, mem_total_mb, mem_used_mb, last_seen_at
		FROM proxmox_nodes WHERE host_id = ? ORDER BY name`, hostID)
	if err != nil {
		return nil, fmt.Errorf("list proxmox nodes for host %s: %w", hostID, err)
	}
	defer rows.Close()
	var out []models.ProxmoxNode
	for rows.Next() {
		var n models.ProxmoxNode
		var cpuUsage sql.NullFloat64
		var lastSeen sql.NullString
		if err := rows.Scan(&n.HostID, &n.Name, &n.Online, &cpuUsage, &n.MemTotalMB, &n.MemUsedMB, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan proxmox node: %w", err)
		}
		if cpuUsage.Valid {
			n.CPUUsage = cpuUsage.Float64
		}
		if lastSeen.Valid {
			n.LastSeenAt, err = parseTime(lastSeen.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_seen_at: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// OnlineNodesForHost returns the subset of ListProxmoxNodes currently online,
// used by the deployment pipeline's node-selection step.
func (s *Store) OnlineNodesForHost(ctx context.Context, hostID string) ([]models.ProxmoxNode, error) {
	nodes, err := s.ListProxmoxNodes(ctx, hostID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ProxmoxNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Online {
			out = append(out, n)
		}
	}
	return out, nil
}
