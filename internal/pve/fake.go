// ABOUTME: This file provides a deterministic in-memory Client for tests,
// mirroring the teacher's FakeBackend: concurrency-safe, no network, no
// async task simulation (every call completes synchronously).
package pve

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient implements Client with in-memory state for tests.
type FakeClient struct {
	mu          sync.Mutex
	containers  map[LXCID]*fakeLXC
	storages    map[string]StorageInfo
	nextID      int
	backups     map[LXCID][]BackupInfo
	templates   []TemplateInfo
}

type fakeLXC struct {
	id        LXCID
	node      string
	hostname  string
	status    Status
	config    map[string]string
	snapshots map[string]struct{}
}

// NewFakeClient returns a FakeClient with empty state; its first NextVMID call returns 101.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		containers: make(map[LXCID]*fakeLXC),
		storages:   make(map[string]StorageInfo),
		nextID:     100,
		backups:    make(map[LXCID][]BackupInfo),
	}
}

// AddStorage seeds a storage pool for SelectStorage/ListStorages to see.
func (f *FakeClient) AddStorage(s StorageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storages[s.Storage] = s
}

// AddTemplate seeds a template volume for ListTemplates to see.
func (f *FakeClient) AddTemplate(t TemplateInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, t)
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) Ping(context.Context, Host) error { return nil }

func (f *FakeClient) ListNodes(context.Context, Host) ([]NodeInfo, error) {
	return []NodeInfo{{Node: "pve1", Online: true}}, nil
}

func (f *FakeClient) NodeStatus(_ context.Context, _ Host, node string) (NodeInfo, error) {
	return NodeInfo{Node: node, Online: true}, nil
}

func (f *FakeClient) ListStorages(_ context.Context, _ Host, node string) ([]StorageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StorageInfo, 0, len(f.storages))
	for _, s := range f.storages {
		s.Node = node
		out = append(out, s)
	}
	return out, nil
}

func (f *FakeClient) SelectStorage(ctx context.Context, host Host, node string, minGB int) (string, error) {
	storages, _ := f.ListStorages(ctx, host, node)
	var best StorageInfo
	found := false
	for _, s := range storages {
		if s.AvailGB < float64(minGB) {
			continue
		}
		if !found || s.AvailGB > best.AvailGB {
			best = s
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: no storage with %dGB free", ErrStorageUnavailable, minGB)
	}
	return best.Storage, nil
}

func (f *FakeClient) ListLXC(_ context.Context, _ Host, node string) ([]LXCID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LXCID
	for id, c := range f.containers {
		if c.node == node {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *FakeClient) LXCStatus(_ context.Context, _ Host, _ string, id LXCID) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return StatusUnknown, fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	return c.status, nil
}

func (f *FakeClient) LXCConfig(_ context.Context, _ Host, _ string, id LXCID) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	out := make(map[string]string, len(c.config))
	for k, v := range c.config {
		out[k] = v
	}
	return out, nil
}

func (f *FakeClient) UpdateLXCConfig(_ context.Context, _ Host, _ string, id LXCID, patch LXCConfigPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	if patch.Cores > 0 {
		c.config["cores"] = fmt.Sprintf("%d", patch.Cores)
	}
	if patch.MemoryMB > 0 {
		c.config["memory"] = fmt.Sprintf("%d", patch.MemoryMB)
	}
	if patch.Bridge != "" {
		c.config["net0"] = buildNet0(patch.Bridge, patch.IPConfig)
	}
	return nil
}

func (f *FakeClient) ResizeDisk(_ context.Context, _ Host, _ string, id LXCID, disk string, targetGB int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	if disk == "" {
		disk = "rootfs"
	}
	c.config[disk+"_size_gb"] = fmt.Sprintf("%d", targetGB)
	return nil
}

func (f *FakeClient) CreateLXC(_ context.Context, _ Host, node string, id LXCID, spec LXCSpec) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; ok {
		return "", fmt.Errorf("%w: container %d already exists", ErrConflict, id)
	}
	status := StatusStopped
	if spec.Start {
		status = StatusRunning
	}
	f.containers[id] = &fakeLXC{
		id: id, node: node, hostname: spec.Hostname, status: status,
		config:    map[string]string{"ostemplate": spec.OSTemplate},
		snapshots: make(map[string]struct{}),
	}
	return TaskID(fmt.Sprintf("UPID:fake:create:%d", id)), nil
}

func (f *FakeClient) CloneLXC(_ context.Context, _ Host, node string, template, target LXCID, hostname string, _ bool) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.containers[template]
	if !ok {
		return "", fmt.Errorf("%w: template %d", ErrNotFound, template)
	}
	if _, ok := f.containers[target]; ok {
		return "", fmt.Errorf("%w: container %d already exists", ErrConflict, target)
	}
	cfg := make(map[string]string, len(src.config))
	for k, v := range src.config {
		cfg[k] = v
	}
	f.containers[target] = &fakeLXC{id: target, node: node, hostname: hostname, status: StatusStopped, config: cfg, snapshots: make(map[string]struct{})}
	return TaskID(fmt.Sprintf("UPID:fake:clone:%d", target)), nil
}

func (f *FakeClient) StartLXC(_ context.Context, _ Host, _ string, id LXCID) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	c.status = StatusRunning
	return TaskID(fmt.Sprintf("UPID:fake:start:%d", id)), nil
}

func (f *FakeClient) StopLXC(_ context.Context, _ Host, _ string, id LXCID) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	c.status = StatusStopped
	return TaskID(fmt.Sprintf("UPID:fake:stop:%d", id)), nil
}

func (f *FakeClient) ShutdownLXC(ctx context.Context, host Host, node string, id LXCID) (TaskID, error) {
	return f.StopLXC(ctx, host, node, id)
}

func (f *FakeClient) DeleteLXC(_ context.Context, _ Host, _ string, id LXCID) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return "", fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	delete(f.containers, id)
	return TaskID(fmt.Sprintf("UPID:fake:delete:%d", id)), nil
}

func (f *FakeClient) Snapshot(_ context.Context, _ Host, _ string, id LXCID, name string) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	c.snapshots[name] = struct{}{}
	return TaskID(fmt.Sprintf("UPID:fake:snapshot:%d", id)), nil
}

func (f *FakeClient) DeleteSnapshot(_ context.Context, _ Host, _ string, id LXCID, name string) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: container %d", ErrNotFound, id)
	}
	delete(c.snapshots, name)
	return TaskID(fmt.Sprintf("UPID:fake:unsnapshot:%d", id)), nil
}

func (f *FakeClient) NextVMID(context.Context, Host) (LXCID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return LXCID(f.nextID), nil
}

func (f *FakeClient) ListTemplates(context.Context, Host, string, string) ([]TemplateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TemplateInfo, len(f.templates))
	copy(out, f.templates)
	return out, nil
}

func (f *FakeClient) DownloadApplianceTemplate(_ context.Context, _ Host, _, _, templateName string) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, TemplateInfo{VolID: "local:vztmpl/" + templateName})
	return TaskID("UPID:fake:download"), nil
}

func (f *FakeClient) Backup(_ context.Context, _ Host, _ string, id LXCID, storage string) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	volID := fmt.Sprintf("%s:backup/vzdump-lxc-%d-fake.tar.zst", storage, id)
	f.backups[id] = append(f.backups[id], BackupInfo{VolID: volID})
	return TaskID(fmt.Sprintf("UPID:fake:backup:%d", id)), nil
}

func (f *FakeClient) Restore(_ context.Context, _ Host, node string, id LXCID, archiveVolID, _ string) (TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeLXC{id: id, node: node, status: StatusStopped, config: map[string]string{"restored_from": archiveVolID}, snapshots: make(map[string]struct{})}
	return TaskID(fmt.Sprintf("UPID:fake:restore:%d", id)), nil
}

func (f *FakeClient) ListBackups(_ context.Context, _ Host, _, _ string, id LXCID) ([]BackupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BackupInfo, len(f.backups[id]))
	copy(out, f.backups[id])
	return out, nil
}

func (f *FakeClient) DeleteBackup(_ context.Context, _ Host, _, volID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, list := range f.backups {
		for i, b := range list {
			if b.VolID == volID {
				f.backups[id] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: backup volume %s", ErrNotFound, volID)
}

func (f *FakeClient) WaitForTask(context.Context, Host, string, TaskID) error {
	return nil // fake tasks complete synchronously inline
}
