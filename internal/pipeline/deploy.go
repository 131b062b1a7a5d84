package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

// DeployIntent carries the inputs the façade's DeployApplication validated
// before enqueuing the job (spec.md §4.9).
type DeployIntent struct {
	AppID       string
	HostID      string
	CatalogID   string
	Hostname    string
	Node        string // explicit target node, empty to auto-select
	Config      map[string]any
	Environment map[string]string
	RootPassword string // empty to generate one
}

// Deploy runs the full 14-step deployment pipeline for an Application
// already persisted in models.StatusPending by the façade. It is meant to
// be wrapped as a jobrunner.Attempt; any returned error leaves cleanup to
// the caller via Deploy's own compensating actions, already run before
// Deploy returns.
func (p *Pipeline) Deploy(ctx context.Context, intent DeployIntent, logger zerolog.Logger) (err error) {
	// Pending is the normal first attempt; error is where a previous failed
	// attempt's own cleanup (below) left the row, so a jobrunner retry can
	// still re-enter deploying.
	if ok, terr := p.transitionFromAny(ctx, intent.AppID, []models.Status{models.StatusPending, models.StatusError}, models.StatusDeploying); terr != nil {
		return fmt.Errorf("transition to deploying: %w", terr)
	} else if !ok {
		return fmt.Errorf("application %s is not pending", intent.AppID)
	}

	var vmid pve.LXCID
	var created bool
	var portsAllocated bool

	defer func() {
		if err == nil {
			return
		}
		p.logStep(ctx, logger, intent.AppID, "cleanup", "warn", fmt.Sprintf("deploy failed, cleaning up: %v", err))
		if _, terr := p.Store.Transition(ctx, intent.AppID, models.StatusDeploying, models.StatusError); terr != nil {
			p.logStep(ctx, logger, intent.AppID, "cleanup", "error", fmt.Sprintf("force error state failed: %v", terr))
		}
		if created {
			if host, herr := p.hostFor(ctx, intent.HostID); herr == nil {
				if task, derr := p.PVE.DeleteLXC(ctx, host, intent.Node, vmid); derr == nil {
					_ = p.PVE.WaitForTask(ctx, host, intent.Node, task)
				}
			}
		}
		if portsAllocated {
			if rerr := p.Store.ReleaseApplicationPorts(ctx, intent.AppID); rerr != nil {
				p.logStep(ctx, logger, intent.AppID, "cleanup", "error", fmt.Sprintf("release ports failed: %v", rerr))
			}
		}
	}()

	app, err := p.Catalog.Get(intent.CatalogID)
	if err != nil {
		return fmt.Errorf("look up catalog app %s: %w", intent.CatalogID, err)
	}

	host, err := p.hostFor(ctx, intent.HostID)
	if err != nil {
		return err
	}

	rootPassword := intent.RootPassword
	if rootPassword == "" {
		if row, rerr := p.Store.GetApplication(ctx, intent.AppID); rerr == nil && len(row.RootPasswordEnc) > 0 && p.Keyring != nil {
			if plain, derr := p.Keyring.DecryptString(row.RootPasswordEnc); derr == nil {
				rootPassword = plain
			}
		}
	}
	if rootPassword == "" {
		rootPassword = generatePassword()
	}

	// Step 1: select node.
	node := intent.Node
	if node == "" {
		nodes, nerr := p.Store.OnlineNodesForHost(ctx, intent.HostID)
		if nerr != nil {
			return fmt.Errorf("list online nodes: %w", nerr)
		}
		best, serr := selectNode(nodes)
		if serr != nil {
			return serr
		}
		node = best.Name
	}
	p.logStep(ctx, logger, intent.AppID, "select_node", "info", "selected node "+node)

	// Step 2: allocate ports. Allocate scans both ranges and persists the
	// chosen pair on this application's row in one transaction, so a
	// concurrent deploy's scan can never observe the same free port.
	publicPort, internalPort, err := p.Ports.Allocate(ctx, intent.AppID)
	if err != nil {
		return fmt.Errorf("allocate ports: %w", err)
	}
	portsAllocated = true
	p.logStep(ctx, logger, intent.AppID, "allocate_ports", "info", fmt.Sprintf("public=%d internal=%d", publicPort, internalPort))

	// Step 3: acquire VMID.
	vmid, err = p.VMIDs.Allocate(ctx, host)
	if err != nil {
		return fmt.Errorf("acquire vmid: %w", err)
	}
	if err := p.Store.SetApplicationVMID(ctx, intent.AppID, int(vmid)); err != nil {
		return fmt.Errorf("persist vmid: %w", err)
	}
	p.logStep(ctx, logger, intent.AppID, "acquire_vmid", "info", fmt.Sprintf("vmid=%d", vmid))

	// Step 4: select storage.
	storage, err := p.PVE.SelectStorage(ctx, host, node, 8)
	if err != nil {
		return fmt.Errorf("select storage: %w", err)
	}
	p.logStep(ctx, logger, intent.AppID, "select_storage", "info", "storage="+storage)

	// Step 5: ensure template.
	templateVolID, err := p.ensureTemplate(ctx, host, node, storage, app)
	if err != nil {
		return fmt.Errorf("ensure template: %w", err)
	}
	p.logStep(ctx, logger, intent.AppID, "ensure_template", "info", "template="+templateVolID)

	// Step 6: CreateLXC.
	spec := pve.LXCSpec{
		OSTemplate:   templateVolID,
		Hostname:     intent.Hostname,
		Cores:        app.MinCores,
		MemoryMB:     app.MinMemoryMB,
		RootFSStore:  storage,
		RootFSGB:     8,
		Bridge:       "appliance-lan",
		IPConfig:     "dhcp",
		Features:     "nesting=1,keyctl=1",
		Unprivileged: false,
		Password:     rootPassword,
		Start:        false,
	}
	task, err := p.PVE.CreateLXC(ctx, host, node, vmid, spec)
	if err != nil {
		return fmt.Errorf("create lxc: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, node, task); err != nil {
		return fmt.Errorf("wait for lxc create: %w", err)
	}
	created = true
	if p.Keyring != nil {
		if enc, eerr := p.Keyring.EncryptString(rootPassword); eerr == nil {
			if serr := p.Store.SetApplicationRootPasswordEnc(ctx, intent.AppID, enc); serr != nil {
				p.logStep(ctx, logger, intent.AppID, "create_lxc", "warn", fmt.Sprintf("persist root password failed: %v", serr))
			}
		} else {
			p.logStep(ctx, logger, intent.AppID, "create_lxc", "warn", fmt.Sprintf("encrypt root password failed: %v", eerr))
		}
	}
	p.logStep(ctx, logger, intent.AppID, "create_lxc", "info", "container created")

	// Step 7: patch AppArmor.
	if err := p.patchAppArmor(ctx, host, node, vmid); err != nil {
		return fmt.Errorf("patch apparmor: %w", err)
	}
	p.logStep(ctx, logger, intent.AppID, "patch_apparmor", "info", "apparmor patched")

	// Step 8: start and wait.
	task, err = p.PVE.StartLXC(ctx, host, node, vmid)
	if err != nil {
		return fmt.Errorf("start lxc: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, node, task); err != nil {
		return fmt.Errorf("wait for lxc start: %w", err)
	}
	sleep(ctx, 10*time.Second)
	p.logStep(ctx, logger, intent.AppID, "start_lxc", "info", "container started")

	// Step 9: install container runtime.
	if !app.Preinstalled {
		if err := p.installRuntime(ctx, host, node, vmid); err != nil {
			return fmt.Errorf("install container runtime: %w", err)
		}
		p.logStep(ctx, logger, intent.AppID, "install_runtime", "info", "runtime installed")
	} else {
		p.logStep(ctx, logger, intent.AppID, "install_runtime", "info", "runtime preinstalled, skipping")
	}

	// Step 10: materialize compose document.
	composeDoc, err := materializeCompose(app, intent.Environment, intent.Hostname, p.VolumeRoot)
	if err != nil {
		return fmt.Errorf("materialize compose: %w", err)
	}
	if err := p.writeComposeFile(ctx, host, node, vmid, composeDoc); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	p.logStep(ctx, logger, intent.AppID, "materialize_compose", "info", "compose document written")

	// Step 11: pull and up.
	if err := p.composePull(ctx, host, node, vmid); err != nil {
		return fmt.Errorf("compose pull: %w", err)
	}
	if err := p.composeUp(ctx, host, node, vmid); err != nil {
		return fmt.Errorf("compose up: %w", err)
	}
	p.logStep(ctx, logger, intent.AppID, "compose_up", "info", "compose stack up")

	// Step 12: discover container IP.
	containerIP, err := p.discoverContainerIP(ctx, host, node, vmid)
	if err != nil {
		return fmt.Errorf("discover container ip: %w", err)
	}
	p.logStep(ctx, logger, intent.AppID, "discover_ip", "info", "container_ip="+containerIP)

	// Step 13: register reverse-proxy vhost.
	primaryPort := internalPort
	if port, ok := app.PrimaryPort(); ok {
		primaryPort = port.Container
	}
	accessURL := fmt.Sprintf("http://%s:%d/", p.ApplianceWANIP, publicPort)
	iframeURL := fmt.Sprintf("http://%s:%d/", p.ApplianceWANIP, internalPort)
	directAccess := false
	if p.Appliance != nil {
		if err := p.Appliance.AddRoute(ctx, intent.Hostname, containerIP, publicPort, internalPort, primaryPort); err != nil {
			p.logStep(ctx, logger, intent.AppID, "register_vhost", "warn", fmt.Sprintf("proxy registration failed, falling back to direct access: %v", err))
			accessURL = fmt.Sprintf("http://%s:%d/", containerIP, primaryPort)
			iframeURL = accessURL
			directAccess = true
		} else {
			p.logStep(ctx, logger, intent.AppID, "register_vhost", "info", "vhost registered")
		}
	} else {
		accessURL = fmt.Sprintf("http://%s:%d/", containerIP, primaryPort)
		iframeURL = accessURL
		directAccess = true
	}

	// Step 14: persist application.
	if err := p.Store.SetApplicationAccessURL(ctx, intent.AppID, accessURL, iframeURL); err != nil {
		return fmt.Errorf("persist access urls: %w", err)
	}
	cfg := map[string]any{"direct_access": directAccess}
	for k, v := range intent.Config {
		cfg[k] = v
	}
	if err := p.Store.SetApplicationConfig(ctx, intent.AppID, cfg); err != nil {
		return fmt.Errorf("persist application config: %w", err)
	}
	if ok, terr := p.Store.Transition(ctx, intent.AppID, models.StatusDeploying, models.StatusRunning); terr != nil {
		return fmt.Errorf("transition to running: %w", terr)
	} else if !ok {
		return fmt.Errorf("application %s left deploying state unexpectedly", intent.AppID)
	}
	p.Metrics.IncAppTransition(models.StatusDeploying, models.StatusRunning)
	p.logStep(ctx, logger, intent.AppID, "persist_application", "info", "deployment complete")
	return nil
}

// ensureTemplate searches every storage visible on node for a template
// matching app's family/architecture, downloading it if absent (spec.md
// §4.9 step 5).
func (p *Pipeline) ensureTemplate(ctx context.Context, host pve.Host, node, storage string, app catalog.App) (string, error) {
	storages, err := p.PVE.ListStorages(ctx, host, node)
	if err != nil {
		return "", fmt.Errorf("list storages: %w", err)
	}
	want := app.Family
	for _, st := range storages {
		if !strings.Contains(st.Content, "vztmpl") {
			continue
		}
		templates, terr := p.PVE.ListTemplates(ctx, host, node, st.Storage)
		if terr != nil {
			continue
		}
		for _, t := range templates {
			if strings.Contains(t.VolID, want) {
				return t.VolID, nil
			}
		}
	}

	templateName := fmt.Sprintf("%s-%s-default.tar.zst", want, app.Arch)
	task, err := p.PVE.DownloadApplianceTemplate(ctx, host, node, storage, templateName)
	if err != nil {
		return "", fmt.Errorf("download template: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, node, task); err != nil {
		return "", fmt.Errorf("wait for template download: %w", err)
	}
	return fmt.Sprintf("%s:vztmpl/%s", storage, templateName), nil
}

// patchAppArmor idempotently appends the runtime-in-LXC AppArmor relaxation
// to the container's config (spec.md §4.9 step 7).
func (p *Pipeline) patchAppArmor(ctx context.Context, host pve.Host, node string, vmid pve.LXCID) error {
	cfg, err := p.PVE.LXCConfig(ctx, host, node, vmid)
	if err != nil {
		return fmt.Errorf("read lxc config: %w", err)
	}
	if _, ok := cfg["lxc.apparmor.profile"]; ok {
		return nil
	}
	confPath := fmt.Sprintf("/etc/pve/lxc/%d.conf", vmid)
	patch := "grep -q 'lxc.apparmor.profile: unconfined' " + confPath +
		" || { echo 'lxc.apparmor.profile: unconfined' >> " + confPath + "; " +
		"echo 'lxc.cap.drop:' >> " + confPath + "; }"
	creds, err := p.NodeCreds(ctx, host, node)
	if err != nil {
		return fmt.Errorf("resolve ssh credentials for node %s: %w", node, err)
	}
	_, err = p.SSH.ExecOnNode(ctx, creds, patch, 30*time.Second)
	return err
}

func (p *Pipeline) installRuntime(ctx context.Context, host pve.Host, node string, vmid pve.LXCID) error {
	creds, err := p.NodeCreds(ctx, host, node)
	if err != nil {
		return fmt.Errorf("resolve ssh credentials for node %s: %w", node, err)
	}
	cmds := []string{
		"apt-get update",
		"apt-get install -y docker.io docker-compose-plugin",
		"systemctl enable --now docker",
		"docker info",
	}
	for _, cmd := range cmds {
		if _, err := p.SSH.ExecInContainer(ctx, creds, int(vmid), cmd, 2*time.Minute, false); err != nil {
			return fmt.Errorf("run %q: %w", cmd, err)
		}
	}
	return nil
}

func (p *Pipeline) writeComposeFile(ctx context.Context, host pve.Host, node string, vmid pve.LXCID, doc string) error {
	creds, err := p.NodeCreds(ctx, host, node)
	if err != nil {
		return fmt.Errorf("resolve ssh credentials for node %s: %w", node, err)
	}
	cmd := "cat > /root/docker-compose.yml << 'PROXORCHD_EOF'\n" + doc + "\nPROXORCHD_EOF"
	_, err = p.SSH.ExecInContainer(ctx, creds, int(vmid), cmd, 30*time.Second, false)
	return err
}

func (p *Pipeline) composePull(ctx context.Context, host pve.Host, node string, vmid pve.LXCID) error {
	creds, err := p.NodeCreds(ctx, host, node)
	if err != nil {
		return fmt.Errorf("resolve ssh credentials for node %s: %w", node, err)
	}
	_, err = p.SSH.ExecInContainer(ctx, creds, int(vmid), "docker compose -f /root/docker-compose.yml pull", 10*time.Minute, false)
	return err
}

func (p *Pipeline) composeUp(ctx context.Context, host pve.Host, node string, vmid pve.LXCID) error {
	creds, err := p.NodeCreds(ctx, host, node)
	if err != nil {
		return fmt.Errorf("resolve ssh credentials for node %s: %w", node, err)
	}
	if _, err := p.SSH.ExecInContainer(ctx, creds, int(vmid), "docker compose -f /root/docker-compose.yml up -d", 5*time.Minute, false); err != nil {
		return err
	}
	_, err = p.SSH.ExecInContainer(ctx, creds, int(vmid), "docker compose -f /root/docker-compose.yml ps", 30*time.Second, false)
	return err
}

func (p *Pipeline) discoverContainerIP(ctx context.Context, host pve.Host, node string, vmid pve.LXCID) (string, error) {
	creds, err := p.NodeCreds(ctx, host, node)
	if err != nil {
		return "", fmt.Errorf("resolve ssh credentials for node %s: %w", node, err)
	}
	res, err := p.SSH.ExecInContainer(ctx, creds, int(vmid), "ip -4 addr show eth0", 10*time.Second, false)
	if err != nil {
		return "", err
	}
	return parseIPv4FromAddrShow(res.Stdout)
}

func parseIPv4FromAddrShow(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		cidr := fields[1]
		if idx := strings.Index(cidr, "/"); idx >= 0 {
			return cidr[:idx], nil
		}
		return cidr, nil
	}
	return "", fmt.Errorf("no inet address found in eth0 output")
}

func generatePassword() string {
	return "pw-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
