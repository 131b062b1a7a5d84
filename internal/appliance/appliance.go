// Package appliance implements C5, the Network Appliance Orchestrator: the
// isolated L2 bridge plus router/NAT/DHCP/DNS/reverse-proxy LXC that every
// deployed application sits behind.
//
// ABOUTME: Grounded on
// original_source/backend/services/network_appliance_orchestrator.py
// (NetworkApplianceOrchestrator): same bridge name, gateway, DHCP range, and
// DNS domain constants, same dnsmasq-config-then-Caddyfile-then-enable
// sequence, re-expressed as Go calling internal/pve (container lifecycle)
// and internal/sshexec (in-container config writes) instead of the
// Python's bespoke _exec_in_lxc helper.
package appliance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentlab/prox-orchd/internal/pve"
	"github.com/agentlab/prox-orchd/internal/sshexec"
)

const (
	// BridgeName is the isolated L2 bridge every application's LXC attaches to.
	BridgeName = "appliance-lan"
	// Hostname is the appliance container's hostname.
	Hostname = "prox-appliance"
	// ApplianceLXCID is the reserved id for the appliance container, chosen
	// far outside the port-allocator-adjacent id space so it never collides
	// with application containers.
	ApplianceLXCID pve.LXCID = 9999

	// LANNetwork is the appliance LAN's CIDR.
	LANNetwork = "10.20.0.0/24"
	// LANGateway is the appliance's own address on the LAN, also app default gateway.
	LANGateway = "10.20.0.1"
	// LANNetmask is LANNetwork's dotted-decimal mask.
	LANNetmask = "255.255.255.0"
	// DHCPRangeStart is the first address dnsmasq may lease to application containers.
	DHCPRangeStart = "10.20.0.100"
	// DHCPRangeEnd is the last address dnsmasq may lease to application containers.
	DHCPRangeEnd = "10.20.0.250"
	// DNSDomain is the suffix application hostnames resolve under.
	DNSDomain = "prox.local"
)

// execRunner is the subset of *sshexec.Runner the orchestrator needs, kept as
// an interface so tests can substitute a fake instead of dialing real SSH.
type execRunner interface {
	ExecInContainer(ctx context.Context, creds sshexec.NodeCredentials, lxcID int, command string, timeout time.Duration, allowNonzero bool) (sshexec.Result, error)
}

// Orchestrator provisions and maintains the network appliance container.
type Orchestrator struct {
	PVE   pve.Client
	SSH   execRunner
	Host  pve.Host
	Node  string
	Creds sshexec.NodeCredentials

	// mu serializes AddRoute/RemoveRoute: both write a vhost file and reload
	// caddy, and two deploys finishing at once must not interleave their
	// writes into the same sites-enabled directory or race the reload.
	mu sync.Mutex
}

// New returns an Orchestrator for one PVE cluster/node.
func New(client pve.Client, runner execRunner, host pve.Host, node string, creds sshexec.NodeCredentials) *Orchestrator {
	return &Orchestrator{PVE: client, SSH: runner, Host: host, Node: node, Creds: creds}
}

// Ensure starts the appliance container if it exists but is not running.
// If it does not exist, Ensure creates it, attaches it to BridgeName with
// the LANGateway address and configures its services. Ensure does not
// create the BridgeName bridge on the node, and it neither reconfigures nor
// health-checks an appliance container that already exists. Mirrors
// NetworkApplianceOrchestrator.initialize's "find or provision" sequence.
func (o *Orchestrator) Ensure(ctx context.Context) error {
	status, err := o.PVE.LXCStatus(ctx, o.Host, o.Node, ApplianceLXCID)
	if err == nil {
		if status != pve.StatusRunning {
			if _, err := o.PVE.StartLXC(ctx, o.Host, o.Node, ApplianceLXCID); err != nil {
				return fmt.Errorf("start existing appliance: %w", err)
			}
		}
		return nil
	}

	storage, err := o.PVE.SelectStorage(ctx, o.Host, o.Node, 4)
	if err != nil {
		return fmt.Errorf("select appliance storage: %w", err)
	}
	task, err := o.PVE.CreateLXC(ctx, o.Host, o.Node, ApplianceLXCID, pve.LXCSpec{
		OSTemplate:  "local:vztmpl/alpine-3.20-default.tar.zst",
		Hostname:    Hostname,
		Cores:       1,
		MemoryMB:    512,
		RootFSStore: storage,
		RootFSGB:    4,
		Bridge:      "vmbr0", // WAN side, management network
		IPConfig:    "dhcp",
		Start:       true,
	})
	if err != nil {
		return fmt.Errorf("create appliance container: %w", err)
	}
	if err := o.PVE.WaitForTask(ctx, o.Host, o.Node, task); err != nil {
		return fmt.Errorf("wait for appliance create: %w", err)
	}

	if err := o.PVE.UpdateLXCConfig(ctx, o.Host, o.Node, ApplianceLXCID, pve.LXCConfigPatch{
		Bridge: BridgeName, IPConfig: fmt.Sprintf("%s/24", LANGateway),
	}); err != nil {
		return fmt.Errorf("attach appliance lan interface: %w", err)
	}

	return o.configureServices(ctx)
}

// configureServices writes the appliance's dnsmasq config and base Caddyfile
// and enables both services. Mirrors configure_appliance_lxc's
// _setup_base_system -> _configure_nat_firewall -> _configure_dhcp_dns ->
// _configure_caddy sequence.
func (o *Orchestrator) configureServices(ctx context.Context) error {
	install := "apk add --no-cache bash curl iptables ip6tables dnsmasq caddy"
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), install, 0, false); err != nil {
		return fmt.Errorf("install appliance packages: %w", err)
	}

	natCmd := fmt.Sprintf(
		"iptables -t nat -A POSTROUTING -s %s -o eth0 -j MASQUERADE && "+
			"iptables -A FORWARD -i eth1 -o eth0 -j ACCEPT && "+
			"iptables -A FORWARD -i eth0 -o eth1 -m state --state RELATED,ESTABLISHED -j ACCEPT",
		LANNetwork)
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), natCmd, 0, false); err != nil {
		return fmt.Errorf("configure nat/firewall: %w", err)
	}

	dnsmasqConf := dnsmasqConfig()
	writeDNSMasq := fmt.Sprintf("cat > /etc/dnsmasq.conf << 'EOF'\n%s\nEOF", dnsmasqConf)
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), writeDNSMasq, 0, false); err != nil {
		return fmt.Errorf("write dnsmasq config: %w", err)
	}
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), "rc-update add dnsmasq default && rc-service dnsmasq start", 0, false); err != nil {
		return fmt.Errorf("start dnsmasq: %w", err)
	}

	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), "mkdir -p /etc/caddy/sites-enabled", 0, false); err != nil {
		return fmt.Errorf("create caddy sites-enabled dir: %w", err)
	}
	writeCaddyfile := fmt.Sprintf("cat > /etc/caddy/Caddyfile << 'EOF'\n%s\nEOF", mainCaddyfile())
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), writeCaddyfile, 0, false); err != nil {
		return fmt.Errorf("write caddyfile: %w", err)
	}
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), "rc-update add caddy default && rc-service caddy start", 0, false); err != nil {
		return fmt.Errorf("start caddy: %w", err)
	}
	return nil
}

func dnsmasqConfig() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# prox-orchd appliance DHCP/DNS\n")
	fmt.Fprintf(&b, "interface=eth1\n")
	fmt.Fprintf(&b, "dhcp-range=%s,%s,%s,12h\n", DHCPRangeStart, DHCPRangeEnd, LANNetmask)
	fmt.Fprintf(&b, "domain=%s\n", DNSDomain)
	fmt.Fprintf(&b, "expand-hosts\n")
	fmt.Fprintf(&b, "local=/%s/\n", DNSDomain)
	return b.String()
}

func mainCaddyfile() string {
	return "{\n    admin off\n    auto_https off\n}\n\nimport /etc/caddy/sites-enabled/*\n"
}

// AddRoute writes (or overwrites) the vhost file mapping publicPort and
// internalPort to the application container's primary port, then reloads
// Caddy. Routing is by listener port, never by hostname: the source's
// hostname-matched vhost and port allocation are two competing designs, and
// port-based is the one that composes with iframe embedding (the
// iframe_url and access_url returned to callers are bare host:port, which a
// Host-matched vhost could never route without rewriting the Host header).
// Caddy binds both ports directly, so the listener the caller's URL points
// at actually exists once this returns.
func (o *Orchestrator) AddRoute(ctx context.Context, appName string, containerIP string, publicPort, internalPort, containerPort int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	upstream := fmt.Sprintf("%s:%d", containerIP, containerPort)
	vhost := fmt.Sprintf(":%d {\n    reverse_proxy %s\n}\n\n:%d {\n    reverse_proxy %s\n}\n",
		publicPort, upstream, internalPort, upstream)
	path := fmt.Sprintf("/etc/caddy/sites-enabled/%s.caddy", appName)
	writeCmd := fmt.Sprintf("cat > %s << 'EOF'\n%s\nEOF", path, vhost)
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), writeCmd, 0, false); err != nil {
		return fmt.Errorf("write vhost for %s: %w", appName, err)
	}
	_, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), "rc-service caddy reload", 0, false)
	return err
}

// RemoveRoute deletes an application's vhost file and reloads Caddy.
func (o *Orchestrator) RemoveRoute(ctx context.Context, appName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	path := fmt.Sprintf("/etc/caddy/sites-enabled/%s.caddy", appName)
	if _, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), "rm -f "+path, 0, true); err != nil {
		return fmt.Errorf("remove vhost for %s: %w", appName, err)
	}
	_, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), "rc-service caddy reload", 0, false)
	return err
}

// DHCPLeases returns the raw dnsmasq.leases file contents, used to resolve
// an application container's current LAN IP when no static ip was assigned.
func (o *Orchestrator) DHCPLeases(ctx context.Context) (string, error) {
	res, err := o.SSH.ExecInContainer(ctx, o.Creds, int(ApplianceLXCID), "cat /var/lib/misc/dnsmasq.leases 2>/dev/null || true", 0, true)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
