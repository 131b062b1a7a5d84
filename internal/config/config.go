// ABOUTME: Package config provides configuration loading and validation for the prox-orchd daemon.
//
// The configuration is loaded from a YAML file at /etc/prox-orchd/config.yaml by default.
// Environment variables can override any configuration value by using the PROXORCHD_ prefix
// (e.g., PROXORCHD_DATA_DIR for the data_dir field).
//
// Configuration values have sensible defaults and are validated on load.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration paths, listener settings, and the
// numeric/policy constants of spec.md §6.
//
// Use DefaultConfig() to get a configuration with all defaults set,
// then Load() to read and apply overrides from a YAML file and the
// environment.
//
// Example:
//
//	cfg, err := config.Load("/etc/prox-orchd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	ConfigPath    string
	CatalogDir    string
	DataDir       string
	LogDir        string
	RunDir        string
	DBPath        string
	ControlListen string
	MetricsListen string

	AgeKeyPath string

	// OperatorSSHKeyPath is the private key prox-orchd uses to reach
	// Proxmox nodes for C2 remote exec (pct exec, docker compose, AppArmor
	// patching). One operator identity (this key, OperatorSSHUser and
	// OperatorSSHPort) is shared across every node in every registered
	// cluster; none of it varies per node.
	OperatorSSHKeyPath string
	OperatorSSHUser    string
	OperatorSSHPort    int

	ApplianceHostID string
	ApplianceNode   string

	// Port ranges (spec.md §6).
	PublicPortRangeStart   int
	PublicPortRangeEnd     int
	InternalPortRangeStart int
	InternalPortRangeEnd   int

	// Appliance network (spec.md §6, §4.5).
	ApplianceLANCIDR   string
	ApplianceGateway   string
	ApplianceDHCPStart string
	ApplianceDHCPEnd   string
	ApplianceDNSDomain string

	// Timing constants (spec.md §6).
	StuckThreshold          time.Duration
	ReconcileInterval       time.Duration
	JanitorInterval         time.Duration
	BackupWaitTimeout       time.Duration
	TemplateDownloadTimeout time.Duration
	ComposePullTimeout      time.Duration
	ComposeUpTimeout        time.Duration

	// Job runner policy (spec.md §4.8).
	JobMaxAttempts    int
	JobBackoffBase    time.Duration
	JobCommandTimeout time.Duration

	WorkerPoolSize int
}

// FileConfig represents supported YAML config overrides.
//
// Fields are loaded from the YAML file and applied to the default
// configuration. Empty string fields in the YAML file are ignored,
// allowing partial configuration overrides. Duration fields accept Go
// duration format strings (e.g., "30s", "5m", "1h").
type FileConfig struct {
	CatalogDir    string `yaml:"catalog_dir"`
	DataDir       string `yaml:"data_dir"`
	LogDir        string `yaml:"log_dir"`
	RunDir        string `yaml:"run_dir"`
	DBPath        string `yaml:"db_path"`
	ControlListen string `yaml:"control_listen"`
	MetricsListen string `yaml:"metrics_listen"`

	AgeKeyPath string `yaml:"age_key_path"`

	OperatorSSHKeyPath string `yaml:"operator_ssh_key_path"`
	OperatorSSHUser    string `yaml:"operator_ssh_user"`
	OperatorSSHPort    *int   `yaml:"operator_ssh_port"`

	ApplianceHostID string `yaml:"appliance_host_id"`
	ApplianceNode   string `yaml:"appliance_node"`

	PublicPortRangeStart   *int `yaml:"public_port_range_start"`
	PublicPortRangeEnd     *int `yaml:"public_port_range_end"`
	InternalPortRangeStart *int `yaml:"internal_port_range_start"`
	InternalPortRangeEnd   *int `yaml:"internal_port_range_end"`

	ApplianceLANCIDR   string `yaml:"appliance_lan_cidr"`
	ApplianceGateway   string `yaml:"appliance_gateway"`
	ApplianceDHCPStart string `yaml:"appliance_dhcp_start"`
	ApplianceDHCPEnd   string `yaml:"appliance_dhcp_end"`
	ApplianceDNSDomain string `yaml:"appliance_dns_domain"`

	StuckThreshold          string `yaml:"stuck_threshold"`
	ReconcileInterval       string `yaml:"reconcile_interval"`
	JanitorInterval         string `yaml:"janitor_interval"`
	BackupWaitTimeout       string `yaml:"backup_wait_timeout"`
	TemplateDownloadTimeout string `yaml:"template_download_timeout"`
	ComposePullTimeout      string `yaml:"compose_pull_timeout"`
	ComposeUpTimeout        string `yaml:"compose_up_timeout"`

	JobMaxAttempts    *int   `yaml:"job_max_attempts"`
	JobBackoffBase    string `yaml:"job_backoff_base"`
	JobCommandTimeout string `yaml:"job_command_timeout"`

	WorkerPoolSize *int `yaml:"worker_pool_size"`
}

// DefaultConfig returns a Config struct with every value of spec.md §6 set
// to its documented default.
//
// The returned configuration is valid and ready to use without
// modification. Use Load() to apply overrides from a configuration file
// or environment variables.
func DefaultConfig() Config {
	dataDir := "/var/lib/prox-orchd"
	runDir := "/run/prox-orchd"
	return Config{
		ConfigPath:    "/etc/prox-orchd/config.yaml",
		CatalogDir:    "/etc/prox-orchd/catalog",
		DataDir:       dataDir,
		LogDir:        "/var/log/prox-orchd",
		RunDir:        runDir,
		DBPath:        filepath.Join(dataDir, "prox-orchd.db"),
		ControlListen: "127.0.0.1:8843",
		MetricsListen: "127.0.0.1:9843",

		AgeKeyPath: "/etc/prox-orchd/keys/age.key",

		OperatorSSHKeyPath: "/etc/prox-orchd/keys/operator_ed25519",
		OperatorSSHUser:    "root",
		OperatorSSHPort:    22,

		ApplianceHostID: "",
		ApplianceNode:   "",

		PublicPortRangeStart:   30000,
		PublicPortRangeEnd:     30999,
		InternalPortRangeStart: 40000,
		InternalPortRangeEnd:   40999,

		ApplianceLANCIDR:   "10.20.0.0/24",
		ApplianceGateway:   "10.20.0.1",
		ApplianceDHCPStart: "10.20.0.100",
		ApplianceDHCPEnd:   "10.20.0.250",
		ApplianceDNSDomain: "prox.local",

		StuckThreshold:          1 * time.Hour,
		ReconcileInterval:       5 * time.Minute,
		JanitorInterval:         6 * time.Hour,
		BackupWaitTimeout:       5 * time.Minute,
		TemplateDownloadTimeout: 10 * time.Minute,
		ComposePullTimeout:      10 * time.Minute,
		ComposeUpTimeout:        5 * time.Minute,

		JobMaxAttempts:    3,
		JobBackoffBase:    60 * time.Second,
		JobCommandTimeout: 2 * time.Minute,

		WorkerPoolSize: 0, // 0 means "default to runtime.NumCPU()"
	}
}

// Load reads the YAML config file, applies overrides from it, then applies
// PROXORCHD_-prefixed environment variable overrides, and validates the
// result.
//
// If path is empty, the default config path is used. A missing config file
// is not an error — defaults plus environment overrides are used instead,
// matching an appliance whose only configuration is its environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
		}
	} else {
		var fileCfg FileConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
		}
		if err := applyFileConfig(&cfg, fileCfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnvConfig(&cfg); err != nil {
		return cfg, err
	}
	if cfg.DBPath == "" || cfg.DBPath == filepath.Join("/var/lib/prox-orchd", "prox-orchd.db") {
		cfg.DBPath = filepath.Join(cfg.DataDir, "prox-orchd.db")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.CatalogDir != "" {
		cfg.CatalogDir = fileCfg.CatalogDir
	}
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.LogDir != "" {
		cfg.LogDir = fileCfg.LogDir
	}
	if fileCfg.RunDir != "" {
		cfg.RunDir = fileCfg.RunDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.ControlListen != "" {
		cfg.ControlListen = fileCfg.ControlListen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.AgeKeyPath != "" {
		cfg.AgeKeyPath = fileCfg.AgeKeyPath
	}
	if fileCfg.OperatorSSHKeyPath != "" {
		cfg.OperatorSSHKeyPath = fileCfg.OperatorSSHKeyPath
	}
	if fileCfg.OperatorSSHUser != "" {
		cfg.OperatorSSHUser = fileCfg.OperatorSSHUser
	}
	if fileCfg.OperatorSSHPort != nil {
		cfg.OperatorSSHPort = *fileCfg.OperatorSSHPort
	}
	if fileCfg.ApplianceHostID != "" {
		cfg.ApplianceHostID = fileCfg.ApplianceHostID
	}
	if fileCfg.ApplianceNode != "" {
		cfg.ApplianceNode = fileCfg.ApplianceNode
	}
	if fileCfg.PublicPortRangeStart != nil {
		cfg.PublicPortRangeStart = *fileCfg.PublicPortRangeStart
	}
	if fileCfg.PublicPortRangeEnd != nil {
		cfg.PublicPortRangeEnd = *fileCfg.PublicPortRangeEnd
	}
	if fileCfg.InternalPortRangeStart != nil {
		cfg.InternalPortRangeStart = *fileCfg.InternalPortRangeStart
	}
	if fileCfg.InternalPortRangeEnd != nil {
		cfg.InternalPortRangeEnd = *fileCfg.InternalPortRangeEnd
	}
	if fileCfg.ApplianceLANCIDR != "" {
		cfg.ApplianceLANCIDR = fileCfg.ApplianceLANCIDR
	}
	if fileCfg.ApplianceGateway != "" {
		cfg.ApplianceGateway = fileCfg.ApplianceGateway
	}
	if fileCfg.ApplianceDHCPStart != "" {
		cfg.ApplianceDHCPStart = fileCfg.ApplianceDHCPStart
	}
	if fileCfg.ApplianceDHCPEnd != "" {
		cfg.ApplianceDHCPEnd = fileCfg.ApplianceDHCPEnd
	}
	if fileCfg.ApplianceDNSDomain != "" {
		cfg.ApplianceDNSDomain = fileCfg.ApplianceDNSDomain
	}
	var err error
	if cfg.StuckThreshold, err = overrideDuration(fileCfg.StuckThreshold, "stuck_threshold", cfg.StuckThreshold); err != nil {
		return err
	}
	if cfg.ReconcileInterval, err = overrideDuration(fileCfg.ReconcileInterval, "reconcile_interval", cfg.ReconcileInterval); err != nil {
		return err
	}
	if cfg.JanitorInterval, err = overrideDuration(fileCfg.JanitorInterval, "janitor_interval", cfg.JanitorInterval); err != nil {
		return err
	}
	if cfg.BackupWaitTimeout, err = overrideDuration(fileCfg.BackupWaitTimeout, "backup_wait_timeout", cfg.BackupWaitTimeout); err != nil {
		return err
	}
	if cfg.TemplateDownloadTimeout, err = overrideDuration(fileCfg.TemplateDownloadTimeout, "template_download_timeout", cfg.TemplateDownloadTimeout); err != nil {
		return err
	}
	if cfg.ComposePullTimeout, err = overrideDuration(fileCfg.ComposePullTimeout, "compose_pull_timeout", cfg.ComposePullTimeout); err != nil {
		return err
	}
	if cfg.ComposeUpTimeout, err = overrideDuration(fileCfg.ComposeUpTimeout, "compose_up_timeout", cfg.ComposeUpTimeout); err != nil {
		return err
	}
	if fileCfg.JobMaxAttempts != nil {
		cfg.JobMaxAttempts = *fileCfg.JobMaxAttempts
	}
	if cfg.JobBackoffBase, err = overrideDuration(fileCfg.JobBackoffBase, "job_backoff_base", cfg.JobBackoffBase); err != nil {
		return err
	}
	if cfg.JobCommandTimeout, err = overrideDuration(fileCfg.JobCommandTimeout, "job_command_timeout", cfg.JobCommandTimeout); err != nil {
		return err
	}
	if fileCfg.WorkerPoolSize != nil {
		cfg.WorkerPoolSize = *fileCfg.WorkerPoolSize
	}
	return nil
}

// applyEnvConfig applies PROXORCHD_-prefixed environment variable
// overrides, taking precedence over both defaults and the YAML file.
func applyEnvConfig(cfg *Config) error {
	const prefix = "PROXORCHD_"
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(prefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := os.LookupEnv(prefix + name)
		if !ok {
			return nil
		}
		parsed, err := parseDurationField(v, strings.ToLower(name))
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	}
	intv := func(name string, dst *int) error {
		v, ok := os.LookupEnv(prefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", strings.ToLower(name), err)
		}
		*dst = n
		return nil
	}

	str("CATALOG_DIR", &cfg.CatalogDir)
	str("DATA_DIR", &cfg.DataDir)
	str("LOG_DIR", &cfg.LogDir)
	str("RUN_DIR", &cfg.RunDir)
	str("DB_PATH", &cfg.DBPath)
	str("CONTROL_LISTEN", &cfg.ControlListen)
	str("METRICS_LISTEN", &cfg.MetricsListen)
	str("AGE_KEY_PATH", &cfg.AgeKeyPath)
	str("OPERATOR_SSH_KEY_PATH", &cfg.OperatorSSHKeyPath)
	str("OPERATOR_SSH_USER", &cfg.OperatorSSHUser)
	if err := intv("OPERATOR_SSH_PORT", &cfg.OperatorSSHPort); err != nil {
		return err
	}
	str("APPLIANCE_HOST_ID", &cfg.ApplianceHostID)
	str("APPLIANCE_NODE", &cfg.ApplianceNode)
	str("APPLIANCE_LAN_CIDR", &cfg.ApplianceLANCIDR)
	str("APPLIANCE_GATEWAY", &cfg.ApplianceGateway)
	str("APPLIANCE_DHCP_START", &cfg.ApplianceDHCPStart)
	str("APPLIANCE_DHCP_END", &cfg.ApplianceDHCPEnd)
	str("APPLIANCE_DNS_DOMAIN", &cfg.ApplianceDNSDomain)

	if err := intv("PUBLIC_PORT_RANGE_START", &cfg.PublicPortRangeStart); err != nil {
		return err
	}
	if err := intv("PUBLIC_PORT_RANGE_END", &cfg.PublicPortRangeEnd); err != nil {
		return err
	}
	if err := intv("INTERNAL_PORT_RANGE_START", &cfg.InternalPortRangeStart); err != nil {
		return err
	}
	if err := intv("INTERNAL_PORT_RANGE_END", &cfg.InternalPortRangeEnd); err != nil {
		return err
	}
	if err := intv("JOB_MAX_ATTEMPTS", &cfg.JobMaxAttempts); err != nil {
		return err
	}
	if err := intv("WORKER_POOL_SIZE", &cfg.WorkerPoolSize); err != nil {
		return err
	}
	if err := dur("STUCK_THRESHOLD", &cfg.StuckThreshold); err != nil {
		return err
	}
	if err := dur("RECONCILE_INTERVAL", &cfg.ReconcileInterval); err != nil {
		return err
	}
	if err := dur("JANITOR_INTERVAL", &cfg.JanitorInterval); err != nil {
		return err
	}
	if err := dur("BACKUP_WAIT_TIMEOUT", &cfg.BackupWaitTimeout); err != nil {
		return err
	}
	if err := dur("TEMPLATE_DOWNLOAD_TIMEOUT", &cfg.TemplateDownloadTimeout); err != nil {
		return err
	}
	if err := dur("COMPOSE_PULL_TIMEOUT", &cfg.ComposePullTimeout); err != nil {
		return err
	}
	if err := dur("COMPOSE_UP_TIMEOUT", &cfg.ComposeUpTimeout); err != nil {
		return err
	}
	if err := dur("JOB_BACKOFF_BASE", &cfg.JobBackoffBase); err != nil {
		return err
	}
	if err := dur("JOB_COMMAND_TIMEOUT", &cfg.JobCommandTimeout); err != nil {
		return err
	}
	return nil
}

// Validate performs basic validation of every constant spec.md §6 names.
//
// Validation rules include:
//
//   - All path fields (catalog_dir, run_dir, data_dir, db_path) must be non-empty
//   - Listen addresses must be in host:port format; metrics_listen must be loopback-only
//   - Public and internal port ranges must be valid, non-empty, and disjoint
//   - appliance_lan_cidr must be valid CIDR, and the gateway/DHCP range must lie within it
//   - Timing constants must be positive
//   - job_max_attempts must be at least 1
//
// Returns an error describing the first validation failure encountered.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.CatalogDir == "" {
		return fmt.Errorf("catalog_dir is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.OperatorSSHKeyPath == "" {
		return fmt.Errorf("operator_ssh_key_path is required")
	}
	if c.OperatorSSHUser == "" {
		return fmt.Errorf("operator_ssh_user is required")
	}
	if c.OperatorSSHPort <= 0 || c.OperatorSSHPort > 65535 {
		return fmt.Errorf("operator_ssh_port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.ControlListen) != "" {
		if _, _, err := net.SplitHostPort(c.ControlListen); err != nil {
			return fmt.Errorf("control_listen must be host:port: %w", err)
		}
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if err := validatePortRange(c.PublicPortRangeStart, c.PublicPortRangeEnd, "public_port_range"); err != nil {
		return err
	}
	if err := validatePortRange(c.InternalPortRangeStart, c.InternalPortRangeEnd, "internal_port_range"); err != nil {
		return err
	}
	if rangesOverlap(c.PublicPortRangeStart, c.PublicPortRangeEnd, c.InternalPortRangeStart, c.InternalPortRangeEnd) {
		return fmt.Errorf("public_port_range and internal_port_range must not overlap")
	}
	lanNet, err := validateLANCIDR(c.ApplianceLANCIDR)
	if err != nil {
		return err
	}
	if err := validateIPInCIDR(lanNet, c.ApplianceGateway, "appliance_gateway"); err != nil {
		return err
	}
	if err := validateIPInCIDR(lanNet, c.ApplianceDHCPStart, "appliance_dhcp_start"); err != nil {
		return err
	}
	if err := validateIPInCIDR(lanNet, c.ApplianceDHCPEnd, "appliance_dhcp_end"); err != nil {
		return err
	}
	if c.ApplianceDNSDomain == "" {
		return fmt.Errorf("appliance_dns_domain is required")
	}
	if c.StuckThreshold <= 0 {
		return fmt.Errorf("stuck_threshold must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitor_interval must be positive")
	}
	if c.BackupWaitTimeout <= 0 {
		return fmt.Errorf("backup_wait_timeout must be positive")
	}
	if c.TemplateDownloadTimeout <= 0 {
		return fmt.Errorf("template_download_timeout must be positive")
	}
	if c.ComposePullTimeout <= 0 {
		return fmt.Errorf("compose_pull_timeout must be positive")
	}
	if c.ComposeUpTimeout <= 0 {
		return fmt.Errorf("compose_up_timeout must be positive")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("job_max_attempts must be at least 1")
	}
	if c.JobBackoffBase <= 0 {
		return fmt.Errorf("job_backoff_base must be positive")
	}
	if c.JobCommandTimeout <= 0 {
		return fmt.Errorf("job_command_timeout must be positive")
	}
	if c.WorkerPoolSize < 0 {
		return fmt.Errorf("worker_pool_size must be non-negative")
	}
	return nil
}

func validatePortRange(start, end int, field string) error {
	if start <= 0 || start > 65535 {
		return fmt.Errorf("%s_start must be a valid port", field)
	}
	if end <= 0 || end > 65535 {
		return fmt.Errorf("%s_end must be a valid port", field)
	}
	if start > end {
		return fmt.Errorf("%s_start must not exceed %s_end", field, field)
	}
	return nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd int) bool {
	return aStart <= bEnd && bStart <= aEnd
}

func validateLANCIDR(cidr string) (*net.IPNet, error) {
	if cidr == "" {
		return nil, fmt.Errorf("appliance_lan_cidr is required")
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("appliance_lan_cidr must be valid CIDR: %w", err)
	}
	return ipNet, nil
}

func validateIPInCIDR(ipNet *net.IPNet, value, field string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return fmt.Errorf("%s must be a valid IP address", field)
	}
	if !ipNet.Contains(ip) {
		return fmt.Errorf("%s %s is not within appliance_lan_cidr %s", field, value, ipNet.String())
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func overrideDuration(raw, field string, current time.Duration) (time.Duration, error) {
	if raw == "" {
		return current, nil
	}
	return parseDurationField(raw, field)
}

func parseDurationField(value, field string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("%s must be non-negative", field)
	}
	return dur, nil
}
