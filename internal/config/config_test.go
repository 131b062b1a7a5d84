package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEmpty(t, cfg.ConfigPath)
	assert.NotEmpty(t, cfg.CatalogDir)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.RunDir)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.AgeKeyPath)
	assert.Equal(t, 30000, cfg.PublicPortRangeStart)
	assert.Equal(t, 30999, cfg.PublicPortRangeEnd)
	assert.Equal(t, 40000, cfg.InternalPortRangeStart)
	assert.Equal(t, 40999, cfg.InternalPortRangeEnd)
	assert.Equal(t, "10.20.0.0/24", cfg.ApplianceLANCIDR)
	assert.Equal(t, "10.20.0.1", cfg.ApplianceGateway)
	assert.Equal(t, "prox.local", cfg.ApplianceDNSDomain)
	assert.Equal(t, time.Hour, cfg.StuckThreshold)
	assert.Equal(t, 6*time.Hour, cfg.JanitorInterval)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.JobBackoffBase)

	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name        string
		clearValue  func(*Config)
		errContains string
	}{
		{"empty config_path", func(c *Config) { c.ConfigPath = "" }, "config_path"},
		{"empty catalog_dir", func(c *Config) { c.CatalogDir = "" }, "catalog_dir"},
		{"empty data_dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"empty run_dir", func(c *Config) { c.RunDir = "" }, "run_dir"},
		{"empty db_path", func(c *Config) { c.DBPath = "" }, "db_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.clearValue(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidatePortRanges(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Config)
		errContains string
	}{
		{
			name: "public range start after end",
			setup: func(c *Config) {
				c.PublicPortRangeStart = 31000
				c.PublicPortRangeEnd = 30000
			},
			errContains: "public_port_range",
		},
		{
			name: "public and internal ranges overlap",
			setup: func(c *Config) {
				c.InternalPortRangeStart = 30500
				c.InternalPortRangeEnd = 30600
			},
			errContains: "overlap",
		},
		{
			name: "port out of range",
			setup: func(c *Config) {
				c.PublicPortRangeEnd = 70000
			},
			errContains: "public_port_range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setup(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidateApplianceNetwork(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Config)
		wantErr     bool
		errContains string
	}{
		{
			name:    "default appliance network is valid",
			setup:   func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid CIDR",
			setup: func(c *Config) {
				c.ApplianceLANCIDR = "not-a-cidr"
			},
			wantErr:     true,
			errContains: "appliance_lan_cidr",
		},
		{
			name: "gateway outside LAN",
			setup: func(c *Config) {
				c.ApplianceGateway = "192.168.1.1"
			},
			wantErr:     true,
			errContains: "appliance_gateway",
		},
		{
			name: "dhcp range outside LAN",
			setup: func(c *Config) {
				c.ApplianceDHCPStart = "172.16.0.100"
			},
			wantErr:     true,
			errContains: "appliance_dhcp_start",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setup(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMetricsListen(t *testing.T) {
	tests := []struct {
		name          string
		metricsListen string
		wantErr       bool
	}{
		{"localhost is allowed", "localhost:9090", false},
		{"127.0.0.1 is allowed", "127.0.0.1:9090", false},
		{"IPv6 loopback is allowed", "[::1]:9090", false},
		{"empty is allowed", "", false},
		{"0.0.0.0 is not allowed", "0.0.0.0:9090", true},
		{"non-loopback address is not allowed", "10.20.0.1:9090", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MetricsListen = tt.metricsListen
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "metrics_listen")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTimingConstants(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Config)
		errContains string
	}{
		{"zero stuck threshold", func(c *Config) { c.StuckThreshold = 0 }, "stuck_threshold"},
		{"negative reconcile interval", func(c *Config) { c.ReconcileInterval = -1 }, "reconcile_interval"},
		{"zero janitor interval", func(c *Config) { c.JanitorInterval = 0 }, "janitor_interval"},
		{"zero job max attempts", func(c *Config) { c.JobMaxAttempts = 0 }, "job_max_attempts"},
		{"negative worker pool size", func(c *Config) { c.WorkerPoolSize = -1 }, "worker_pool_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setup(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/prox-orchd/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.PublicPortRangeStart)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PROXORCHD_DATA_DIR", "/tmp/prox-orchd-data")
	t.Setenv("PROXORCHD_JOB_MAX_ATTEMPTS", "5")
	t.Setenv("PROXORCHD_STUCK_THRESHOLD", "30m")

	cfg, err := Load("/nonexistent/prox-orchd/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/prox-orchd-data", cfg.DataDir)
	assert.Equal(t, 5, cfg.JobMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.StuckThreshold)
}

func TestLoadRejectsInvalidEnvDuration(t *testing.T) {
	t.Setenv("PROXORCHD_STUCK_THRESHOLD", "not-a-duration")
	_, err := Load("/nonexistent/prox-orchd/config.yaml")
	require.Error(t, err)
}

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"10.20.0.1", false},
		{"example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, isLoopbackHost(tt.host))
		})
	}
}
