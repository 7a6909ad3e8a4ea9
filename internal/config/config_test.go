package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.yaml")
	data := `
service:
  environment: production
server:
  port: 8100
  grpc_port: 9100
scheduler:
  tick_interval: 2m
storage:
  driver: memory
directory:
  source: static
  roles:
    CFO: [u-cfo]
    DEPARTMENT_HEAD: [u-dh1, u-dh2]
  inactive_users: [u-gone]
catalog:
  seed_file: workflows.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Service.Environment)
	assert.Equal(t, "be-proc-approvals", cfg.Service.Name)
	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, 9100, cfg.Server.GRPCPort)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, []string{"u-dh1", "u-dh2"}, cfg.Directory.Roles["DEPARTMENT_HEAD"])
	assert.Equal(t, []string{"u-gone"}, cfg.Directory.InactiveUsers)
	assert.Equal(t, "workflows.yaml", cfg.Catalog.SeedFile)
	// untouched sections keep defaults
	assert.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	t.Setenv("HTTP_PORT", "8200")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("SCHEDULER_TICK_INTERVAL", "30s")
	t.Setenv("NATS_ENABLED", "true")
	t.Setenv("NATS_URL", "nats://bus:4222")

	cfg, err := Load()
	require.Error(t, err, "postgres directory needs postgres storage")

	t.Setenv("STORAGE_DRIVER", "postgres")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
}

func TestValidate(t *testing.T) {
	type testCase struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}

	tests := []testCase{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "tick too slow",
			mutate:  func(c *Config) { c.Scheduler.TickInterval = 2 * time.Hour },
			wantErr: true,
		},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Storage.Driver = "sqlite" },
			wantErr: true,
		},
		{
			name:    "same ports",
			mutate:  func(c *Config) { c.Server.GRPCPort = c.Server.Port },
			wantErr: true,
		},
		{
			name: "memory with static directory",
			mutate: func(c *Config) {
				c.Storage.Driver = StorageMemory
				c.Directory.Source = DirectoryStatic
			},
		},
		{
			name: "nats without url",
			mutate: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = ""
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
