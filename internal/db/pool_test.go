package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Father1993/PIM-Image-Management/internal/config"
)

func TestPoolConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *config.DatabaseConfig
		errMsg  string
		maxConn int32
		minConn int32
		life    time.Duration
	}{
		{name: "nil config", cfg: nil, errMsg: "database configuration is required"},
		{name: "missing host", cfg: &config.DatabaseConfig{User: "u", Database: "d"}, errMsg: "host is required"},
		{name: "missing user", cfg: &config.DatabaseConfig{Host: "h", Database: "d"}, errMsg: "user is required"},
		{name: "missing database", cfg: &config.DatabaseConfig{Host: "h", User: "u"}, errMsg: "name is required"},
		{
			name:    "defaults",
			cfg:     &config.DatabaseConfig{Host: "db.local", User: "sync", Database: "pim", SSLMode: "disable"},
			maxConn: 25,
			minConn: 5,
			life:    5 * time.Minute,
		},
		{
			name: "explicit pool settings",
			cfg: &config.DatabaseConfig{
				Host: "db.local", Port: 6432, User: "sync", Database: "pim", SSLMode: "disable",
				MaxOpenConns: 4, MaxIdleConns: 10, ConnMaxLifetime: "1h",
			},
			maxConn: 4,
			minConn: 4,
			life:    time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.errMsg == "" {
				path := filepath.Join(t.TempDir(), "password")
				require.NoError(t, os.WriteFile(path, []byte("s3cr3t\n"), 0o600))
				tt.cfg.PasswordFile = path
			}
			poolCfg, err := PoolConfig(tt.cfg)
			if tt.errMsg != "" {
				require.ErrorContains(t, err, tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.maxConn, poolCfg.MaxConns)
			assert.Equal(t, tt.minConn, poolCfg.MinConns)
			assert.Equal(t, tt.life, poolCfg.MaxConnLifetime)
			assert.Equal(t, tt.cfg.Host, poolCfg.ConnConfig.Host)
			assert.Equal(t, tt.cfg.Database, poolCfg.ConnConfig.Database)
			assert.Equal(t, "s3cr3t", poolCfg.ConnConfig.Password)
		})
	}
}
