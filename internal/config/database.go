package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultSSLMode         = "require"
)

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the minimum number of idle connections kept in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from PIM_SYNC_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	password, err := readSecret(d.PasswordFile, EnvPrefix+"_DATABASE_PASSWORD")
	if err != nil {
		return "", fmt.Errorf("database password: %w", err)
	}
	return password, nil
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	if d.Host == "" || d.User == "" || d.Database == "" {
		return "", fmt.Errorf("database host, user and database are required")
	}

	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetMaxOpenConns returns the pool size
func (d *DatabaseConfig) GetMaxOpenConns() int32 {
	if d.MaxOpenConns <= 0 {
		return defaultMaxOpenConns
	}
	return d.MaxOpenConns
}

// GetMaxIdleConns returns the minimum number of pooled connections
func (d *DatabaseConfig) GetMaxIdleConns() int32 {
	if d.MaxIdleConns <= 0 {
		return defaultMaxIdleConns
	}
	return d.MaxIdleConns
}

// GetConnMaxLifetime returns the connection lifetime
func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return durationOr(d.ConnMaxLifetime, defaultConnMaxLifetime)
}
