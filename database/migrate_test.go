package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Embedded(t *testing.T) {
	t.Parallel()

	names, err := fs.Glob(Migrations(), "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for _, name := range names {
		data, err := fs.ReadFile(Migrations(), name)
		require.NoError(t, err)
		sql := string(data)
		assert.Contains(t, sql, "-- +goose Up", name)
		assert.Contains(t, sql, "-- +goose Down", name)
	}
}

func TestMigrations_Schema(t *testing.T) {
	t.Parallel()

	data, err := fs.ReadFile(Migrations(), "00001_init.sql")
	require.NoError(t, err)
	sql := string(data)

	up := sql[:strings.Index(sql, "-- +goose Down")]
	assert.Contains(t, up, "PRIMARY KEY (product_id, image_name)")
	assert.Contains(t, up, "CHECK (NOT is_uploaded OR is_optimized)")
	assert.Contains(t, up, "PRIMARY KEY (pass, item_id)")
}
