package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	sql := "-- 注释\nCREATE TABLE a (id INT);\n\nINSERT INTO a VALUES ('x;y');\n-- 尾部注释\n"
	stmts := splitStatements(sql)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INT)", stmts[0])
	assert.Equal(t, "INSERT INTO a VALUES ('x;y')", stmts[1])
}

func TestEmbeddedMigrations(t *testing.T) {
	for _, dbType := range []string{"postgres", "mysql"} {
		t.Run(dbType, func(t *testing.T) {
			up, err := loadMigration(dbType, "up")
			require.NoError(t, err)
			stmts := splitStatements(up)
			assert.NotEmpty(t, stmts)
			assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS tenants"))
			assert.Contains(t, up, "email_processing_transactions")

			down, err := loadMigration(dbType, "down")
			require.NoError(t, err)
			assert.Len(t, splitStatements(down), 10)
		})
	}

	_, err := loadMigration("sqlite", "up")
	assert.Error(t, err)
	_, err = loadMigration("postgres", "sideways")
	assert.Error(t, err)
}
