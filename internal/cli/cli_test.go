package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tweetkb/internal/config"
)

func TestDatabaseDSN(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.ProjectRoot = "/srv/tweetkb"
	cfg.Storage.DatabaseURL = "data/tweetkb.db"
	assert.Equal(t, "/srv/tweetkb/data/tweetkb.db", databaseDSN(cfg))

	cfg.Storage.DatabaseURL = "/var/lib/tweetkb.db"
	assert.Equal(t, "/var/lib/tweetkb.db", databaseDSN(cfg))

	cfg.Storage.DatabaseURL = "postgres://u:p@localhost/tweetkb"
	assert.Equal(t, "postgres://u:p@localhost/tweetkb", databaseDSN(cfg))
}

func TestExactArgsMarksMisuse(t *testing.T) {
	check := exactArgs(1)
	err := check(rootCmd, []string{})
	require.Error(t, err)
	var mis *misuseError
	assert.ErrorAs(t, err, &mis)

	assert.NoError(t, check(rootCmd, []string{"one"}))
}
