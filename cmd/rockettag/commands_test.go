package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	rockettag "github.com/bradphelan/rocket-tag"
)

func run(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "rockettag.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
storage:
  data_source: `+filepath.Join(dir, "tags.sqlite")+`
log:
  level: error
types:
  profile: [skills, languages]
`), 0o600))

	run(t, "--config", cfg, "tag", "profile", "alice", "skills", "go, sql")
	run(t, "--config", cfg, "tag", "profile", "alice", "languages", "german")
	run(t, "--config", cfg, "tag", "profile", "bob", "skills", "golang, rust")
	run(t, "--config", cfg, "alias", "add", "go", "golang")

	t.Run("tags", func(t *testing.T) {
		var tags map[string][]string
		require.NoError(t, yaml.Unmarshal([]byte(run(t, "--config", cfg, "tags", "Profile", "alice")), &tags))
		assert.Equal(t, []string{"go", "sql"}, tags["skills"])
		assert.Equal(t, []string{"german"}, tags["languages"])
	})

	t.Run("aliases", func(t *testing.T) {
		var aliases []string
		require.NoError(t, yaml.Unmarshal([]byte(run(t, "--config", cfg, "alias", "ls", "golang")), &aliases))
		assert.Equal(t, []string{"go"}, aliases)
	})

	t.Run("match", func(t *testing.T) {
		var m []matchOutput
		require.NoError(t, yaml.Unmarshal([]byte(run(t, "--config", cfg, "match", "profile", "go,sql")), &m))
		assert.Equal(t, []matchOutput{{ID: "alice", Count: 2}, {ID: "bob", Count: 1}}, m)
	})

	t.Run("similar", func(t *testing.T) {
		var m []matchOutput
		require.NoError(t, yaml.Unmarshal([]byte(run(t, "--config", cfg, "similar", "profile", "bob")), &m))
		assert.Equal(t, []matchOutput{{ID: "alice", Count: 1}}, m)
	})
}

func TestParseQuery(t *testing.T) {
	t.Run("flat", func(t *testing.T) {
		q := parseQuery([]string{"go, sql", "rust"})
		assert.Equal(t, rockettag.Tags("go", "sql", "rust"), q)
	})

	t.Run("by context", func(t *testing.T) {
		q := parseQuery([]string{"skills=go,sql", "languages=german", "misc"})
		assert.Equal(t, rockettag.ByContext(map[string][]string{
			"skills":                 {"go", "sql"},
			"languages":              {"german"},
			rockettag.DefaultContext: {"misc"},
		}), q)
	})
}
