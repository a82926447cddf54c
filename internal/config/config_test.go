package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/identity"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.Equal(t, 2*time.Second, cfg.Spool.Settle)
	assert.Equal(t, 4, cfg.Forward.Concurrency)
	assert.Empty(t, cfg.Archive.URL)
	assert.Empty(t, cfg.Nodes)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "gateway.yml"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Spool.Settle)
	assert.Equal(t, time.Minute, cfg.Spool.Interval, "unset keys keep their default")
	assert.Equal(t, 2*time.Minute, cfg.Archive.Interval)
	assert.Equal(t, filepath.Join("testdata", "profile.yml"), cfg.Profiles[0])

	require.Len(t, cfg.Nodes, 1)
	n := cfg.Nodes[0]
	assert.Equal(t, "GATEWAY", n.AETitle)
	require.Len(t, n.Sources, 2)
	assert.Equal(t, "mr01.hospital.local", n.Sources[1].Hostname)
	require.Len(t, n.Destinations, 3)

	research := n.Destinations[1]
	assert.Equal(t, 10*time.Second, research.Timeout)
	assert.Equal(t, "in-tag", research.Pseudonym.Policy)
	assert.Equal(t, 1, research.Pseudonym.Position)
	assert.Equal(t, []string{"imaging@hospital.local"}, research.Notify.Recipients)
	assert.True(t, research.IsActive())
	assert.False(t, n.Destinations[2].IsActive())
	assert.Equal(t, filepath.Join("testdata", "pseudonyms.json"), n.Destinations[2].Pseudonym.ExternalFile)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("GATEWAY_FORWARD_CONCURRENCY", "1")
	t.Setenv("GATEWAY_ARCHIVE_URL", "http://other-archive:8042")

	cfg, err := Load(filepath.Join("testdata", "gateway.yml"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 1, cfg.Forward.Concurrency)
	assert.Equal(t, "http://other-archive:8042", cfg.Archive.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.True(t, gwerr.IsConfiguration(err))
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		cfg, err := Load(filepath.Join("testdata", "gateway.yml"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero concurrency", func(c *Config) { c.Forward.Concurrency = 0 }, "forward.concurrency"},
		{"short secret", func(c *Config) { c.Projects[0].Secret = "abcd" }, `project "LUNG-01"`},
		{"duplicate project", func(c *Config) { c.Projects[1].Name = "LUNG-01" }, "defined twice"},
		{"duplicate node", func(c *Config) { c.Nodes = append(c.Nodes, NodeConfig{AETitle: "GATEWAY"}) }, `node "GATEWAY" is defined twice`},
		{"long AE title", func(c *Config) { c.Nodes[0].AETitle = "A_VERY_LONG_AE_TITLE" }, "longer than 16"},
		{"unknown type", func(c *Config) { c.Nodes[0].Destinations[0].Type = "ftp" }, "type must be"},
		{"dicom without port", func(c *Config) { c.Nodes[0].Destinations[0].Port = 0 }, "aet, host and port"},
		{"stow without url", func(c *Config) { c.Nodes[0].Destinations[1].URL = "" }, "needs url"},
		{"unknown auth", func(c *Config) { c.Nodes[0].Destinations[1].Auth = "digest" }, "auth must be"},
		{"basic without password", func(c *Config) { c.Nodes[0].Destinations[1].Credentials = "token" }, "user:password"},
		{"unknown project", func(c *Config) { c.Nodes[0].Destinations[1].Project = "NOPE" }, `unknown project "NOPE"`},
		{"bad policy", func(c *Config) { c.Nodes[0].Destinations[1].Pseudonym.Policy = "random" }, "unknown pseudonym policy"},
		{"bad tag", func(c *Config) { c.Nodes[0].Destinations[1].Pseudonym.Tag = "PatientSecret" }, "pseudonym tag"},
		{"external without file", func(c *Config) { c.Nodes[0].Destinations[2].Pseudonym.ExternalFile = "" }, "external_file"},
		{"notify without smtp", func(c *Config) { c.SMTP.Host = "" }, "smtp.host"},
		{"duplicate destination", func(c *Config) { c.Nodes[0].Destinations[2].Name = "pacs" }, `destination "pacs" is defined twice`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, gwerr.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuild(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "gateway.yml"))
	require.NoError(t, err)

	comp, err := cfg.Build(zerolog.Nop())
	require.NoError(t, err)

	assert.Contains(t, comp.Profiles, "research")
	assert.Contains(t, comp.Profiles, "Dicom Basic Profile")
	require.NotNil(t, comp.Notifier)
	require.NotNil(t, comp.Orchestrator)

	node, err := comp.Registry.Lookup("GATEWAY")
	require.NoError(t, err)
	assert.True(t, node.Authorized("CT01", ""))
	assert.False(t, node.Authorized("MR01", "elsewhere"))
	require.Len(t, node.Destinations, 3)

	pacs := node.Destinations[0]
	assert.False(t, pacs.Deidentify)
	scu, ok := pacs.Sender.(*forward.StoreSCUSender)
	require.True(t, ok)
	assert.Equal(t, "PACS", scu.SCU.CalledAET)
	assert.Equal(t, "DICOM-GATEWAY", scu.SCU.CallingAET)
	assert.Equal(t, 30, scu.SCU.Timeout)

	research := node.Destinations[1]
	assert.True(t, research.Deidentify)
	assert.Equal(t, "LUNG-01", research.Project)
	assert.Len(t, research.Secret, 16)
	assert.Equal(t, "research", research.Profile.Name())
	assert.Equal(t, identity.PolicyInTag, research.Pseudonyms.Policy())
	stow, ok := research.Sender.(*forward.StowSender)
	require.True(t, ok)
	assert.Equal(t, forward.AuthBasic, stow.Auth)
	assert.Equal(t, "user:secret", stow.Credentials)

	archive := node.Destinations[2]
	assert.False(t, archive.Active)
	assert.Equal(t, "Dicom Basic Profile", archive.Profile.Name())
	assert.Equal(t, identity.PolicyExternal, archive.Pseudonyms.Policy())
}

func TestBuild_WithoutSMTP(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Nodes = []NodeConfig{{
		AETitle:      "GATEWAY",
		Destinations: []DestinationConfig{{Name: "pacs", Type: "stow", URL: "http://pacs/studies"}},
	}}

	comp, err := cfg.Build(zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, comp.Notifier)
	assert.Len(t, comp.Registry.Nodes(), 1)
}

func TestBuild_BrokenProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: broken\nprofileElements:\n  - codename: action.on.specific.tags\n    action: Q\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Profiles = []string{path}

	_, err = cfg.Build(zerolog.Nop())
	assert.True(t, gwerr.IsConfiguration(err))
}
