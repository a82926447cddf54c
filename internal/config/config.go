// Package config loads the gateway configuration from a YAML file and
// GATEWAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/identity"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_LOG_LEVEL.
const EnvPrefix = "GATEWAY"

type Config struct {
	Log      LogConfig       `mapstructure:"log"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Spool    SpoolConfig     `mapstructure:"spool"`
	Journal  JournalConfig   `mapstructure:"journal"`
	Archive  ArchiveConfig   `mapstructure:"archive"`
	Forward  ForwardConfig   `mapstructure:"forward"`
	SMTP     SMTPConfig      `mapstructure:"smtp"`
	Projects []ProjectConfig `mapstructure:"projects"`
	Profiles []string        `mapstructure:"profiles"`
	Nodes    []NodeConfig    `mapstructure:"nodes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// SpoolConfig is the inbound folder filled by the DICOM receivers.
type SpoolConfig struct {
	Dir         string        `mapstructure:"dir"`
	Settle      time.Duration `mapstructure:"settle"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// JournalConfig locates the retry journals of the spool and the puller.
type JournalConfig struct {
	File        string `mapstructure:"file"`
	ArchiveFile string `mapstructure:"archive_file"`
	ErrorLog    string `mapstructure:"error_log"`
}

// ArchiveConfig enables the puller when URL is set.
type ArchiveConfig struct {
	URL         string        `mapstructure:"url"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type ForwardConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	CallingAET  string        `mapstructure:"calling_aet"`
	StoreSCU    string        `mapstructure:"storescu"`
	TempDir     string        `mapstructure:"temp_dir"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SMTPConfig enables notification e-mails when Host is set.
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	From     string        `mapstructure:"from"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Tick     time.Duration `mapstructure:"tick"`
}

// ProjectConfig ties a secret to a profile. Secret is 32 hex characters.
type ProjectConfig struct {
	Name    string `mapstructure:"name"`
	Secret  string `mapstructure:"secret"`
	Profile string `mapstructure:"profile"`
}

type NodeConfig struct {
	AETitle      string              `mapstructure:"aet"`
	Description  string              `mapstructure:"description"`
	Sources      []SourceConfig      `mapstructure:"sources"`
	Destinations []DestinationConfig `mapstructure:"destinations"`
}

type SourceConfig struct {
	AETitle  string `mapstructure:"aet"`
	Hostname string `mapstructure:"hostname"`
}

type DestinationConfig struct {
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Type        string   `mapstructure:"type"`
	Active      *bool    `mapstructure:"active"`
	SOPClasses  []string `mapstructure:"sop_classes"`

	// dicom
	AETitle string `mapstructure:"aet"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`

	// stow
	URL         string            `mapstructure:"url"`
	Auth        string            `mapstructure:"auth"`
	Credentials string            `mapstructure:"credentials"`
	Headers     map[string]string `mapstructure:"headers"`

	Timeout       time.Duration   `mapstructure:"timeout"`
	Project       string          `mapstructure:"project"`
	DefaultIssuer string          `mapstructure:"default_issuer"`
	Pseudonym     PseudonymConfig `mapstructure:"pseudonym"`
	Notify        NotifyConfig    `mapstructure:"notify"`
}

// IsActive defaults to true when active is omitted.
func (d DestinationConfig) IsActive() bool {
	return d.Active == nil || *d.Active
}

type PseudonymConfig struct {
	Policy        string `mapstructure:"policy"`
	AsPatientName bool   `mapstructure:"as_patient_name"`
	Tag           string `mapstructure:"tag"`
	Delimiter     string `mapstructure:"delimiter"`
	Position      int    `mapstructure:"position"`
	ExternalFile  string `mapstructure:"external_file"`
}

type NotifyConfig struct {
	Recipients     []string      `mapstructure:"recipients"`
	ErrorPrefix    string        `mapstructure:"error_prefix"`
	SubjectPattern string        `mapstructure:"subject_pattern"`
	SubjectValues  []string      `mapstructure:"subject_values"`
	Interval       time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("spool.dir", "spool")
	v.SetDefault("spool.settle", 2*time.Second)
	v.SetDefault("spool.interval", time.Minute)
	v.SetDefault("spool.max_attempts", 10)
	v.SetDefault("journal.file", "journal.json")
	v.SetDefault("journal.archive_file", "archive-journal.json")
	v.SetDefault("journal.error_log", "errors.log")
	v.SetDefault("archive.url", "")
	v.SetDefault("archive.interval", time.Minute)
	v.SetDefault("archive.timeout", 30*time.Second)
	v.SetDefault("archive.max_attempts", 10)
	v.SetDefault("forward.concurrency", 4)
	v.SetDefault("forward.calling_aet", "DICOM-GATEWAY")
	v.SetDefault("forward.storescu", "")
	v.SetDefault("forward.temp_dir", "")
	v.SetDefault("forward.timeout", 30*time.Second)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.from", "dicom-gateway@localhost")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.tick", 30*time.Second)
}

// Load reads path (optional) and applies environment overrides. Relative
// profile and pseudonym files are resolved against the directory of path.
// The result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, gwerr.Wrap(gwerr.KindConfiguration, "config.load", fmt.Errorf("read %s: %w", path, err))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, gwerr.Wrap(gwerr.KindConfiguration, "config.load", fmt.Errorf("unmarshal config: %w", err))
	}
	if path != "" {
		cfg.resolve(filepath.Dir(path))
	}
	return cfg, nil
}

func (c *Config) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for i := range c.Profiles {
		c.Profiles[i] = abs(c.Profiles[i])
	}
	for i := range c.Nodes {
		for j := range c.Nodes[i].Destinations {
			d := &c.Nodes[i].Destinations[j]
			d.Pseudonym.ExternalFile = abs(d.Pseudonym.ExternalFile)
		}
	}
}

// Validate reports every problem found, joined into one configuration error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		fail("log.format must be \"json\" or \"console\", got %q", c.Log.Format)
	}
	if c.Forward.Concurrency < 1 {
		fail("forward.concurrency must be at least 1")
	}
	if c.Archive.URL != "" && c.Archive.Interval <= 0 {
		fail("archive.interval must be positive")
	}
	if c.Spool.Dir != "" {
		if fi, err := os.Stat(c.Spool.Dir); err == nil && !fi.IsDir() {
			fail("spool.dir %s is not a directory", c.Spool.Dir)
		}
	}

	projects := make(map[string]bool)
	for i, p := range c.Projects {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			fail("projects[%d]: name is required", i)
			continue
		case projects[name]:
			fail("project %q is defined twice", name)
		}
		projects[name] = true
		if _, err := identity.ParseKey(p.Secret); err != nil {
			fail("project %q: %w", name, err)
		}
	}

	nodes := make(map[string]bool)
	destinations := make(map[string]bool)
	for i, n := range c.Nodes {
		aet := strings.TrimSpace(n.AETitle)
		switch {
		case aet == "":
			fail("nodes[%d]: aet is required", i)
		case len(aet) > 16:
			fail("node %q: AE title longer than 16 characters", aet)
		case nodes[aet]:
			fail("node %q is defined twice", aet)
		}
		nodes[aet] = true
		for j, s := range n.Sources {
			if strings.TrimSpace(s.AETitle) == "" {
				fail("node %q: sources[%d]: aet is required", aet, j)
			}
		}
		for j, d := range n.Destinations {
			if d.Name == "" {
				fail("node %q: destinations[%d]: name is required", aet, j)
				continue
			}
			if destinations[d.Name] {
				fail("destination %q is defined twice", d.Name)
			}
			destinations[d.Name] = true
			for _, err := range c.validateDestination(d, projects) {
				fail("destination %q: %w", d.Name, err)
			}
		}
	}

	if len(errs) > 0 {
		return gwerr.Wrap(gwerr.KindConfiguration, "config.validate", errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateDestination(d DestinationConfig, projects map[string]bool) []error {
	var errs []error
	switch forward.Type(d.Type) {
	case forward.TypeDICOM:
		if d.AETitle == "" || d.Host == "" || d.Port <= 0 {
			errs = append(errs, errors.New("dicom destination needs aet, host and port"))
		}
	case forward.TypeSTOW:
		if d.URL == "" {
			errs = append(errs, errors.New("stow destination needs url"))
		}
		auth, err := forward.ParseAuth(d.Auth)
		if err != nil {
			errs = append(errs, err)
		} else if auth == forward.AuthBasic && !strings.Contains(d.Credentials, ":") {
			errs = append(errs, errors.New("basic auth needs credentials as user:password"))
		}
	default:
		errs = append(errs, fmt.Errorf("type must be %q or %q, got %q", forward.TypeDICOM, forward.TypeSTOW, d.Type))
	}

	if d.Project != "" && !projects[d.Project] {
		errs = append(errs, fmt.Errorf("unknown project %q", d.Project))
	}
	policy, err := identity.ParsePolicy(d.Pseudonym.Policy)
	if err != nil {
		errs = append(errs, err)
	}
	switch policy {
	case identity.PolicyInTag:
		if _, err := dcm.ParseTag(d.Pseudonym.Tag); err != nil {
			errs = append(errs, fmt.Errorf("pseudonym tag: %w", err))
		}
		if d.Pseudonym.Position < 0 {
			errs = append(errs, errors.New("pseudonym position must not be negative"))
		}
	case identity.PolicyExternal:
		if d.Pseudonym.ExternalFile == "" {
			errs = append(errs, errors.New("external pseudonym policy needs external_file"))
		}
	}
	if len(d.Notify.Recipients) > 0 && c.SMTP.Host == "" {
		errs = append(errs, errors.New("notify recipients need smtp.host"))
	}
	return errs
}
