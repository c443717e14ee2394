package repack

import (
	"fmt"
	"gopkg.in/yaml.v2"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultBootstrapDbname = "postgres"
	defaultWaitTimeout     = 60 * time.Second
)

// Config defines a reorganization run: what to connect to, which tables to
// rebuild and in what order to rewrite their rows.
type Config struct {
	Dbname       string        // database to reorganize; unused in all-databases mode, which bootstraps from postgres
	Host         string        // connection host, empty means libpq environment defaults
	Port         int           // connection port, 0 means libpq environment defaults
	Username     string        // connection user, empty means libpq environment defaults
	Password     string        // connection password, only ever taken from the config file
	AllDatabases bool          // reorganize every connectable database
	Table        string        // restrict the run to one qualified relation name
	NoOrder      bool          // rewrite without ORDER BY (storage compaction only)
	OrderBy      string        // user-supplied ordering expression
	WaitTimeout  time.Duration // deadline before conflicting backends are canceled, doubled before termination
	NoAnalyze    bool          // skip the final ANALYZE
}

// FileConfig is the optional config file with connection defaults. Explicit
// flags win over file values.
type FileConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	WaitTimeout int    `yaml:"wait_timeout"`
}

// NewFileConfig reads and parses the config file.
func NewFileConfig(path string) (*FileConfig, error) {
	content, err := ioutil.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	config := FileConfig{}
	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}

// Merge fills unset connection settings from the file config.
func (c *Config) Merge(fc *FileConfig) {
	if fc == nil {
		return
	}
	if c.Host == "" {
		c.Host = fc.Host
	}
	if c.Port == 0 {
		c.Port = fc.Port
	}
	if c.Username == "" {
		c.Username = fc.Username
	}
	if c.Password == "" {
		c.Password = fc.Password
	}
	if c.WaitTimeout == 0 && fc.WaitTimeout > 0 {
		c.WaitTimeout = time.Duration(fc.WaitTimeout) * time.Second
	}
}

// Validate checks configuration for invalid combinations and sets defaults.
func (c *Config) Validate() error {
	if c.AllDatabases && c.Table != "" {
		return fmt.Errorf("cannot reorganize a specific table in all databases")
	}

	if c.NoOrder && c.OrderBy != "" {
		return fmt.Errorf("cannot specify --no-order and --order-by together")
	}

	if c.WaitTimeout == 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait timeout must be positive")
	}

	return nil
}

// orderMode derives the rewrite ordering from the flags. With no override the
// clustering key of the table defines the order.
func (c *Config) orderMode() orderMode {
	switch {
	case c.NoOrder:
		return orderNone
	case c.OrderBy != "":
		return orderByUser
	default:
		return orderByCluster
	}
}

// connString builds a DSN for the given database. Settings the user did not
// specify are left to the client library and its environment handling.
func (c *Config) connString(dbname string) string {
	parts := make([]string, 0, 5)
	if dbname != "" {
		parts = append(parts, "dbname="+dbname)
	}
	if c.Host != "" {
		parts = append(parts, "host="+c.Host)
	}
	if c.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", c.Port))
	}
	if c.Username != "" {
		parts = append(parts, "user="+c.Username)
	}
	if c.Password != "" {
		parts = append(parts, "password="+c.Password)
	}
	return strings.Join(parts, " ")
}
