package repack

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	testcases := []struct {
		name   string
		config Config
		valid  bool
	}{
		{name: "defaults", config: Config{Dbname: "mydb"}, valid: true},
		{name: "all databases", config: Config{AllDatabases: true}, valid: true},
		{name: "all plus table", config: Config{AllDatabases: true, Table: "public.t"}, valid: false},
		{name: "no-order plus order-by", config: Config{Dbname: "mydb", NoOrder: true, OrderBy: "v"}, valid: false},
		{name: "negative wait timeout", config: Config{Dbname: "mydb", WaitTimeout: -time.Second}, valid: false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	config := Config{Dbname: "mydb"}
	require.NoError(t, config.Validate())
	assert.Equal(t, 60*time.Second, config.WaitTimeout)

	config = Config{Dbname: "mydb", WaitTimeout: 10 * time.Second}
	require.NoError(t, config.Validate())
	assert.Equal(t, 10*time.Second, config.WaitTimeout)
}

func TestConfig_orderMode(t *testing.T) {
	testcases := []struct {
		name   string
		config Config
		want   orderMode
	}{
		{name: "cluster key by default", config: Config{}, want: orderByCluster},
		{name: "user ordering", config: Config{OrderBy: "id, v"}, want: orderByUser},
		{name: "no ordering", config: Config{NoOrder: true}, want: orderNone},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.config.orderMode())
		})
	}
}

func TestConfig_connString(t *testing.T) {
	testcases := []struct {
		name   string
		config Config
		dbname string
		want   string
	}{
		{name: "dbname only", config: Config{}, dbname: "mydb", want: "dbname=mydb"},
		{name: "environment defaults", config: Config{Host: "localhost"}, dbname: "", want: "host=localhost"},
		{
			name:   "all settings",
			config: Config{Host: "10.0.1.1", Port: 5433, Username: "dba", Password: "secret"},
			dbname: "postgres",
			want:   "dbname=postgres host=10.0.1.1 port=5433 user=dba password=secret",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.config.connString(tc.dbname))
		})
	}
}

func TestNewFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgrepack.yaml")
	content := []byte("host: 10.0.1.1\nport: 5433\nusername: dba\nwait_timeout: 120\n")
	require.NoError(t, ioutil.WriteFile(path, content, 0644))

	fc, err := NewFileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.1", fc.Host)
	assert.Equal(t, 5433, fc.Port)
	assert.Equal(t, "dba", fc.Username)
	assert.Equal(t, 120, fc.WaitTimeout)

	_, err = NewFileConfig(filepath.Join(dir, "absent.yaml"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, ioutil.WriteFile(path, []byte("{invalid"), 0644))
	_, err = NewFileConfig(path)
	assert.Error(t, err)
}

func TestConfig_Merge(t *testing.T) {
	fc := &FileConfig{Host: "filehost", Port: 6432, Username: "fileuser", Password: "filepass", WaitTimeout: 120}

	config := Config{Host: "flaghost", WaitTimeout: 30 * time.Second}
	config.Merge(fc)
	assert.Equal(t, "flaghost", config.Host)
	assert.Equal(t, 6432, config.Port)
	assert.Equal(t, "fileuser", config.Username)
	assert.Equal(t, "filepass", config.Password)
	assert.Equal(t, 30*time.Second, config.WaitTimeout)

	config = Config{}
	config.Merge(fc)
	assert.Equal(t, "filehost", config.Host)
	assert.Equal(t, 120*time.Second, config.WaitTimeout)

	config = Config{Host: "flaghost"}
	config.Merge(nil)
	assert.Equal(t, "flaghost", config.Host)
}
