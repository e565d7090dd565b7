package settings

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var Settings *AppSettings

func setDefaults(v *viper.Viper) {
	v.SetDefault("domain", "localhost")
	v.SetDefault("port", ":8080")
	v.SetDefault("db_driver", DriverSQLite)
	v.SetDefault("db_dsn", "file:.///db.sqlite")
	v.SetDefault("blob_dir", "./cache")
	v.SetDefault("config_path", "config.json")
	v.SetDefault("policy_path", "policy.yml")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "simplecd.events")
	v.SetDefault("docker_enabled", false)
	v.SetDefault("docker_agent_image", "ghcr.io/haatos/simple-cd-agent:latest")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// NewSettings reads settings from viper. Every key can be provided as an
// environment variable with the SIMPLECD_ prefix, e.g. SIMPLECD_DB_DSN.
func NewSettings(v *viper.Viper) *AppSettings {
	setDefaults(v)
	v.SetEnvPrefix("SIMPLECD")
	v.AutomaticEnv()

	settings := AppSettings{
		Domain:           v.GetString("domain"),
		Port:             v.GetString("port"),
		DBDriver:         v.GetString("db_driver"),
		DBDsn:            v.GetString("db_dsn"),
		BlobDir:          v.GetString("blob_dir"),
		ConfigPath:       v.GetString("config_path"),
		PolicyPath:       v.GetString("policy_path"),
		NATSURL:          v.GetString("nats_url"),
		NATSSubject:      v.GetString("nats_subject"),
		DockerEnabled:    v.GetBool("docker_enabled"),
		DockerAgentImage: v.GetString("docker_agent_image"),
		HashKey:          v.GetString("hash_key"),
		BlockKey:         v.GetString("block_key"),
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

type AppSettings struct {
	Domain           string
	Port             string
	DBDriver         string
	DBDsn            string
	BlobDir          string
	ConfigPath       string
	PolicyPath       string
	NATSURL          string
	NATSSubject      string
	DockerEnabled    bool
	DockerAgentImage string
	HashKey          string
	BlockKey         string
	LogLevel         string
	LogFormat        string
}

func (as *AppSettings) BaseURL() string {
	if as.Domain == "localhost" {
		return fmt.Sprintf("http://%s%s", as.Domain, as.Port)
	} else {
		return fmt.Sprintf("https://%s", as.Domain)
	}
}

// SQLDriverName is the database/sql driver registered for DBDriver.
func (as *AppSettings) SQLDriverName() string {
	if as.DBDriver == DriverPostgres {
		return "pgx"
	}
	return "sqlite"
}

// GooseDialect is the migration dialect for DBDriver.
func (as *AppSettings) GooseDialect() string {
	if as.DBDriver == DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (as *AppSettings) DatabaseString(readonly bool) string {
	if as.DBDriver == DriverPostgres {
		return as.DBDsn
	}
	return as.SQLiteDbString(readonly)
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.DBDsn + "?" + params.Encode()
}

func ReadDotenv(path string) error {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			name, value, _ := strings.Cut(string(line), "=")
			name = strings.TrimSpace(name)
			value = strings.TrimSpace(value)
			value = strings.Trim(value, `"`)
			os.Setenv(name, value)
		}
	}
	return scanner.Err()
}
