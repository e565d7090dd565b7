package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/util"
	"github.com/rs/zerolog/log"
)

// Duration is a time.Duration encoded as a Go duration string, e.g. "10m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Configuration holds the engine tunables read from config.json.
type Configuration struct {
	AgentWaitTimeout   Duration         `json:"agent_wait_timeout"`
	ProvisionTimeout   Duration         `json:"provision_timeout"`
	ScaleUpDebounce    Duration         `json:"scale_up_debounce"`
	ScaleUpThreshold   int              `json:"scale_up_threshold"`
	ScaleDownCooldown  Duration         `json:"scale_down_cooldown"`
	LivenessThreshold  Duration         `json:"liveness_threshold"`
	ReconcileInterval  Duration         `json:"reconcile_interval"`
	MaxRunningJobs     int64            `json:"max_running_jobs"`
	DefaultMaxParallel int64            `json:"default_max_parallel"`
	InfraRetries       uint64           `json:"infra_retries"`
	InfraRetryBackoff  Duration         `json:"infra_retry_backoff"`
	CredentialTTL      Duration         `json:"credential_ttl"`
	CredentialMaxTTL   Duration         `json:"credential_max_ttl"`
	SweepInterval      Duration         `json:"sweep_interval"`
	CacheBudgetBytes   int64            `json:"cache_budget_bytes"`
	CacheBudgets       map[string]int64 `json:"cache_budgets,omitempty"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		AgentWaitTimeout:   Duration(10 * time.Minute),
		ProvisionTimeout:   Duration(5 * time.Minute),
		ScaleUpDebounce:    Duration(2 * time.Minute),
		ScaleUpThreshold:   0,
		ScaleDownCooldown:  Duration(5 * time.Minute),
		LivenessThreshold:  Duration(90 * time.Second),
		ReconcileInterval:  Duration(15 * time.Second),
		MaxRunningJobs:     32,
		DefaultMaxParallel: 4,
		InfraRetries:       2,
		InfraRetryBackoff:  Duration(5 * time.Second),
		CredentialTTL:      Duration(15 * time.Minute),
		CredentialMaxTTL:   Duration(time.Hour),
		SweepInterval:      Duration(time.Minute),
		CacheBudgetBytes:   10 << 30,
	}
}

// InitializeConfiguration reads the configuration at path, writing the
// defaults there first when the file does not exist.
func InitializeConfiguration(path string) (*Configuration, error) {
	config := DefaultConfiguration()

	configFileExists, _ := util.PathExists(path)
	if !configFileExists {
		log.Info().Str("path", path).Msg("writing default configuration")
		return config, UpdateConfiguration(path, config)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func UpdateConfiguration(path string, config *Configuration) error {
	b, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Configuration) Validate() error {
	switch {
	case c.AgentWaitTimeout <= 0:
		return fmt.Errorf("agent_wait_timeout must be positive")
	case c.MaxRunningJobs <= 0:
		return fmt.Errorf("max_running_jobs must be positive")
	case c.CredentialTTL > c.CredentialMaxTTL:
		return fmt.Errorf("credential_ttl exceeds credential_max_ttl")
	case c.ReconcileInterval <= 0 || c.SweepInterval <= 0:
		return fmt.Errorf("reconcile_interval and sweep_interval must be positive")
	}
	return nil
}

func (c *Configuration) PoolConfig() pool.Config {
	return pool.Config{
		ProvisionTimeout:  c.ProvisionTimeout.Std(),
		ScaleUpDebounce:   c.ScaleUpDebounce.Std(),
		ScaleUpThreshold:  c.ScaleUpThreshold,
		ScaleDownCooldown: c.ScaleDownCooldown.Std(),
		LivenessThreshold: c.LivenessThreshold.Std(),
	}
}
