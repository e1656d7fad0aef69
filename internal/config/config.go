// Package config binds the coordinator's environment variables using viper,
// paired with pflag for overridable defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/LumeWeb/topology-coordinator/internal/errs"
)

// Config is the coordinator's full runtime configuration.
type Config struct {
	EtcdEndpoints []string
	EtcdUser      string
	EtcdPass      string

	ReplUsername string
	ReplPassword string

	ProxyAdminUser   string
	ProxyAdminPass   string
	ProxyAdminAddr   string
	ProxyMonitorUser string
	ProxyMonitorPass string

	CheckInterval        time.Duration
	PromotionGracePeriod time.Duration
	MaxAge               time.Duration
	ProbeTimeout         time.Duration

	WriterHostgroup     int
	ReaderHostgroup     int
	MaxConcurrentProbes int

	Debug  bool
	DryRun bool

	HTTPListenAddr string
}

// Load reads the environment, applying documented defaults, and returns a
// validated Config. A missing required variable is reported as
// errs.ConfigInvalid, which is fatal at startup.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	flags := pflag.NewFlagSet("topology-coordinator", pflag.ContinueOnError)
	flags.Duration("check-interval", 5*time.Second, "reconciliation tick period")
	flags.Duration("promotion-grace-period", 30*time.Second, "how long to suppress master validation after a promotion")
	flags.Duration("max-age", 300*time.Second, "stale NodeRecord threshold")
	flags.Int("writer-hostgroup", 10, "ProxySQL writer hostgroup id")
	flags.Int("reader-hostgroup", 20, "ProxySQL reader hostgroup id")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("dry-run", false, "run every reconciliation stage except the ones that mutate external state")
	flags.String("http-listen-addr", ":8080", "status API listen address")
	flags.String("proxysql-admin-addr", "127.0.0.1:6032", "ProxySQL administrative interface address")
	flags.Duration("probe-timeout", 3*time.Second, "per-probe hard deadline")
	flags.Int("max-concurrent-probes", 16, "bounded worker pool size for the health sweep")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	_ = v.BindPFlags(flags)

	v.SetDefault("CHECK_INTERVAL", v.GetDuration("check-interval"))
	v.SetDefault("PROMOTION_GRACE_PERIOD", v.GetDuration("promotion-grace-period"))
	v.SetDefault("MAX_AGE", v.GetDuration("max-age"))
	v.SetDefault("WRITER_HOSTGROUP", v.GetInt("writer-hostgroup"))
	v.SetDefault("READER_HOSTGROUP", v.GetInt("reader-hostgroup"))

	cfg := &Config{
		EtcdUser:             v.GetString("ETCDCTL_USER"),
		ReplUsername:         v.GetString("MYSQL_REPL_USERNAME"),
		ReplPassword:         v.GetString("MYSQL_REPL_PASSWORD"),
		ProxyAdminUser:       v.GetString("PROXYSQL_ADMIN_USER"),
		ProxyAdminPass:       v.GetString("PROXYSQL_ADMIN_PASSWORD"),
		ProxyAdminAddr:       v.GetString("proxysql-admin-addr"),
		ProxyMonitorUser:     v.GetString("PROXYSQL_MONITOR_USER"),
		ProxyMonitorPass:     v.GetString("PROXYSQL_MONITOR_PASSWORD"),
		CheckInterval:        durationSeconds(v, "CHECK_INTERVAL"),
		PromotionGracePeriod: durationSeconds(v, "PROMOTION_GRACE_PERIOD"),
		MaxAge:               durationSeconds(v, "MAX_AGE"),
		ProbeTimeout:         v.GetDuration("probe-timeout"),
		WriterHostgroup:      intOrDefault(v, "WRITER_HOSTGROUP", 10),
		ReaderHostgroup:      intOrDefault(v, "READER_HOSTGROUP", 20),
		MaxConcurrentProbes:  v.GetInt("max-concurrent-probes"),
		Debug:                v.GetBool("debug"),
		DryRun:               v.GetBool("dry-run"),
		HTTPListenAddr:       v.GetString("http-listen-addr"),
	}

	if endpoints := v.GetString("ETCDCTL_ENDPOINTS"); endpoints != "" {
		cfg.EtcdEndpoints = strings.Split(endpoints, ",")
	}
	if user := v.GetString("ETCDCTL_USER"); user != "" {
		parts := strings.SplitN(user, ":", 2)
		cfg.EtcdUser = parts[0]
		if len(parts) == 2 {
			cfg.EtcdPass = parts[1]
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationSeconds reads a viper value that may come in as a bare integer
// (e.g. "CHECK_INTERVAL=5", documented as plain seconds) or as a Go
// duration string set via our own SetDefault. Bare integers are
// interpreted as seconds.
func durationSeconds(v *viper.Viper, key string) time.Duration {
	raw := v.GetString(key)
	if raw == "" {
		return v.GetDuration(key)
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return v.GetDuration(key)
}

func intOrDefault(v *viper.Viper, key string, def int) int {
	if n := v.GetInt(key); n != 0 {
		return n
	}
	return def
}

func (c *Config) validate() error {
	if len(c.EtcdEndpoints) == 0 {
		return errs.New("ERR-CFG-001", errs.ConfigInvalid, nil, "ETCDCTL_ENDPOINTS")
	}
	if c.ReplUsername == "" {
		return errs.New("ERR-CFG-001", errs.ConfigInvalid, nil, "MYSQL_REPL_USERNAME")
	}
	if c.ReplPassword == "" {
		return errs.New("ERR-CFG-001", errs.ConfigInvalid, nil, "MYSQL_REPL_PASSWORD")
	}
	if c.ProxyAdminUser == "" {
		return errs.New("ERR-CFG-001", errs.ConfigInvalid, nil, "PROXYSQL_ADMIN_USER")
	}
	if c.ProxyAdminPass == "" {
		return errs.New("ERR-CFG-001", errs.ConfigInvalid, nil, "PROXYSQL_ADMIN_PASSWORD")
	}
	if c.CheckInterval <= 0 {
		return errs.New("ERR-CFG-002", errs.ConfigInvalid, nil, c.CheckInterval, "CHECK_INTERVAL")
	}
	if c.MaxAge <= 0 {
		return errs.New("ERR-CFG-002", errs.ConfigInvalid, nil, c.MaxAge, "MAX_AGE")
	}
	return nil
}
