package app

import (
	"flag"
	"os"
	"time"

	"github.com/drone/envsubst"
	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/cedricziel/errata/eventdb/backend"
	"github.com/cedricziel/errata/eventdb/backend/local"
	"github.com/cedricziel/errata/eventdb/backend/s3"
	"github.com/cedricziel/errata/eventdb/compactor"
	"github.com/cedricziel/errata/eventdb/writer"
	"github.com/cedricziel/errata/modules/asyncquery"
	"github.com/cedricziel/errata/modules/ingest"
	"github.com/cedricziel/errata/modules/query"
	"github.com/cedricziel/errata/modules/stream"
	"github.com/cedricziel/errata/pkg/cache"
	"github.com/cedricziel/errata/pkg/util"
)

type BackendConfig struct {
	Kind  string       `yaml:"kind"`
	Local local.Config `yaml:"local"`
	S3    s3.Config    `yaml:"s3"`
}

func (cfg *BackendConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Kind, util.PrefixConfig(prefix, "kind"), string(backend.KindLocal), "storage backend to use (local or s3)")
	cfg.Local.RegisterFlagsAndApplyDefaults(prefix, f)
	cfg.S3.RegisterFlagsAndApplyDefaults(prefix, f)
}

type LockConfig struct {
	Kind  string            `yaml:"kind"`
	Redis cache.RedisConfig `yaml:"redis"`
}

func (cfg *LockConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Kind, util.PrefixConfig(prefix, "kind"), "memory", "lock implementation to use (memory or redis)")
	cfg.Redis.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "redis"), f)
}

type QueryConfig struct {
	MaxFacetValues     int `yaml:"max_facet_values"`
	ExecuteConcurrency int `yaml:"execute_concurrency"`
	FacetConcurrency   int `yaml:"facet_concurrency"`
	ProcessConcurrency int `yaml:"process_concurrency"`
}

func (cfg *QueryConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxFacetValues, util.PrefixConfig(prefix, "max_facet_values"), query.DefaultValuesPerFacet, "values returned per facet.")
	f.IntVar(&cfg.ExecuteConcurrency, util.PrefixConfig(prefix, "execute_concurrency"), 2, "concurrent query executions.")
	f.IntVar(&cfg.FacetConcurrency, util.PrefixConfig(prefix, "facet_concurrency"), 4, "concurrent facet batch computations.")
	f.IntVar(&cfg.ProcessConcurrency, util.PrefixConfig(prefix, "process_concurrency"), 4, "concurrent event processors.")
}

// APIKeyConfig declares one intake key and the scope it authorizes.
type APIKeyConfig struct {
	OrganizationID string `yaml:"organization_id"`
	ProjectID      string `yaml:"project_id"`
	Environment    string `yaml:"environment"`
}

type ServerConfig struct {
	HTTPListenAddress string        `yaml:"http_listen_address"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

func (cfg *ServerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, util.PrefixConfig(prefix, "http_listen_address"), ":3200", "address the HTTP server binds to.")
	f.DurationVar(&cfg.ShutdownTimeout, util.PrefixConfig(prefix, "shutdown_timeout"), 30*time.Second, "grace period for in-flight requests on shutdown.")
}

type Config struct {
	LogFormat string      `yaml:"log_format"`
	LogLevel  dslog.Level `yaml:"log_level"`

	Server     ServerConfig            `yaml:"server"`
	Backend    BackendConfig           `yaml:"backend"`
	Writer     writer.Config           `yaml:"writer"`
	Compactor  compactor.Config        `yaml:"compactor"`
	Cache      cache.Config            `yaml:"cache"`
	Lock       LockConfig              `yaml:"lock"`
	AsyncQuery asyncquery.Config       `yaml:"async_query"`
	Stream     stream.Config           `yaml:"stream"`
	Ingest     ingest.Config           `yaml:"ingest"`
	Query      QueryConfig             `yaml:"query"`
	APIKeys    map[string]APIKeyConfig `yaml:"api_keys"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "log format (logfmt or json)")
	cfg.LogLevel.RegisterFlags(f)

	cfg.Server.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "server"), f)
	cfg.Backend.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "backend"), f)
	cfg.Writer.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "writer"), f)
	cfg.Compactor.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "compactor"), f)
	cfg.Cache.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "cache"), f)
	cfg.Lock.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "lock"), f)
	cfg.AsyncQuery.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "async_query"), f)
	cfg.Stream.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "stream"), f)
	cfg.Ingest.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ingest"), f)
	cfg.Query.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "query"), f)
}

// LoadFile merges a yaml config file into cfg. expandEnv substitutes
// ${VAR} references from the environment before parsing, which is how
// secrets reach the file-based config without being written to disk.
func (cfg *Config) LoadFile(path string, expandEnv bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}

	if expandEnv {
		s, err := envsubst.EvalEnv(string(buf))
		if err != nil {
			return errors.Wrap(err, "expanding env in config file")
		}
		buf = []byte(s)
	}

	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}
