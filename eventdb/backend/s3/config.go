package s3

import (
	"flag"

	"github.com/grafana/dskit/flagext"

	"github.com/cedricziel/errata/pkg/util"
)

type Config struct {
	Bucket    string         `yaml:"bucket"`
	Prefix    string         `yaml:"prefix"`
	Endpoint  string         `yaml:"endpoint"`
	Region    string         `yaml:"region"`
	AccessKey string         `yaml:"access_key"`
	SecretKey flagext.Secret `yaml:"secret_key"`
	Insecure  bool           `yaml:"insecure"`
	// ForcePathStyle addresses buckets as path segments instead of
	// subdomains, which most S3-compatible stores require.
	ForcePathStyle bool `yaml:"force_path_style"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Bucket, util.PrefixConfig(prefix, "s3.bucket"), "", "s3 bucket to store events in.")
	f.StringVar(&cfg.Prefix, util.PrefixConfig(prefix, "s3.prefix"), "", "path prefix within the bucket.")
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "s3.endpoint"), "", "s3 endpoint to push events to.")
	f.StringVar(&cfg.Region, util.PrefixConfig(prefix, "s3.region"), "", "s3 region.")
	f.StringVar(&cfg.AccessKey, util.PrefixConfig(prefix, "s3.access_key"), "", "s3 access key.")
	f.BoolVar(&cfg.Insecure, util.PrefixConfig(prefix, "s3.insecure"), false, "disable TLS for the s3 endpoint.")
	f.BoolVar(&cfg.ForcePathStyle, util.PrefixConfig(prefix, "s3.force_path_style"), false, "use path-style bucket addressing.")
}
