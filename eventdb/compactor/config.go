package compactor

import (
	"flag"
	"time"

	"github.com/cedricziel/errata/pkg/util"
)

const (
	DefaultMaxBlockBytes    = 50 * 1024 * 1024
	DefaultMaxFilesPerBatch = 100
	DefaultLockLease        = 300 * time.Second
	DefaultCompactionCycle  = 5 * time.Minute
	DefaultConcurrency      = 2

	// serialized events compress roughly 3:1 in the columnar encoding;
	// used when estimating rows per output block.
	compressionFactor = 3

	minRowsPerBlock = 1_000
	maxRowsPerBlock = 1_000_000
)

type Config struct {
	MaxBlockBytes    int64         `yaml:"max_block_bytes"`
	MaxFilesPerBatch int           `yaml:"max_files_per_batch"`
	LockLease        time.Duration `yaml:"lock_lease"`
	CompactionCycle  time.Duration `yaml:"compaction_cycle"`
	Concurrency      int           `yaml:"concurrency"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.MaxBlockBytes, util.PrefixConfig(prefix, "max_block_bytes"), DefaultMaxBlockBytes, "target maximum size of a compacted block.")
	f.IntVar(&cfg.MaxFilesPerBatch, util.PrefixConfig(prefix, "max_files_per_batch"), DefaultMaxFilesPerBatch, "source files merged per partition per run.")
	f.DurationVar(&cfg.LockLease, util.PrefixConfig(prefix, "lock_lease"), DefaultLockLease, "lease on the per-partition compaction lock.")
	f.DurationVar(&cfg.CompactionCycle, util.PrefixConfig(prefix, "compaction_cycle"), DefaultCompactionCycle, "interval between compaction runs.")
	f.IntVar(&cfg.Concurrency, util.PrefixConfig(prefix, "concurrency"), DefaultConcurrency, "partitions compacted in parallel per run.")
}
