package ingest

import (
	"github.com/grailbio/gwas/encoding/sumstats"
	"github.com/grailbio/gwas/manhattan"
	"github.com/grailbio/gwas/qq"
	"github.com/grailbio/gwas/region"
	"github.com/kelseyhightower/envconfig"
)

// Config holds deployment defaults read from the environment, e.g.
// GWAS_WORK_ROOT=/data/gwas GWAS_MAX_BAD_LINES=50.
type Config struct {
	WorkRoot         string  `envconfig:"WORK_ROOT" default:"/tmp/gwas"`
	MaxBadLines      int     `envconfig:"MAX_BAD_LINES" default:"100"`
	MAFTolerance     float64 `envconfig:"MAF_TOLERANCE" default:"0.05"`
	PeakThreshold    float64 `envconfig:"PEAK_THRESHOLD" default:"6"`
	PeakSprawl       uint32  `envconfig:"PEAK_SPRAWL" default:"200000"`
	PeakMaxCount     int     `envconfig:"PEAK_MAX_COUNT" default:"500"`
	UnbinnedCapacity int     `envconfig:"UNBINNED_CAPACITY" default:"500"`
	BinLength        uint32  `envconfig:"BIN_LENGTH" default:"3000000"`
	MaxRegionSize    uint32  `envconfig:"MAX_REGION_SIZE" default:"500000"`
	Parallelism      int     `envconfig:"PARALLELISM" default:"3"`
}

// LoadConfig reads Config from GWAS_* environment variables.
func LoadConfig() (Config, error) {
	var c Config
	err := envconfig.Process("gwas", &c)
	return c, err
}

// Opts converts the deployment defaults into pipeline options.  The column
// mapping starts from sumstats.DefaultOpts; callers overlay the per-upload
// mapping on top of it.
func (c Config) Opts() Opts {
	opts := DefaultOpts
	opts.Parser.MaxBadLines = c.MaxBadLines
	opts.QQ.MAFTolerance = c.MAFTolerance
	opts.Manhattan = manhattan.Opts{
		PeakThreshold:    c.PeakThreshold,
		PeakSprawl:       c.PeakSprawl,
		PeakMaxCount:     c.PeakMaxCount,
		UnbinnedCapacity: c.UnbinnedCapacity,
		BinLength:        c.BinLength,
	}
	if c.Parallelism > 0 {
		opts.Parallelism = c.Parallelism
	}
	return opts
}

// RegionOpts returns the region query limits.
func (c Config) RegionOpts() region.Opts {
	return region.Opts{MaxRegionSize: c.MaxRegionSize}
}

// Opts configures one ingest run.
type Opts struct {
	Parser    sumstats.Opts  `yaml:"parser"`
	Manhattan manhattan.Opts `yaml:"manhattan"`
	QQ        qq.Opts        `yaml:"qq"`
	// Parallelism bounds how many derived stages run at once.
	Parallelism int `yaml:"parallelism"`
}

// DefaultOpts are the settings used by the hosted service.
var DefaultOpts = Opts{
	Parser:      sumstats.DefaultOpts,
	Manhattan:   manhattan.DefaultOpts,
	QQ:          qq.DefaultOpts,
	Parallelism: 3,
}

// Check rejects derived-stage settings before any stage runs.  The column
// mapping is checked by Normalize.
func (o Opts) Check() error {
	if err := o.Manhattan.Check(); err != nil {
		return err
	}
	return o.QQ.Check()
}
