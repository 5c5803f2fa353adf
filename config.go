package gpkgindex

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	kenv "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment variables read by LoadOptions.
const EnvPrefix = "GPKGINDEX_"

// LoadOptions loads options from defaults, then the YAML file at path (if
// path is not empty), then GPKGINDEX_* environment variables, then the flags
// in fs that were set explicitly. fs may be nil.
func LoadOptions(path string, fs *pflag.FlagSet) (*Options, error) {
	k := koanf.New(".")
	def := DefaultOptions()

	if err := k.Load(confmap.Provider(map[string]any{
		"chunk_limit":       def.ChunkLimit,
		"tolerance":         def.Tolerance,
		"index_type":        string(def.IndexType),
		"row_cache_size":    def.RowCacheSize,
		"fetch_concurrency": def.FetchConcurrency,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// GPKGINDEX_CHUNK_LIMIT -> chunk_limit
	if err := k.Load(kenv.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var opts Options
	if err := k.Unmarshal("", &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch opts.IndexType {
	case IndexTypeRTree, IndexTypeGeometry, IndexTypeNone:
	default:
		return nil, fmt.Errorf("gpkgindex: unknown index type %q", opts.IndexType)
	}

	return &opts, nil
}

// RegisterFlags adds flags for every option to fs, named after the config
// keys with dashes.
func RegisterFlags(fs *pflag.FlagSet) {
	def := DefaultOptions()
	fs.Int("chunk-limit", def.ChunkLimit, "feature rows read per chunk")
	fs.Float64("tolerance", def.Tolerance, "query box expansion, negative disables")
	fs.String("index-type", string(def.IndexType), "index to create: rtree, geometry or none")
	fs.Int("row-cache-size", def.RowCacheSize, "resolved feature rows to cache, 0 disables")
	fs.Int("fetch-concurrency", def.FetchConcurrency, "parallel feature row lookups")
}
