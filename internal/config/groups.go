package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/liqradar/internal/domain"
)

// SymbolGroupConfig holds the detection thresholds and cooldowns of one tier.
type SymbolGroupConfig struct {
	Name            string                   `yaml:"name"`
	Symbols         []string                 `yaml:"symbols"`
	LiqMinUSD       float64                  `yaml:"liq_min_usd"`
	LiqMinCount     int                      `yaml:"liq_min_count"`
	WhaleMinUSD     float64                  `yaml:"whale_min_usd"`
	WhaleMinCount   int                      `yaml:"whale_min_count"`
	CooldownSeconds int                      `yaml:"cooldown_seconds"`
	Cooldowns       map[domain.AlertKind]int `yaml:"cooldowns"` // per-kind overrides in seconds
}

// CooldownFor returns the cooldown applied to kind within this group.
func (g SymbolGroupConfig) CooldownFor(kind domain.AlertKind) int {
	if s, ok := g.Cooldowns[kind]; ok && s > 0 {
		return s
	}
	return g.CooldownSeconds
}

// MaxCooldown is the longest cooldown configured for any kind in the group.
func (g SymbolGroupConfig) MaxCooldown() int {
	longest := g.CooldownSeconds
	for _, s := range g.Cooldowns {
		if s > longest {
			longest = s
		}
	}
	return longest
}

// GroupsFile is the on-disk layout of the symbol-group file.
type GroupsFile struct {
	Default string              `yaml:"default_group"`
	Groups  []SymbolGroupConfig `yaml:"groups"`
}

// Groups maps symbols to their group. It is built once at startup and never
// mutated afterwards, so lookups need no locking.
type Groups struct {
	defaultGroup string
	byName       map[string]SymbolGroupConfig
	bySymbol     map[string]string
	byBase       map[string]string
}

// LoadGroups reads a group file; an empty path yields the built-in defaults.
func LoadGroups(path string) (*Groups, error) {
	if path == "" {
		return NewGroups(DefaultGroupsFile())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file: %w", err)
	}
	var file GroupsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse groups YAML: %w", err)
	}
	return NewGroups(file)
}

// NewGroups validates file and builds the lookup tables.
func NewGroups(file GroupsFile) (*Groups, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}
	g := &Groups{
		defaultGroup: strings.ToUpper(file.Default),
		byName:       make(map[string]SymbolGroupConfig, len(file.Groups)),
		bySymbol:     make(map[string]string),
		byBase:       make(map[string]string),
	}
	for _, group := range file.Groups {
		name := strings.ToUpper(group.Name)
		group.Name = name
		g.byName[name] = group
		for _, s := range group.Symbols {
			sym := domain.NormalizeSymbol(s)
			g.bySymbol[sym] = name
			if base := baseAsset(sym); base != "" {
				g.byBase[base] = name
			}
		}
	}
	return g, nil
}

// Validate checks thresholds and the default group reference.
func (f GroupsFile) Validate() error {
	if len(f.Groups) == 0 {
		return fmt.Errorf("groups: at least one group is required")
	}
	seen := make(map[string]bool, len(f.Groups))
	for _, g := range f.Groups {
		name := strings.ToUpper(g.Name)
		if name == "" {
			return fmt.Errorf("groups: every group needs a name")
		}
		if seen[name] {
			return fmt.Errorf("groups: duplicate group %s", name)
		}
		seen[name] = true
		if g.LiqMinUSD <= 0 || g.LiqMinCount <= 0 {
			return fmt.Errorf("group %s: liquidation thresholds must be positive", name)
		}
		if g.WhaleMinUSD <= 0 || g.WhaleMinCount <= 0 {
			return fmt.Errorf("group %s: whale thresholds must be positive", name)
		}
		if g.CooldownSeconds <= 0 {
			return fmt.Errorf("group %s: cooldown_seconds must be positive", name)
		}
		for kind, s := range g.Cooldowns {
			if s < 0 {
				return fmt.Errorf("group %s: cooldown for %s must not be negative", name, kind)
			}
		}
	}
	if !seen[strings.ToUpper(f.Default)] {
		return fmt.Errorf("groups: default_group %q is not defined: %w", f.Default, domain.ErrUnknownGroup)
	}
	return nil
}

// Resolve returns the group for symbol: explicit membership first, then a
// member sharing the base asset (BTCUSD ~ BTCUSDT), then the default group.
func (g *Groups) Resolve(symbol string) SymbolGroupConfig {
	sym := domain.NormalizeSymbol(symbol)
	if name, ok := g.bySymbol[sym]; ok {
		return g.byName[name]
	}
	if name, ok := g.byBase[baseAsset(sym)]; ok {
		return g.byName[name]
	}
	return g.byName[g.defaultGroup]
}

// Lookup returns a group by name.
func (g *Groups) Lookup(name string) (SymbolGroupConfig, error) {
	group, ok := g.byName[strings.ToUpper(name)]
	if !ok {
		return SymbolGroupConfig{}, fmt.Errorf("%s: %w", name, domain.ErrUnknownGroup)
	}
	return group, nil
}

// All returns every group sorted by name.
func (g *Groups) All() []SymbolGroupConfig {
	out := make([]SymbolGroupConfig, 0, len(g.byName))
	for _, group := range g.byName {
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LongestCooldown is the maximum cooldown over all groups and kinds, in seconds.
func (g *Groups) LongestCooldown() int {
	longest := 0
	for _, group := range g.byName {
		if c := group.MaxCooldown(); c > longest {
			longest = c
		}
	}
	return longest
}

var quoteAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "PERP"}

func baseAsset(symbol string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q)
		}
	}
	return ""
}

// DefaultGroupsFile is used when no group file is configured.
func DefaultGroupsFile() GroupsFile {
	return GroupsFile{
		Default: "MID_CAP",
		Groups: []SymbolGroupConfig{
			{
				Name:            "MAJORS",
				Symbols:         []string{"BTCUSDT", "ETHUSDT"},
				LiqMinUSD:       500_000,
				LiqMinCount:     2,
				WhaleMinUSD:     1_000_000,
				WhaleMinCount:   3,
				CooldownSeconds: 300,
				Cooldowns: map[domain.AlertKind]int{
					domain.AlertStorm:   300,
					domain.AlertCluster: 600,
					domain.AlertRadar:   900,
				},
			},
			{
				Name:            "LARGE_CAP",
				Symbols:         []string{"SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT", "ADAUSDT", "AVAXUSDT", "LINKUSDT", "TONUSDT"},
				LiqMinUSD:       200_000,
				LiqMinCount:     3,
				WhaleMinUSD:     500_000,
				WhaleMinCount:   3,
				CooldownSeconds: 300,
				Cooldowns: map[domain.AlertKind]int{
					domain.AlertCluster: 600,
					domain.AlertRadar:   900,
				},
			},
			{
				Name:            "MID_CAP",
				LiqMinUSD:       50_000,
				LiqMinCount:     3,
				WhaleMinUSD:     150_000,
				WhaleMinCount:   3,
				CooldownSeconds: 600,
				Cooldowns: map[domain.AlertKind]int{
					domain.AlertCluster: 900,
					domain.AlertRadar:   1200,
				},
			},
		},
	}
}
