package universe

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/liqradar/internal/domain"
)

// Provider supplies the set of symbols the radar tracks.
type Provider interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// StaticProvider serves a fixed list.
type StaticProvider struct {
	symbols []string
}

// NewStaticProvider normalizes and de-duplicates symbols.
func NewStaticProvider(symbols []string) *StaticProvider {
	return &StaticProvider{symbols: normalize(symbols)}
}

func (p *StaticProvider) ActiveSymbols(context.Context) ([]string, error) {
	out := make([]string, len(p.symbols))
	copy(out, p.symbols)
	return out, nil
}

// FileEntry is one symbol in a universe file.
type FileEntry struct {
	Symbol   string `yaml:"symbol"`
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"`
}

// File is the on-disk universe format.
type File struct {
	Name    string      `yaml:"name"`
	Symbols []FileEntry `yaml:"symbols"`
}

// LoadFile reads a universe file and returns its enabled symbols ordered by
// priority, then name.
func LoadFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse universe file: %w", err)
	}

	entries := make([]FileEntry, 0, len(f.Symbols))
	for _, e := range f.Symbols {
		if e.Enabled != nil && !*e.Enabled {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].Symbol < entries[j].Symbol
	})

	symbols := make([]string, len(entries))
	for i, e := range entries {
		symbols[i] = e.Symbol
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("universe file %s lists no enabled symbols", path)
	}
	return NewStaticProvider(symbols), nil
}

// RedisProvider reads the set stored at key, so an external process can
// curate the universe at runtime.
type RedisProvider struct {
	client redis.Cmdable
	key    string
}

func NewRedisProvider(client redis.Cmdable, key string) *RedisProvider {
	return &RedisProvider{client: client, key: key}
}

func (p *RedisProvider) ActiveSymbols(ctx context.Context) ([]string, error) {
	members, err := p.client.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("universe %s: %w", p.key, err)
	}
	return normalize(members), nil
}

func normalize(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = domain.NormalizeSymbol(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
