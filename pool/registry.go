// Package pool loads the registry of lease pools: which resources each scope distributes and for
// how long a lease on them lasts.
package pool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"alluvial/partition"
)

// PartitionKind selects the key domain a pool's range partitions are computed over.
type PartitionKind string

const (
	// KindInt64 partitions a signed 64-bit integer range.
	KindInt64 PartitionKind = "int64"
	// KindBigInt partitions an arbitrary precision integer range given in decimal.
	KindBigInt PartitionKind = "bigint"
	// KindGUID partitions a uniqueidentifier range in SQL Server order.
	KindGUID PartitionKind = "guid"
	// KindLeadingCharacter makes one partition per character of an alphabet.
	KindLeadingCharacter PartitionKind = "leading"
)

// Pool is the validated definition of one lease scope.
type Pool struct {
	Scope         string
	LeaseDuration time.Duration
	Kind          PartitionKind

	names  []string
	ranges []partition.Range[int64]
}

// ResourceNames returns the resource names to register for the pool.
func (p Pool) ResourceNames() []string {
	return append([]string(nil), p.names...)
}

// Int64Ranges returns the partitions of an int64 pool, or nil for any other kind.
func (p Pool) Int64Ranges() []partition.Range[int64] {
	return append([]partition.Range[int64](nil), p.ranges...)
}

// Registry maps scopes to validated pools.
type Registry struct {
	Pools map[string]Pool
}

type fileConfig struct {
	Pools []poolConfig `json:"pools"`
}

type poolConfig struct {
	Scope                string           `json:"scope"`
	LeaseDurationSeconds int              `json:"leaseDurationSeconds"`
	Resources            []string         `json:"resources"`
	Partitions           *partitionConfig `json:"partitions"`
}

type partitionConfig struct {
	Kind     string `json:"kind"`
	Lower    string `json:"lower"`
	Upper    string `json:"upper"`
	Count    int    `json:"count"`
	Alphabet string `json:"alphabet"`
}

// LoadRegistry loads and validates a pool registry JSON file. Lines starting with # are ignored.
func LoadRegistry(path string) (Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return Registry{}, err
	}
	defer file.Close()
	return ReadRegistry(file)
}

// ReadRegistry is LoadRegistry over an already opened source.
func ReadRegistry(r io.Reader) (Registry, error) {
	var filtered bytes.Buffer
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		filtered.WriteString(line)
		filtered.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return Registry{}, err
	}

	dec := json.NewDecoder(&filtered)
	dec.DisallowUnknownFields()
	var cfg fileConfig
	if err := dec.Decode(&cfg); err != nil {
		return Registry{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Registry{}, errors.New("config has trailing data")
	}

	return buildRegistry(cfg)
}

// PoolFor returns the pool of a scope if it exists.
func (r Registry) PoolFor(scope string) (Pool, bool) {
	if r.Pools == nil {
		return Pool{}, false
	}
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return Pool{}, false
	}
	p, ok := r.Pools[trimmed]
	return p, ok
}

// Scopes returns the registered scopes in no particular order.
func (r Registry) Scopes() []string {
	return lo.Keys(r.Pools)
}

func buildRegistry(cfg fileConfig) (Registry, error) {
	if len(cfg.Pools) == 0 {
		return Registry{}, errors.New("pools must not be empty")
	}

	registry := Registry{
		Pools: make(map[string]Pool, len(cfg.Pools)),
	}

	for i, pc := range cfg.Pools {
		scope := strings.TrimSpace(pc.Scope)
		if scope == "" {
			return Registry{}, fmt.Errorf("pools[%d].scope is required", i)
		}
		if _, exists := registry.Pools[scope]; exists {
			return Registry{}, fmt.Errorf("pools[%d].scope %q is duplicated", i, scope)
		}
		if pc.LeaseDurationSeconds <= 0 {
			return Registry{}, fmt.Errorf("pools[%d].leaseDurationSeconds must be greater than zero", i)
		}

		p := Pool{
			Scope:         scope,
			LeaseDuration: time.Duration(pc.LeaseDurationSeconds) * time.Second,
		}
		switch {
		case len(pc.Resources) > 0 && pc.Partitions != nil:
			return Registry{}, fmt.Errorf("pools[%d] must set either resources or partitions, not both", i)
		case len(pc.Resources) > 0:
			names, err := explicitNames(pc.Resources)
			if err != nil {
				return Registry{}, fmt.Errorf("pools[%d].resources %v", i, err)
			}
			p.names = names
		case pc.Partitions != nil:
			if err := p.buildPartitions(*pc.Partitions); err != nil {
				return Registry{}, fmt.Errorf("pools[%d].partitions %v", i, err)
			}
		default:
			return Registry{}, fmt.Errorf("pools[%d] requires resources or partitions", i)
		}

		registry.Pools[scope] = p
	}

	return registry, nil
}

func explicitNames(resources []string) ([]string, error) {
	names := make([]string, 0, len(resources))
	seen := make(map[string]struct{}, len(resources))
	for _, resource := range resources {
		trimmed := strings.TrimSpace(resource)
		if trimmed == "" {
			return nil, errors.New("must not include empty values")
		}
		if _, ok := seen[trimmed]; ok {
			return nil, fmt.Errorf("contains duplicate value %q", trimmed)
		}
		seen[trimmed] = struct{}{}
		names = append(names, trimmed)
	}
	return names, nil
}

func (p *Pool) buildPartitions(pc partitionConfig) error {
	kind := PartitionKind(strings.TrimSpace(pc.Kind))
	if kind != KindLeadingCharacter && pc.Count <= 0 {
		return errors.New("count must be greater than zero")
	}

	switch kind {
	case KindInt64:
		lower, err := strconv.ParseInt(strings.TrimSpace(pc.Lower), 10, 64)
		if err != nil {
			return fmt.Errorf("lower %q is not an int64", pc.Lower)
		}
		upper, err := strconv.ParseInt(strings.TrimSpace(pc.Upper), 10, 64)
		if err != nil {
			return fmt.Errorf("upper %q is not an int64", pc.Upper)
		}
		ranges, err := partition.ByRange(lower, upper, pc.Count)
		if err != nil {
			return err
		}
		p.ranges = ranges
		p.names = lo.Map(ranges, func(r partition.Range[int64], _ int) string { return r.String() })
	case KindBigInt:
		lower, ok := new(big.Int).SetString(strings.TrimSpace(pc.Lower), 10)
		if !ok {
			return fmt.Errorf("lower %q is not a decimal integer", pc.Lower)
		}
		upper, ok := new(big.Int).SetString(strings.TrimSpace(pc.Upper), 10)
		if !ok {
			return fmt.Errorf("upper %q is not a decimal integer", pc.Upper)
		}
		ranges, err := partition.ByBigRange(lower, upper, pc.Count)
		if err != nil {
			return err
		}
		p.names = lo.Map(ranges, func(r partition.BigRange, _ int) string { return r.String() })
	case KindGUID:
		lower, err := parseGUIDBound(pc.Lower, uuid.Nil)
		if err != nil {
			return fmt.Errorf("lower %v", err)
		}
		upper, err := parseGUIDBound(pc.Upper, partition.MaxGUID)
		if err != nil {
			return fmt.Errorf("upper %v", err)
		}
		ranges, err := partition.ByGUIDRange(lower, upper, pc.Count)
		if err != nil {
			return err
		}
		p.names = lo.Map(ranges, func(r partition.GUIDRange, _ int) string { return r.String() })
	case KindLeadingCharacter:
		parts, err := partition.ByLeadingCharacter(pc.Alphabet)
		if err != nil {
			return err
		}
		p.names = lo.Map(parts, func(c partition.LeadingCharacter, _ int) string { return c.String() })
	default:
		return fmt.Errorf("kind must be one of: %s, %s, %s, %s", KindInt64, KindBigInt, KindGUID, KindLeadingCharacter)
	}
	p.Kind = kind
	return nil
}

func parseGUIDBound(raw string, fallback uuid.UUID) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	g, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%q is not a GUID", raw)
	}
	return g, nil
}
