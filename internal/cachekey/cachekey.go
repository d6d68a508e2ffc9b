// Package cachekey derives deterministic cache keys from the semantic inputs
// of a stage execution. Two executions with identical inputs, versions, and
// configuration always produce the identical key; any difference in a single
// component produces a different key. Version components mean a model or
// extractor upgrade silently invalidates every stale entry — no purge step.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"
)

// ErrConfig indicates malformed key components (a required component is
// missing). It is the only failure mode of key derivation.
var ErrConfig = eris.New("cachekey: missing required component")

// Components are the five digests a cache key is derived from. Each is
// itself a digest over a canonicalized serialization of its source data
// (see HashCanonical).
type Components struct {
	InputHash           string
	ExtractorVersion    string
	ModelVersion        string
	ThresholdConfigHash string
	ConfigHash          string
}

// componentSeparator is a byte that cannot appear in hex or version strings,
// so concatenated components can never be reassociated ambiguously.
const componentSeparator = '\x1f'

// Derive computes the cache key for the given components: a hex-encoded
// SHA-256 over the separator-joined component values. Pure function, no
// side effects.
func Derive(c Components) (string, error) {
	fields := []string{
		c.InputHash,
		c.ExtractorVersion,
		c.ModelVersion,
		c.ThresholdConfigHash,
		c.ConfigHash,
	}
	h := sha256.New()
	for i, f := range fields {
		if f == "" {
			return "", eris.Wrapf(ErrConfig, "component %d", i)
		}
		if i > 0 {
			h.Write([]byte{componentSeparator})
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashCanonical produces the sub-digest for one component: the value is
// serialized to canonical JSON (object keys sorted, no insignificant
// whitespace) and hashed with SHA-256. encoding/json already emits map keys
// in sorted order; canonicalize re-marshals struct values through a generic
// map so field order cannot leak in.
func HashCanonical(v any) (string, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return "", eris.Wrap(err, "cachekey: canonicalize")
	}
	raw, err := json.Marshal(canon)
	if err != nil {
		return "", eris.Wrap(err, "cachekey: marshal")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes produces a sub-digest directly over raw bytes, for inputs that
// are already a stable serialization (file contents, wire payloads).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize round-trips v through JSON into maps/slices so that marshal
// output depends only on content, then returns a structure whose map keys
// json.Marshal emits sorted.
func canonicalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return sortKeys(generic), nil
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		for i := range t {
			t[i] = sortKeys(t[i])
		}
		return t
	default:
		return v
	}
}
