// Package bootcfg parses the read-only boot configuration consulted by fshost. The configuration is
// a list of key=value assignments (one or more per line, shell quoting rules apply). A key without
// "=" is a presence flag and has an empty value.
package bootcfg

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/afero"
)

const (
	KeyBlobInit        = "system.blob-init"
	KeyBlobInitArg     = "system.blob-init-arg"
	KeyPkgfsCmd        = "system.pkgfs.cmd"
	KeyPkgfsFilePrefix = "system.pkgfs.file."
	KeyVolume          = "system.volume"
	KeyWritable        = "system.writable"
	KeyFilesystemCheck = "system.filesystem-check"
	KeyNetboot         = "system.netboot"
)

// Recognized values of KeyVolume.
const (
	VolumeAny   = "any"
	VolumeLocal = "local"
)

// Config is an immutable set of boot configuration values.
type Config struct {
	values map[string]string
}

// New returns a configuration holding a copy of values.
func New(values map[string]string) *Config {
	c := &Config{values: make(map[string]string, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// FromDisk parses the configuration file at path. A missing file yields an empty configuration so
// a system without boot configuration still boots with defaults.
func FromDisk(fs afero.Fs, path string) (*Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		if exists, _ := afero.Exists(fs, path); !exists {
			return New(nil), nil
		}
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads assignments from r. Empty lines and lines starting with # are ignored. Later
// assignments override earlier ones.
func Parse(r io.Reader) (*Config, error) {
	c := New(nil)
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		for _, t := range tokens {
			key, value, _ := strings.Cut(t, "=")
			if key == "" {
				return nil, fmt.Errorf("line %d: assignment %q has no key", lineNum, t)
			}
			c.values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the value of key and whether it is set.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key is set, regardless of its value.
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Bool interprets key as a boolean. Absent keys return def, "0", "false" and "off" are false and
// every other value (including an empty one) is true.
func (c *Config) Bool(key string, def bool) bool {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "0", "false", "off":
		return false
	default:
		return true
	}
}

// WithPrefix returns all entries whose key starts with prefix, with the prefix removed.
func (c *Config) WithPrefix(prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range c.values {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

// Keys returns all keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
