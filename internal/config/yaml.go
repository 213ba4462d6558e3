package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ByteSize is an int64 that accepts a raw byte count or a Ki, Mi, Gi or Ti
// suffixed value.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

// String implements flag.Value.
func (b *ByteSize) String() string { return FormatByteSize(int64(*b)) }

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	n, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses a human-readable byte size. Plain integers are bytes;
// fractional suffixed values such as "1.5Gi" are accepted.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, sf := range byteSuffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes with the largest binary suffix that divides
// them evenly.
func FormatByteSize(b int64) string {
	for _, sf := range byteSuffixes {
		if b >= sf.mult && b%sf.mult == 0 {
			return fmt.Sprintf("%d%s", b/sf.mult, sf.name)
		}
	}
	return fmt.Sprintf("%d", b)
}

// ParseYAML decodes data over the defaults. Unknown keys are rejected so a
// misspelled option fails loudly instead of being ignored.
func ParseYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML config: %w", err)
	}
	return cfg, nil
}

// LoadYAML reads and parses a config file.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// Dump renders the effective configuration as YAML. Secrets are masked.
func Dump(cfg *Config) (string, error) {
	c := *cfg
	c.Receiver.HTTP.Auth = c.Receiver.HTTP.Auth.masked()
	c.Receiver.GRPC.Auth = c.Receiver.GRPC.Auth.masked()
	c.Exporter.Auth = c.Exporter.Auth.masked()
	out, err := yaml.Marshal(&c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
