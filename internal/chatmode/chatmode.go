// Package chatmode holds the catalog of chat modes: named personas that pick
// the system prompt sent to the completion service and the markup used when
// rendering its answers.
package chatmode

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed modes.yaml
var builtinYAML []byte

const (
	// ButtonDataPrefix starts the data of a mode selection button; the mode
	// key follows it.
	ButtonDataPrefix = "set_chat_mode|"

	// MaxKeyLength is the longest key, in bytes, that still fits Telegram's
	// 64 byte limit on callback data once prefixed.
	MaxKeyLength = 64 - len(ButtonDataPrefix)
)

// ParseMode selects how answers in a mode are rendered by the platform.
type ParseMode string

const (
	ParseHTML     ParseMode = "html"
	ParseMarkdown ParseMode = "markdown"
	ParsePlain    ParseMode = "plain"
)

// IsValid reports whether p is a recognised parse mode.
func (p ParseMode) IsValid() bool {
	switch p {
	case ParseHTML, ParseMarkdown, ParsePlain:
		return true
	}
	return false
}

// Mode is a single chat mode.
type Mode struct {
	Key            string    `yaml:"key"`
	Name           string    `yaml:"name"`
	WelcomeMessage string    `yaml:"welcome_message"`
	PromptStart    string    `yaml:"prompt_start"`
	ParseMode      ParseMode `yaml:"parse_mode"`
}

// Catalog is an ordered, read-only set of modes with a default.
type Catalog struct {
	modes      []Mode
	index      map[string]int
	defaultKey string
}

type catalogFile struct {
	Default string `yaml:"default"`
	Modes   []Mode `yaml:"modes"`
}

// Builtin returns the catalog embedded in the binary.
func Builtin() *Catalog {
	c, err := Parse(strings.NewReader(string(builtinYAML)))
	if err != nil {
		panic(fmt.Sprintf("chatmode: builtin catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. Modes in the file replace built-in modes with the
// same key and are appended otherwise; a non-empty default in the file wins.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chatmode: open %q: %w", path, err)
	}
	defer f.Close()

	override, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("chatmode: %q: %w", path, err)
	}
	return Builtin().merge(override)
}

// Parse decodes and validates a catalog from r.
func Parse(r io.Reader) (*Catalog, error) {
	cf, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("chatmode: %w", err)
	}
	return build(cf)
}

func decode(r io.Reader) (catalogFile, error) {
	var cf catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil && !errors.Is(err, io.EOF) {
		return catalogFile{}, fmt.Errorf("decode yaml: %w", err)
	}
	return cf, nil
}

func build(cf catalogFile) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(cf.Modes)), defaultKey: cf.Default}
	for _, m := range cf.Modes {
		if m.ParseMode == "" {
			m.ParseMode = ParseHTML
		}
		if _, dup := c.index[m.Key]; dup {
			return nil, fmt.Errorf("chatmode: duplicate mode key %q", m.Key)
		}
		c.index[m.Key] = len(c.modes)
		c.modes = append(c.modes, m)
	}
	if c.defaultKey == "" && len(c.modes) > 0 {
		c.defaultKey = c.modes[0].Key
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// merge returns a new catalog with override's modes layered over c.
func (c *Catalog) merge(override catalogFile) (*Catalog, error) {
	merged := catalogFile{Default: c.defaultKey, Modes: slices.Clone(c.modes)}
	if override.Default != "" {
		merged.Default = override.Default
	}
	for _, m := range override.Modes {
		if i, ok := c.index[m.Key]; ok {
			merged.Modes[i] = m
			continue
		}
		merged.Modes = append(merged.Modes, m)
	}
	return build(merged)
}

// Validate checks every mode and the default key.
func (c *Catalog) Validate() error {
	var errs []error
	if len(c.modes) == 0 {
		errs = append(errs, errors.New("chatmode: catalog has no modes"))
	}
	for i, m := range c.modes {
		if m.Key == "" {
			errs = append(errs, fmt.Errorf("chatmode: modes[%d]: key is required", i))
		}
		if strings.Contains(m.Key, "|") {
			errs = append(errs, fmt.Errorf("chatmode: modes[%d]: key %q must not contain '|'", i, m.Key))
		}
		if len(m.Key) > MaxKeyLength {
			errs = append(errs, fmt.Errorf("chatmode: modes[%d]: key %q is longer than %d bytes", i, m.Key, MaxKeyLength))
		}
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("chatmode: modes[%d] (%s): name is required", i, m.Key))
		}
		if !m.ParseMode.IsValid() {
			errs = append(errs, fmt.Errorf("chatmode: modes[%d] (%s): invalid parse_mode %q", i, m.Key, m.ParseMode))
		}
	}
	if len(c.modes) > 0 {
		if _, ok := c.index[c.defaultKey]; !ok {
			errs = append(errs, fmt.Errorf("chatmode: default mode %q is not defined", c.defaultKey))
		}
	}
	return errors.Join(errs...)
}

// Get returns the mode registered under key.
func (c *Catalog) Get(key string) (Mode, bool) {
	i, ok := c.index[key]
	if !ok {
		return Mode{}, false
	}
	return c.modes[i], true
}

// Resolve returns the mode for key, falling back to the default mode when key
// is unknown (e.g. a mode removed from config after users selected it).
func (c *Catalog) Resolve(key string) Mode {
	if m, ok := c.Get(key); ok {
		return m
	}
	return c.Default()
}

// Default returns the default mode.
func (c *Catalog) Default() Mode {
	return c.modes[c.index[c.defaultKey]]
}

// Modes returns all modes in catalog order.
func (c *Catalog) Modes() []Mode {
	return slices.Clone(c.modes)
}

// Keys returns all mode keys in catalog order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.modes))
	for i, m := range c.modes {
		keys[i] = m.Key
	}
	return keys
}
