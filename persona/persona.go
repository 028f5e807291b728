// Package persona loads the bot's configurable vocabulary and timing: the
// command triggers, menu, broadcast templates, animations and canned replies.
package persona

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

//go:embed schema.json
var schemaJSON string

type Persona struct {
	Name      string    `yaml:"name"`
	Prefixes  []string  `yaml:"prefixes"`
	Commands  Commands  `yaml:"commands"`
	Menu      []Item    `yaml:"menu"`
	Broadcast Broadcast `yaml:"broadcast"`
	Animation Animation `yaml:"animation"`
	Opening   string    `yaml:"opening"`
	Greeting  string    `yaml:"greeting"`
	CoBots    []string  `yaml:"co_bots"`
	Replies   Replies   `yaml:"replies"`
	Throttle  Throttle  `yaml:"throttle"`
}

// Commands maps each handler to its chat trigger.
type Commands struct {
	Menu      string `yaml:"menu"`
	Order     string `yaml:"order"`
	Help      string `yaml:"help"`
	Capture   string `yaml:"capture"`
	Copy      string `yaml:"copy"`
	Status    string `yaml:"status"`
	Broadcast string `yaml:"broadcast"`
}

type Item struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Serve    string   `yaml:"serve"`
}

type Timing struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Jitter       float64       `yaml:"jitter"`
}

type Broadcast struct {
	Timing   `yaml:",inline"`
	Messages []string `yaml:"messages"`
}

type Animation struct {
	Timing `yaml:",inline"`
	Names  []string `yaml:"names"`
}

type Replies struct {
	Denied           string `yaml:"denied"`
	Apology          string `yaml:"apology"`
	UnknownItem      string `yaml:"unknown_item"`
	OrderUsage       string `yaml:"order_usage"`
	PositionSaved    string `yaml:"position_saved"`
	PositionMissing  string `yaml:"position_missing"`
	AppearanceCopied string `yaml:"appearance_copied"`
	TargetMissing    string `yaml:"target_missing"`
	BroadcastDone    string `yaml:"broadcast_done"`
	BroadcastBusy    string `yaml:"broadcast_busy"`
}

type Throttle struct {
	Every time.Duration `yaml:"every"`
	Burst int           `yaml:"burst"`
}

const schemaURL = "https://barbot.invalid/persona.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Default returns the built-in persona.
func Default() Persona {
	var p Persona
	if err := yaml.Unmarshal(defaultYAML, &p); err != nil {
		panic(fmt.Sprintf("persona: embedded default: %v", err))
	}
	return p
}

// Load reads a persona file. An empty path yields Default.
func Load(path string) (Persona, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, err
	}
	p, err := Parse(raw)
	if err != nil {
		return Persona{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse validates a YAML document against the persona schema and decodes it
// over Default, so omitted sections keep their built-in values.
func Parse(raw []byte) (Persona, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Persona{}, fmt.Errorf("persona yaml: %w", err)
	}
	if doc == nil {
		return Default(), nil
	}
	if err := validateDoc(doc); err != nil {
		return Persona{}, err
	}

	p := Default()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Persona{}, fmt.Errorf("persona yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	return p, nil
}

func validateDoc(doc any) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile persona schema: %w", err)
	}
	// round-trip through JSON so numbers and maps have the shapes the
	// validator expects
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("persona yaml: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("persona yaml: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("persona schema: %w", err)
	}
	return nil
}

// Validate checks the constraints the schema cannot express.
func (p Persona) Validate() error {
	var errs []error
	for name, t := range map[string]Timing{"broadcast": p.Broadcast.Timing, "animation": p.Animation.Timing} {
		if t.Interval <= 0 {
			errs = append(errs, fmt.Errorf("%s: interval must be positive", name))
		}
		if t.RetryDelay <= 0 || t.RetryDelay >= t.Interval {
			errs = append(errs, fmt.Errorf("%s: retry_delay must be shorter than interval", name))
		}
	}
	seen := make(map[string]bool)
	for _, trigger := range []string{p.Commands.Menu, p.Commands.Order, p.Commands.Help, p.Commands.Capture, p.Commands.Copy, p.Commands.Status, p.Commands.Broadcast} {
		if strings.ContainsAny(trigger, " \t") {
			errs = append(errs, fmt.Errorf("command %q contains whitespace", trigger))
		}
		if seen[trigger] {
			errs = append(errs, fmt.Errorf("command %q bound twice", trigger))
		}
		seen[trigger] = true
	}
	if p.Throttle.Every <= 0 || p.Throttle.Burst <= 0 {
		errs = append(errs, errors.New("throttle: every and burst must be positive"))
	}
	return errors.Join(errs...)
}

// Fill replaces {key} placeholders in template.
func Fill(template string, kv ...string) string {
	if len(kv) == 0 {
		return template
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
