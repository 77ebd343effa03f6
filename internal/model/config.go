package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServerModeProcess   = "process"
	ServerModeContainer = "container"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int    `json:"version" yaml:"version"` // fixed 0 for now
	Verbose  bool   `json:"verbose" yaml:"verbose"`
	Browsers string `json:"browsers" yaml:"browsers"`
	Debug    bool   `json:"debug" yaml:"debug"`
	Server   Server `json:"server" yaml:"server"`
	Runner   Runner `json:"runner" yaml:"runner"`
}

// Command is a program with its arguments. Env values starting with $ are
// expanded from the environment of the supervisor.
type Command struct {
	Path string            `json:"path" yaml:"path"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir  string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Server describes the process under test.
type Server struct {
	Mode           string    `json:"mode" yaml:"mode"` // "process" | "container"
	Command        Command   `json:"command" yaml:"command"`
	StartupTimeout string    `json:"startup_timeout" yaml:"startup_timeout"`
	Readiness      Readiness `json:"readiness" yaml:"readiness"`
	Probe          Probe     `json:"probe" yaml:"probe"`
	Container      Container `json:"container" yaml:"container"`
}

type Readiness struct {
	Markers []Marker `json:"markers" yaml:"markers"`
}

// Marker is one line the server must print before it is considered ready.
// Exactly one of Contains and Regexp should be set.
type Marker struct {
	Name       string `json:"name" yaml:"name"`
	Contains   string `json:"contains,omitempty" yaml:"contains,omitempty"`
	Regexp     string `json:"regexp,omitempty" yaml:"regexp,omitempty"`
	CaptureURL bool   `json:"capture_url" yaml:"capture_url"`
}

// Probe configures an HTTP check of the base URL after the log markers.
type Probe struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type Container struct {
	Image string   `json:"image" yaml:"image"`
	Port  int      `json:"port" yaml:"port"`
	Cmd   []string `json:"cmd,omitempty" yaml:"cmd,omitempty"`
}

// Runner describes the external test runner.
type Runner struct {
	Command   Command  `json:"command" yaml:"command"`
	DebugArgs []string `json:"debug_args,omitempty" yaml:"debug_args,omitempty"`
	Timeout   string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration with all schema defaults applied.
func DefaultConfig(_ context.Context) Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

func (s Server) StartupTimeoutDuration() time.Duration {
	return duration(s.StartupTimeout)
}

func (p Probe) TimeoutDuration() time.Duration {
	return duration(p.Timeout)
}

// TimeoutDuration returns zero when no runner timeout is configured.
func (r Runner) TimeoutDuration() time.Duration {
	return duration(r.Timeout)
}

// Environ returns the command environment as KEY=value pairs, on top of the
// environment of the current process.
func (c Command) Environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// schema guarantees the format
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
