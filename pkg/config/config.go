// Package config loads the user configuration of kdb from
// ~/.kdb/config.yml.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".kdb"
	configFile string = "config.yml"
)

// Defaults used when the corresponding key is absent.
const (
	DefaultUnwindBoundary = "main"
	DefaultMaxStackDepth  = 1024
	DefaultMaxNextSteps   = 100000
	DefaultLLMProvider    = "openai"
	DefaultOpenAIBase     = "https://api.openai.com/v1"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
)

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// LLMConfig configures the service used to translate natural language
// breakpoint requests.
type LLMConfig struct {
	// Provider is either "openai" (any OpenAI compatible endpoint) or
	// "anthropic".
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api-key"`
	APIBase  string `yaml:"api-base"`
	Model    string `yaml:"model"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
	// Source code path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// Source list line-number color (3/4 bit color codes as defined
	// here: https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	SourceListLineColor int `yaml:"source-list-line-color"`

	// UnwindBoundary is the function at which backtraces stop.
	UnwindBoundary string `yaml:"unwind-boundary,omitempty"`
	// MaxStackDepth bounds the number of frames read by backtrace.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`
	// MaxNextSteps bounds the number of instructions executed by a single
	// next command.
	MaxNextSteps *int `yaml:"max-next-steps,omitempty"`
	// NextStepsOverCalls makes next run called functions to completion
	// instead of stopping inside them.
	NextStepsOverCalls *bool `yaml:"next-steps-over-calls,omitempty"`

	LLM LLMConfig `yaml:"llm"`
}

// Boundary returns the configured unwind boundary.
func (c *Config) Boundary() string {
	if c.UnwindBoundary == "" {
		return DefaultUnwindBoundary
	}
	return c.UnwindBoundary
}

// StackDepth returns the configured maximum stack depth.
func (c *Config) StackDepth() int {
	if c.MaxStackDepth == nil || *c.MaxStackDepth <= 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// NextSteps returns the configured instruction bound of next.
func (c *Config) NextSteps() int {
	if c.MaxNextSteps == nil || *c.MaxNextSteps <= 0 {
		return DefaultMaxNextSteps
	}
	return *c.MaxNextSteps
}

// StepOverCalls reports whether next should step over calls.
func (c *Config) StepOverCalls() bool {
	if c.NextStepsOverCalls == nil {
		return true
	}
	return *c.NextStepsOverCalls
}

// ResolveLLM fills in defaults for the llm section. A missing API key is
// read from OPENAI_API_KEY or ANTHROPIC_API_KEY depending on the provider.
func (c *Config) ResolveLLM() LLMConfig {
	llm := c.LLM
	llm.Provider = strings.ToLower(strings.TrimSpace(llm.Provider))
	if llm.Provider == "" {
		llm.Provider = DefaultLLMProvider
	}
	switch llm.Provider {
	case "anthropic":
		if llm.APIKey == "" {
			llm.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if llm.Model == "" {
			llm.Model = DefaultAnthropicModel
		}
	default:
		if llm.APIKey == "" {
			llm.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if llm.APIBase == "" {
			llm.APIBase = DefaultOpenAIBase
		}
		if llm.Model == "" {
			llm.Model = DefaultOpenAIModel
		}
	}
	return llm
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads and decodes the configuration file at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(fullConfigFile, out, 0600)
}

func createDefaultConfig(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(defaultConfig); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

const defaultConfig = `# Configuration file for the kdb debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# ANSI foreground color for source line numbers printed after every stop
# (if unset, default is 34, dark blue).
# source-list-line-color: 34

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Rewrite source paths stored in the debug information when the sources
# were moved after compilation.
substitute-path:
  # - {from: path, to: path}

# Function at which backtraces stop.
# unwind-boundary: main

# Maximum number of frames read by backtrace.
# max-stack-depth: 1024

# Maximum number of instructions executed by a single next.
# max-next-steps: 100000

# Run called functions to completion when stepping with next.
# next-steps-over-calls: true

# Service used by the nb command. The API key may also be provided through
# OPENAI_API_KEY or ANTHROPIC_API_KEY.
llm:
  # provider: openai
  # api-key: ""
  # api-base: https://api.openai.com/v1
  # model: gpt-4o-mini
`

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}

// Substitute applies the first matching substitute-path rule to file.
func (rules SubstitutePathRules) Substitute(file string) string {
	for _, r := range rules {
		from := strings.TrimSuffix(r.From, "/")
		if from == "" {
			continue
		}
		if file == from {
			return r.To
		}
		if strings.HasPrefix(file, from+"/") {
			return path.Join(r.To, file[len(from)+1:])
		}
	}
	return file
}
