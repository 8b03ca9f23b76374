// Package config loads and validates the aggregator's JSON configuration
// document: server definitions, routing rules, and `${VAR}`/`${VAR:-default}`
// environment substitution, following spec.md §6's external file schema.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
)

// Metadata is the document's optional descriptive block.
type Metadata struct {
	Description string `json:"description,omitempty"`
	Created     string `json:"created,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Defaults supplies fallback timeout/retry settings for servers that omit
// their own.
type Defaults struct {
	TimeoutMs     int `json:"timeout"`
	RetryAttempts int `json:"retry_attempts"`
	RetryDelayMs  int `json:"retry_delay"`
}

// ServerSpec is one entry in the document's "servers" array. Config holds
// the transport-specific fields, plus optional per-server overrides of the
// document-level defaults.
type ServerSpec struct {
	Name        string          `json:"name"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Description string          `json:"description,omitempty"`
	Transport   string          `json:"transport"`
	Priority    int             `json:"priority,omitempty"`
	Critical    bool            `json:"critical,omitempty"`
	Config      json.RawMessage `json:"config"`
}

// RoutingRule is one entry in the document's optional "routing_rules" map.
type RoutingRule struct {
	Patterns        []string `json:"patterns"`
	RequiredServers []string `json:"required_servers,omitempty"`
	IntentType      string   `json:"intent_type,omitempty"`
	ExecutionOrder  []string `json:"execution_order,omitempty"`
	CacheTTL        int      `json:"cache_ttl,omitempty"`
}

// Document is the top-level configuration file shape.
type Document struct {
	Version      string                 `json:"version"`
	Metadata     *Metadata              `json:"metadata,omitempty"`
	Defaults     *Defaults              `json:"defaults,omitempty"`
	Servers      []ServerSpec           `json:"servers"`
	RoutingRules map[string]RoutingRule `json:"routing_rules,omitempty"`
}

// Options controls environment substitution.
type Options struct {
	Strict bool
	Lookup func(string) (string, bool) // defaults to os.LookupEnv
}

func (o Options) lookup() func(string) (string, bool) {
	if o.Lookup != nil {
		return o.Lookup
	}
	return os.LookupEnv
}

// LoadFile reads, substitutes, parses, and validates a configuration file.
func LoadFile(path string, opts Options) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mcperrors.NewConfigError(path, "", "failed to open: "+err.Error())
	}
	defer f.Close()
	return Load(f, path, opts)
}

// Load reads a configuration document from r. sourceName is only used for
// error messages.
func Load(r io.Reader, sourceName string, opts Options) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, mcperrors.NewConfigError(sourceName, "", "failed to read: "+err.Error())
	}

	substituted, err := substitute(raw, opts.Strict, opts.lookup())
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(substituted, &doc); err != nil {
		return nil, mcperrors.NewConfigError(sourceName, "", "invalid JSON: "+err.Error())
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^{}]*))?\}`)

// substitute walks every string leaf of the parsed JSON document and
// resolves ${VAR}/${VAR:-default} references, innermost nesting first.
func substitute(raw []byte, strict bool, lookup func(string) (string, bool)) ([]byte, error) {
	current := raw
	var walkErr error

	var walk func(value gjson.Result, path string)
	walk = func(value gjson.Result, path string) {
		if walkErr != nil {
			return
		}
		switch {
		case value.Type == gjson.String:
			resolved, err := resolveVars(value.String(), strict, lookup)
			if err != nil {
				walkErr = err
				return
			}
			if resolved != value.String() {
				updated, err := sjson.SetBytes(current, path, resolved)
				if err != nil {
					walkErr = fmt.Errorf("config: substituting %q: %w", path, err)
					return
				}
				current = updated
			}
		case value.IsArray():
			i := 0
			value.ForEach(func(_, val gjson.Result) bool {
				walk(val, joinPath(path, fmt.Sprintf("%d", i)))
				i++
				return true
			})
		case value.IsObject():
			value.ForEach(func(key, val gjson.Result) bool {
				walk(val, joinPath(path, key.String()))
				return true
			})
		}
	}

	walk(gjson.ParseBytes(raw), "")
	return current, walkErr
}

func joinPath(base, next string) string {
	if base == "" {
		return next
	}
	return base + "." + next
}

// resolveVars repeatedly substitutes the innermost ${VAR} or ${VAR:-default}
// occurrence until none remain.
func resolveVars(s string, strict bool, lookup func(string) (string, bool)) (string, error) {
	for {
		loc := varPattern.FindStringSubmatchIndex(s)
		if loc == nil {
			return s, nil
		}
		name := s[loc[2]:loc[3]]
		hasDefault := loc[4] != -1
		def := ""
		if hasDefault {
			def = s[loc[6]:loc[7]]
		}

		val, ok := lookup(name)
		if !ok {
			switch {
			case hasDefault:
				val = def
			case strict:
				return "", mcperrors.NewConfigError("", name, "unresolved environment variable")
			default:
				val = ""
			}
		}
		s = s[:loc[0]] + val + s[loc[1]:]
	}
}

var kebabCase = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Validate checks document-level invariants: unique kebab-case server
// names, priority bounds, and known transport kinds. Transport-specific
// required fields are left to the client factory (mcpclient.Factory), which
// validates the fully-assembled mcptypes.ServerConfig.
func Validate(doc *Document) error {
	if len(doc.Servers) == 0 {
		return mcperrors.NewConfigError("", "servers", "at least one server is required")
	}
	seen := make(map[string]bool, len(doc.Servers))
	for _, s := range doc.Servers {
		if !kebabCase.MatchString(s.Name) {
			return mcperrors.NewConfigError("", "servers[].name", fmt.Sprintf("%q is not kebab-case", s.Name))
		}
		if seen[s.Name] {
			return mcperrors.NewConfigError("", "servers[].name", fmt.Sprintf("duplicate server name %q", s.Name))
		}
		seen[s.Name] = true

		if s.Priority != 0 && (s.Priority < 1 || s.Priority > 100) {
			return mcperrors.NewConfigError("", "servers[].priority", fmt.Sprintf("%d is out of range 1..100", s.Priority))
		}

		switch mcptypes.TransportKind(s.Transport) {
		case mcptypes.TransportStdio, mcptypes.TransportSSE, mcptypes.TransportHTTP:
		default:
			return mcperrors.NewConfigError("", "servers[].transport", fmt.Sprintf("unknown transport %q", s.Transport))
		}
	}
	return nil
}

// commonOverrides captures the optional per-server timeout/retry overrides
// that live alongside transport fields inside ServerSpec.Config.
type commonOverrides struct {
	TimeoutMs     *int `json:"timeout_ms,omitempty"`
	RetryAttempts *int `json:"retry_attempts,omitempty"`
	RetryDelayMs  *int `json:"retry_delay_ms,omitempty"`
}

// ToServerConfig assembles one mcptypes.ServerConfig from a spec, applying
// document defaults for any timeout/retry field the server doesn't
// override, and decoding the transport-specific section of Config.
func ToServerConfig(spec ServerSpec, defaults Defaults) (mcptypes.ServerConfig, error) {
	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	priority := spec.Priority
	if priority == 0 {
		priority = 50
	}

	var overrides commonOverrides
	if len(spec.Config) > 0 {
		if err := json.Unmarshal(spec.Config, &overrides); err != nil {
			return mcptypes.ServerConfig{}, mcperrors.NewConfigError("", spec.Name, "invalid config block: "+err.Error())
		}
	}

	timeoutMs := defaults.TimeoutMs
	if overrides.TimeoutMs != nil {
		timeoutMs = *overrides.TimeoutMs
	}
	retryAttempts := defaults.RetryAttempts
	if overrides.RetryAttempts != nil {
		retryAttempts = *overrides.RetryAttempts
	}
	retryDelayMs := defaults.RetryDelayMs
	if overrides.RetryDelayMs != nil {
		retryDelayMs = *overrides.RetryDelayMs
	}

	cfg := mcptypes.ServerConfig{
		Name:          spec.Name,
		Enabled:       enabled,
		Transport:     mcptypes.TransportKind(spec.Transport),
		Priority:      priority,
		Critical:      spec.Critical,
		Timeout:       time.Duration(timeoutMs) * time.Millisecond,
		RetryAttempts: retryAttempts,
		RetryDelay:    time.Duration(retryDelayMs) * time.Millisecond,
	}

	switch cfg.Transport {
	case mcptypes.TransportStdio:
		var sc mcptypes.StdioConfig
		if err := json.Unmarshal(spec.Config, &sc); err != nil {
			return cfg, mcperrors.NewConfigError("", spec.Name, "invalid stdio config: "+err.Error())
		}
		cfg.Stdio = &sc
	case mcptypes.TransportSSE:
		var sc mcptypes.SSEConfig
		if err := json.Unmarshal(spec.Config, &sc); err != nil {
			return cfg, mcperrors.NewConfigError("", spec.Name, "invalid sse config: "+err.Error())
		}
		cfg.SSE = &sc
	case mcptypes.TransportHTTP:
		var sc mcptypes.HTTPConfig
		if err := json.Unmarshal(spec.Config, &sc); err != nil {
			return cfg, mcperrors.NewConfigError("", spec.Name, "invalid http config: "+err.Error())
		}
		cfg.HTTP = &sc
	}
	return cfg, nil
}
