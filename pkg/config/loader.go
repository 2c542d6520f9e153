package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Loader parses and validates CUE configuration files.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a Loader with the built-in schema compiled.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()

	schemaVal := ctx.CompileString(builtinSchema)
	if err := schemaVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile built-in schema: %w", err)
	}
	schema := schemaVal.LookupPath(cue.ParsePath("#Config"))
	if !schema.Exists() {
		return nil, fmt.Errorf("built-in schema has no #Config definition")
	}

	return &Loader{
		ctx:       ctx,
		schema:    schema,
		validator: validator.New(),
	}, nil
}

// Load reads, unifies with the schema, and validates one configuration
// file.
func (l *Loader) Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.LoadBytes(content, path)
}

// LoadBytes parses configuration from memory; filename is used in error
// positions only.
func (l *Loader) LoadBytes(content []byte, filename string) (*Config, error) {
	val := l.ctx.CompileString(string(content), cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse config: %s", cueerrors.Details(err, nil))
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("config does not satisfy schema: %s", cueerrors.Details(err, nil))
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := l.validator.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
