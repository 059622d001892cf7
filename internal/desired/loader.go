// Package desired reads the desired state of this host and reports when it
// changes.
package desired

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
)

// Source hands out one consistent snapshot per pass.
type Source interface {
	Snapshot(ctx context.Context) (*domain.State, error)
}

// FileSource reads the state from a YAML file.
type FileSource struct {
	Path     string
	validate *validator.Validate
}

// NewFileSource creates a new file source
func NewFileSource(path string) *FileSource {
	return &FileSource{
		Path:     path,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Snapshot reads, decodes, validates and indexes the state file. Unknown
// fields and schema violations are invariant errors, never partial states.
func (f *FileSource) Snapshot(ctx context.Context) (*domain.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return f.Parse(data)
}

// Parse decodes a state document.
func (f *FileSource) Parse(data []byte) (*domain.State, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var st domain.State
	if err := dec.Decode(&st); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.InvariantError{Entity: "state", Name: f.Path, Err: errors.New("empty document")}
		}
		return nil, &domain.InvariantError{Entity: "state", Name: f.Path, Err: err}
	}
	if err := f.validate.Struct(&st); err != nil {
		return nil, &domain.InvariantError{Entity: "state", Name: f.Path, Err: describe(err)}
	}
	if err := st.Index(); err != nil {
		return nil, err
	}
	return &st, nil
}

// describe keeps only the first validation failure, naming the field path.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		v := verrs[0]
		if v.Param() != "" {
			return fmt.Errorf("%s: failed %s=%s", v.Namespace(), v.Tag(), v.Param())
		}
		return fmt.Errorf("%s: failed %s", v.Namespace(), v.Tag())
	}
	return err
}
