package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser reads device inventories written in CUE. A source is either a
// single .cue file or a directory holding one CUE package. The top-level
// "devices" field is a list of entries or a struct keyed by hostname.
type CUEParser struct {
	registry  *SchemaRegistry
	validator *validator.Validate
}

// NewCUEParser creates a parser with the built-in schemas.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		registry:  NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Parse loads and validates every source. Entry problems are collected in
// Inventory.Errors; an error is returned only when a source cannot be read.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*Inventory, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	inv := &Inventory{ParsedAt: time.Now()}
	var value cue.Value

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			inv.SourceFiles = append(inv.SourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			inv.SourceFiles = append(inv.SourceFiles, source)
		}
		inv.Errors = append(inv.Errors, errs...)

		if val.Exists() {
			if value.Exists() {
				value = value.Unify(val)
			} else {
				value = val
			}
		}
	}

	if len(inv.Errors) > 0 {
		return inv, nil
	}
	if err := value.Err(); err != nil {
		inv.Errors = append(inv.Errors, convertCUEErrors(err)...)
		return inv, nil
	}

	cp.extractDevices(value, inv)
	return inv, nil
}

// ParseInline parses CUE source held in memory.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*Inventory, error) {
	inv := &Inventory{SourceFiles: []string{"inline"}, ParsedAt: time.Now()}

	val := cp.registry.Context().CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		inv.Errors = convertCUEErrors(err)
		return inv, nil
	}

	cp.extractDevices(val, inv)
	return inv, nil
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cp.registry.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.registry.Context().CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CUEParser) extractDevices(val cue.Value, inv *Inventory) {
	devicesVal := val.LookupPath(cue.ParsePath("devices"))
	if !devicesVal.Exists() {
		inv.Errors = append(inv.Errors, ValidationError{
			Path:     "devices",
			Message:  "no devices field",
			Severity: "error",
		})
		return
	}

	switch devicesVal.IncompleteKind() {
	case cue.StructKind:
		iter, err := devicesVal.Fields()
		if err != nil {
			inv.Errors = append(inv.Errors, pathError("devices", err))
			return
		}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			elem := iter.Value()
			if !elem.LookupPath(cue.ParsePath("hostname")).Exists() {
				elem = elem.FillPath(cue.ParsePath("hostname"), name)
			}
			cp.extractDevice("devices."+name, elem, inv)
		}
	case cue.ListKind:
		list, err := devicesVal.List()
		if err != nil {
			inv.Errors = append(inv.Errors, pathError("devices", err))
			return
		}
		for idx := 0; list.Next(); idx++ {
			cp.extractDevice(fmt.Sprintf("devices[%d]", idx), list.Value(), inv)
		}
	default:
		inv.Errors = append(inv.Errors, ValidationError{
			Path:     "devices",
			Message:  fmt.Sprintf("devices must be a list or a struct, got %s", devicesVal.IncompleteKind()),
			Severity: "error",
		})
	}
}

func (cp *CUEParser) extractDevice(path string, val cue.Value, inv *Inventory) {
	checked, err := cp.registry.Check("device", val)
	if err != nil {
		for _, ve := range convertCUEErrors(err) {
			ve.Path = path
			inv.Errors = append(inv.Errors, ve)
		}
		return
	}

	var spec DeviceSpec
	if err := checked.Decode(&spec); err != nil {
		inv.Errors = append(inv.Errors, pathError(path, err))
		return
	}
	if err := cp.validator.Struct(spec); err != nil {
		inv.Errors = append(inv.Errors, pathError(path, err))
		return
	}
	inv.add(path, spec)
}

// convertCUEErrors flattens a CUE error list with source positions.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		out = append(out, ve)
	}
	return out
}

func pathError(path string, err error) ValidationError {
	return ValidationError{Path: path, Message: err.Error(), Severity: "error"}
}
