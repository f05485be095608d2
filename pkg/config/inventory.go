package config

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/srxops/srxops/pkg/engine"
	"github.com/srxops/srxops/pkg/stores"
)

// DeviceSpec is one inventory entry as written in an import file.
type DeviceSpec struct {
	Hostname string `json:"hostname" yaml:"hostname" validate:"required,max=255"`
	MgmtIP   string `json:"mgmt_ip" yaml:"mgmt_ip" validate:"required,ip"`

	Site   string `json:"site,omitempty" yaml:"site"`
	City   string `json:"city,omitempty" yaml:"city"`
	State  string `json:"state,omitempty" yaml:"state"`
	Region string `json:"region,omitempty" yaml:"region"`
	Entity string `json:"entity,omitempty" yaml:"entity"`
	Model  string `json:"model,omitempty" yaml:"model"`

	Subnet        string `json:"subnet,omitempty" yaml:"subnet" validate:"omitempty,cidr"`
	WANType       string `json:"wan_type,omitempty" yaml:"wan_type"`
	ISPProvider   string `json:"isp_provider,omitempty" yaml:"isp_provider"`
	AccountNumber string `json:"account_number,omitempty" yaml:"account_number"`
	Technician    string `json:"technician,omitempty" yaml:"technician"`

	SSHUser     string `json:"ssh_user,omitempty" yaml:"ssh_user"`
	SSHPassword string `json:"ssh_password,omitempty" yaml:"ssh_password"`
	SSHPort     int    `json:"ssh_port,omitempty" yaml:"ssh_port" validate:"omitempty,min=1,max=65535"`

	// Enabled defaults to true when omitted.
	Enabled *bool    `json:"enabled,omitempty" yaml:"enabled"`
	Tags    []string `json:"tags,omitempty" yaml:"tags"`
	Notes   string   `json:"notes,omitempty" yaml:"notes"`
}

// Device converts the entry to an inventory record without an ID.
func (s DeviceSpec) Device() *engine.Device {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return &engine.Device{
		Hostname:      s.Hostname,
		MgmtIP:        s.MgmtIP,
		Site:          s.Site,
		City:          s.City,
		State:         s.State,
		Region:        s.Region,
		Entity:        s.Entity,
		Model:         s.Model,
		Subnet:        s.Subnet,
		WANType:       s.WANType,
		ISPProvider:   s.ISPProvider,
		AccountNumber: s.AccountNumber,
		Technician:    s.Technician,
		SSHUser:       s.SSHUser,
		SSHPassword:   s.SSHPassword,
		SSHPort:       s.SSHPort,
		Enabled:       enabled,
		Tags:          s.Tags,
		Notes:         s.Notes,
	}
}

// Validate checks the entry against the device schema and its struct tags.
func (s DeviceSpec) Validate() error {
	if err := NewSchemaRegistry().ValidateDevice(context.Background(), s); err != nil {
		return err
	}
	return validator.New().Struct(s)
}

// Inventory is the result of parsing one or more import files.
type Inventory struct {
	Devices     []DeviceSpec      `json:"devices"`
	SourceFiles []string          `json:"source_files"`
	ParsedAt    time.Time         `json:"parsed_at"`
	Errors      []ValidationError `json:"errors,omitempty"`

	// Skipped counts rows dropped because they carry no management address.
	Skipped int `json:"skipped,omitempty"`

	seen map[string]string
}

// Valid reports whether the inventory parsed without errors.
func (inv *Inventory) Valid() bool {
	return len(inv.Errors) == 0
}

// Err joins the collected errors, or returns nil.
func (inv *Inventory) Err() error {
	if inv.Valid() {
		return nil
	}
	errs := make([]error, 0, len(inv.Errors))
	for _, ve := range inv.Errors {
		errs = append(errs, ve)
	}
	return errors.Join(errs...)
}

// add records spec unless its hostname or address was already seen.
func (inv *Inventory) add(path string, spec DeviceSpec) {
	if inv.seen == nil {
		inv.seen = make(map[string]string)
	}
	for _, key := range []string{"host:" + spec.Hostname, "ip:" + spec.MgmtIP} {
		if prev, ok := inv.seen[key]; ok {
			inv.Errors = append(inv.Errors, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("duplicate %s, first defined at %s", strings.SplitN(key, ":", 2)[0], prev),
				Severity: "error",
			})
			return
		}
	}
	inv.seen["host:"+spec.Hostname] = path
	inv.seen["ip:"+spec.MgmtIP] = path
	inv.Devices = append(inv.Devices, spec)
}

// ValidationError locates a problem in an import file.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadInventory parses an import file, choosing the format by extension:
// .cue files and directories are CUE, .yaml/.yml are YAML and .csv is the
// legacy spreadsheet export.
func LoadInventory(ctx context.Context, path string) (*Inventory, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return NewCUEParser().Parse(ctx, []string{path})
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return NewCUEParser().Parse(ctx, []string{path})
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ParseYAMLInventory(f, path)
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ParseCSVInventory(f, path)
	default:
		return nil, fmt.Errorf("unsupported inventory format %q", filepath.Ext(path))
	}
}

// ParseYAMLInventory reads a document with a top-level devices list.
func ParseYAMLInventory(r io.Reader, name string) (*Inventory, error) {
	var doc struct {
		Devices []DeviceSpec `yaml:"devices"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	inv := &Inventory{SourceFiles: []string{name}, ParsedAt: time.Now()}
	registry := NewSchemaRegistry()
	validate := validator.New()
	for i, spec := range doc.Devices {
		path := fmt.Sprintf("devices[%d]", i)
		if err := registry.ValidateDevice(context.Background(), spec); err != nil {
			inv.Errors = append(inv.Errors, ValidationError{File: name, Path: path, Message: err.Error(), Severity: "error"})
			continue
		}
		if err := validate.Struct(spec); err != nil {
			inv.Errors = append(inv.Errors, ValidationError{File: name, Path: path, Message: err.Error(), Severity: "error"})
			continue
		}
		inv.add(path, spec)
	}
	return inv, nil
}

// csvColumns maps spreadsheet headers to entry fields.
var csvColumns = map[string]func(*DeviceSpec, string){
	"Site Name":      func(s *DeviceSpec, v string) { s.Hostname = v },
	"Public IP":      func(s *DeviceSpec, v string) { s.MgmtIP = v },
	"Subnet":         func(s *DeviceSpec, v string) { s.Subnet = v },
	"City":           func(s *DeviceSpec, v string) { s.City = v; s.Site = v },
	"State":          func(s *DeviceSpec, v string) { s.State = v },
	"Region":         func(s *DeviceSpec, v string) { s.Region = v },
	"Entity":         func(s *DeviceSpec, v string) { s.Entity = v },
	"IT Technician":  func(s *DeviceSpec, v string) { s.Technician = v },
	"ISP Provider":   func(s *DeviceSpec, v string) { s.ISPProvider = v },
	"WAN Type":       func(s *DeviceSpec, v string) { s.WANType = v },
	"Account Number": func(s *DeviceSpec, v string) { s.AccountNumber = v },
}

// ParseCSVInventory reads the legacy spreadsheet export. The site is taken
// from the city column; rows without a public IP are skipped.
func ParseCSVInventory(r io.Reader, name string) (*Inventory, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", name, err)
	}
	setters := make([]func(*DeviceSpec, string), len(header))
	for i, col := range header {
		setters[i] = csvColumns[strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))]
	}

	inv := &Inventory{SourceFiles: []string{name}, ParsedAt: time.Now()}
	validate := validator.New()
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var spec DeviceSpec
		for i, field := range record {
			if i < len(setters) && setters[i] != nil {
				setters[i](&spec, strings.TrimSpace(field))
			}
		}
		if spec.MgmtIP == "" {
			inv.Skipped++
			continue
		}
		if err := validate.Struct(spec); err != nil {
			inv.Errors = append(inv.Errors, ValidationError{File: name, Line: line, Message: err.Error(), Severity: "error"})
			continue
		}
		inv.add(fmt.Sprintf("line %d", line), spec)
	}
	return inv, nil
}

// ImportStats summarises an Import run.
type ImportStats struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Import creates devices that are new and updates the descriptive fields of
// devices whose management address already exists. Collected facts, IDs and
// timestamps of existing devices are kept.
func Import(ctx context.Context, devices engine.DeviceStore, inv *Inventory) (*ImportStats, error) {
	if !inv.Valid() {
		return nil, fmt.Errorf("inventory has %d errors: %w", len(inv.Errors), inv.Err())
	}

	stats := &ImportStats{Total: len(inv.Devices) + inv.Skipped, Skipped: inv.Skipped}
	for _, spec := range inv.Devices {
		existing, err := devices.GetDeviceByAddress(ctx, spec.MgmtIP)
		switch {
		case errors.Is(err, stores.ErrNotFound):
			if err := devices.CreateDevice(ctx, spec.Device()); err != nil {
				log.Warn().Err(err).Str("hostname", spec.Hostname).Msg("device import failed")
				stats.Failed++
				continue
			}
			stats.Imported++
		case err != nil:
			return stats, fmt.Errorf("failed to look up %s: %w", spec.MgmtIP, err)
		default:
			mergeSpec(existing, spec)
			if err := devices.UpdateDevice(ctx, existing); err != nil {
				log.Warn().Err(err).Str("hostname", spec.Hostname).Msg("device update failed")
				stats.Failed++
				continue
			}
			stats.Updated++
		}
	}

	log.Info().
		Int("imported", stats.Imported).
		Int("updated", stats.Updated).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("inventory import finished")
	return stats, nil
}

func mergeSpec(dst *engine.Device, spec DeviceSpec) {
	src := spec.Device()
	dst.Hostname = src.Hostname
	set := func(field *string, value string) {
		if value != "" {
			*field = value
		}
	}
	set(&dst.Site, src.Site)
	set(&dst.City, src.City)
	set(&dst.State, src.State)
	set(&dst.Region, src.Region)
	set(&dst.Entity, src.Entity)
	set(&dst.Subnet, src.Subnet)
	set(&dst.WANType, src.WANType)
	set(&dst.ISPProvider, src.ISPProvider)
	set(&dst.AccountNumber, src.AccountNumber)
	set(&dst.Technician, src.Technician)
	set(&dst.SSHUser, src.SSHUser)
	set(&dst.SSHPassword, src.SSHPassword)
	set(&dst.Notes, src.Notes)
	if src.SSHPort != 0 {
		dst.SSHPort = src.SSHPort
	}
	if spec.Enabled != nil {
		dst.Enabled = *spec.Enabled
	}
	if len(src.Tags) > 0 {
		dst.Tags = src.Tags
	}
}
