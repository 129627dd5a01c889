// Package store persists the known-device list as YAML.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/srg/blemsg/internal/device"
	"gopkg.in/yaml.v3"
)

// Record is the persisted identity of a known device.
type Record struct {
	Address       string    `yaml:"address"`
	Name          string    `yaml:"name,omitempty"`
	LastConnected time.Time `yaml:"last_connected,omitempty"`
}

type document struct {
	Devices []Record `yaml:"devices"`
}

// MarshalYAML writes LastConnected as RFC3339Nano so round-trips keep sub-second precision.
func (r Record) MarshalYAML() (interface{}, error) {
	out := struct {
		Address       string `yaml:"address"`
		Name          string `yaml:"name,omitempty"`
		LastConnected string `yaml:"last_connected,omitempty"`
	}{Address: r.Address, Name: r.Name}
	if !r.LastConnected.IsZero() {
		out.LastConnected = r.LastConnected.Format(time.RFC3339Nano)
	}
	return out, nil
}

// UnmarshalYAML accepts the format written by MarshalYAML.
func (r *Record) UnmarshalYAML(node *yaml.Node) error {
	var in struct {
		Address       string `yaml:"address"`
		Name          string `yaml:"name"`
		LastConnected string `yaml:"last_connected"`
	}
	if err := node.Decode(&in); err != nil {
		return err
	}
	r.Address = device.NormalizeAddress(in.Address)
	r.Name = in.Name
	r.LastConnected = time.Time{}
	if in.LastConnected != "" {
		ts, err := time.Parse(time.RFC3339Nano, in.LastConnected)
		if err != nil {
			return fmt.Errorf("device %s: invalid last_connected: %w", in.Address, err)
		}
		r.LastConnected = ts
	}
	return nil
}

// FromDevice extracts the persisted fields of d.
func FromDevice(d device.Device) Record {
	return Record{Address: device.NormalizeAddress(d.Address), Name: d.Name, LastConnected: d.LastConnected}
}

// Device converts the record back to a device value.
func (r Record) Device() device.Device {
	d := device.NewDevice(r.Address, r.Name)
	d.LastConnected = r.LastConnected
	return d
}

// Store reads and writes a YAML file of records. Operations are serialized.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a store backed by path. The file is created on the first Save.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns the stored records in file order. A missing file is an empty list.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading known devices: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing known devices %s: %w", s.path, err)
	}
	return doc.Devices, nil
}

// Save replaces the stored list. The file is written to a temp file and renamed.
func (s *Store) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(records)
}

func (s *Store) save(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := yaml.Marshal(document{Devices: records})
	if err != nil {
		return fmt.Errorf("encoding known devices: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(s.path), err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing known devices: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing known devices: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the record for r.Address, keeping its position.
func (s *Store) Upsert(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	r.Address = device.NormalizeAddress(r.Address)
	for i := range records {
		if device.SameAddress(records[i].Address, r.Address) {
			records[i] = r
			return s.save(records)
		}
	}
	return s.save(append(records, r))
}

// Remove deletes the record for addr and reports whether it existed.
func (s *Store) Remove(addr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return false, err
	}
	for i := range records {
		if device.SameAddress(records[i].Address, addr) {
			return true, s.save(append(records[:i], records[i+1:]...))
		}
	}
	return false, nil
}
