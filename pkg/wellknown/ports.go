package wellknown

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	_ "embed"

	"lsfw/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData []byte

//go:embed protocols.csv
var protocolsData []byte

// ICMP names the service covering every ICMP message.
const ICMP = "ALL_ICMP"

type ServiceEntry struct {
	Protocol model.Protocol
	Port     int // -1 for port-less protocols
}

// Registry resolves service and protocol names. It is read-only once built
// and safe for concurrent use.
type Registry struct {
	services  map[string][]ServiceEntry
	protocols map[string]int
	names     map[int]string
}

// New builds the registry from the embedded tables.
func New() (*Registry, error) {
	return Load(bytes.NewReader(wellKnownPortsData), bytes.NewReader(protocolsData))
}

// MustNew is New for program start-up, where the embedded tables are known
// to be valid.
func MustNew() *Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// Load builds a registry from a services table ("port,tcp,udp") and a
// protocols table ("number,name,aliases").
func Load(services, protocols io.Reader) (*Registry, error) {
	r := &Registry{
		services:  make(map[string][]ServiceEntry),
		protocols: make(map[string]int),
		names:     make(map[int]string),
	}
	if err := r.loadServices(services); err != nil {
		return nil, fmt.Errorf("failed to load services: %w", err)
	}
	if err := r.loadProtocols(protocols); err != nil {
		return nil, fmt.Errorf("failed to load protocols: %w", err)
	}
	r.services[ICMP] = []ServiceEntry{{Protocol: model.ICMP, Port: -1}}
	return r, nil
}

func (r *Registry) loadServices(in io.Reader) error {
	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		return fmt.Errorf("could not read header: %w", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.Atoi(record[0])
		if err != nil {
			continue // Skip if port is not a valid number
		}
		r.addService(record[1], model.TCP, port)
		r.addService(record[2], model.UDP, port)
	}
}

func (r *Registry) addService(name string, proto model.Protocol, port int) {
	name = strings.TrimSpace(name)
	if name == "" || name == "N/A" {
		return
	}
	entry := ServiceEntry{Protocol: proto, Port: port}
	key := strings.ToUpper(name)
	r.services[key] = append(r.services[key], entry)
	// Add common alias for DNS
	if name == "domain" {
		r.services["DNS"] = append(r.services["DNS"], entry)
	}
}

func (r *Registry) loadProtocols(in io.Reader) error {
	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	if _, err := reader.Read(); err != nil {
		return fmt.Errorf("could not read header: %w", err)
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(record) < 2 {
			continue
		}
		num, err := strconv.Atoi(record[0])
		if err != nil || num < 0 || num > 255 {
			return fmt.Errorf("invalid protocol number %q", record[0])
		}
		name := strings.ToLower(strings.TrimSpace(record[1]))
		r.protocols[name] = num
		r.names[num] = name
		for _, alias := range record[2:] {
			if alias = strings.ToLower(strings.TrimSpace(alias)); alias != "" {
				r.protocols[alias] = num
			}
		}
	}
}

// Service returns the protocol/port entries of a well-known service name.
func (r *Registry) Service(name string) ([]ServiceEntry, bool) {
	entries, ok := r.services[strings.ToUpper(strings.TrimSpace(name))]
	return entries, ok
}

// Port resolves a service name to its port, preferring the tcp entry.
func (r *Registry) Port(name string) (int, bool) {
	entries, ok := r.Service(name)
	if !ok {
		return 0, false
	}
	for _, e := range entries {
		if e.Port >= 0 {
			return e.Port, true
		}
	}
	return 0, false
}

// Protocol resolves a protocol name or alias to its number.
func (r *Registry) Protocol(name string) (int, bool) {
	num, ok := r.protocols[strings.ToLower(strings.TrimSpace(name))]
	return num, ok
}

// ProtocolName returns the canonical name of a protocol number, or the
// number itself.
func (r *Registry) ProtocolName(num int) string {
	if name, ok := r.names[num]; ok {
		return name
	}
	return strconv.Itoa(num)
}
