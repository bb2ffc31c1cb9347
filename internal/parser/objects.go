package parser

import (
	"fmt"
	"log/slog"
	"strings"

	"lsfw/internal/model"
	"lsfw/internal/spec"
	"lsfw/pkg/wellknown"
)

// ObjectStore holds the named objects and policies of one policy source. A
// custom service may carry several port ranges, hence a list per name.
type ObjectStore struct {
	registry *wellknown.Registry

	Policies       []model.Policy
	AddressObjects map[string]*model.AddressObject
	ServiceObjects map[string][]*model.ServiceObject
	AddrGrps       map[string][]string
	SvcGrps        map[string][]string
}

func newObjectStore(reg *wellknown.Registry) ObjectStore {
	return ObjectStore{
		registry:       reg,
		AddressObjects: make(map[string]*model.AddressObject),
		ServiceObjects: make(map[string][]*model.ServiceObject),
		AddrGrps:       make(map[string][]string),
		SvcGrps:        make(map[string][]string),
	}
}

// defaultNames fills the references a policy leaves out with "all".
func defaultNames(policy *model.Policy) {
	if len(policy.RawSrcAddrNames) == 0 {
		policy.RawSrcAddrNames = []string{"all"}
	}
	if len(policy.RawDstAddrNames) == 0 {
		policy.RawDstAddrNames = []string{"all"}
	}
	if len(policy.RawSvcNames) == 0 {
		policy.RawSvcNames = []string{"all"}
	}
}

func (s *ObjectStore) flattenGroups() error {
	for i := range s.Policies {
		policy := &s.Policies[i]

		var srcs []*model.AddressObject
		for _, name := range policy.RawSrcAddrNames {
			resolved, err := s.flattenAddrGroup(name, make(map[string]bool))
			if err != nil {
				return fmt.Errorf("policy %s: failed to flatten srcaddr '%s': %w", policy.ID, name, err)
			}
			srcs = append(srcs, resolved...)
		}
		policy.SrcAddrs = srcs

		var dsts []*model.AddressObject
		for _, name := range policy.RawDstAddrNames {
			resolved, err := s.flattenAddrGroup(name, make(map[string]bool))
			if err != nil {
				return fmt.Errorf("policy %s: failed to flatten dstaddr '%s': %w", policy.ID, name, err)
			}
			dsts = append(dsts, resolved...)
		}
		policy.DstAddrs = dsts

		var svcs []*model.ServiceObject
		for _, name := range policy.RawSvcNames {
			resolved, err := s.flattenSvcGroup(name, make(map[string]bool))
			if err != nil {
				return fmt.Errorf("policy %s: failed to flatten service '%s': %w", policy.ID, name, err)
			}
			if len(resolved) == 0 {
				slog.Warn("Unresolved service", "policy", policy.ID, "service", name)
			}
			svcs = append(svcs, resolved...)
		}
		policy.Services = svcs
	}
	return nil
}

func (s *ObjectStore) flattenAddrGroup(name string, visited map[string]bool) ([]*model.AddressObject, error) {
	if strings.EqualFold(name, "all") {
		return []*model.AddressObject{{Name: "all"}}, nil
	}
	if visited[name] {
		return nil, fmt.Errorf("circular dependency detected in address group '%s'", name)
	}
	visited[name] = true
	defer delete(visited, name)

	var results []*model.AddressObject
	if addr, ok := s.AddressObjects[name]; ok {
		results = append(results, addr)
	}
	if members, ok := s.AddrGrps[name]; ok {
		for _, member := range members {
			addrs, err := s.flattenAddrGroup(member, visited)
			if err != nil {
				return nil, err
			}
			results = append(results, addrs...)
		}
	}
	return results, nil
}

func (s *ObjectStore) flattenSvcGroup(name string, visited map[string]bool) ([]*model.ServiceObject, error) {
	if strings.EqualFold(name, "all") {
		return []*model.ServiceObject{{Name: "all"}}, nil
	}
	if visited[name] {
		return nil, fmt.Errorf("circular dependency detected in service group '%s'", name)
	}
	visited[name] = true
	defer delete(visited, name)

	var results []*model.ServiceObject
	found := false
	if svcs, ok := s.ServiceObjects[name]; ok {
		results = append(results, svcs...)
		found = true
	}
	if members, ok := s.SvcGrps[name]; ok {
		for _, member := range members {
			svcs, err := s.flattenSvcGroup(member, visited)
			if err != nil {
				return nil, err
			}
			results = append(results, svcs...)
		}
		found = true
	}
	if found {
		return results, nil
	}

	if s.registry != nil {
		if entries, ok := s.registry.Service(name); ok {
			for _, e := range entries {
				svc := &model.ServiceObject{Name: name, Protocol: e.Protocol}
				if e.Port >= 0 {
					svc.Ports = spec.PortEq(e.Port)
				}
				results = append(results, svc)
			}
			return results, nil
		}
	}

	if svc, ok := adHocService(name); ok {
		results = append(results, svc)
	}
	return results, nil
}

// adHocService reads the "tcp_8001-8004" service names some exports use.
func adHocService(name string) (*model.ServiceObject, bool) {
	proto, ports, ok := strings.Cut(name, "_")
	if !ok {
		return nil, false
	}
	protocol := model.Protocol(strings.ToLower(proto))
	if protocol != model.TCP && protocol != model.UDP {
		return nil, false
	}
	dst, err := spec.ParsePortSpec(ports, nil)
	if err != nil {
		return nil, false
	}
	return &model.ServiceObject{Name: name, Protocol: protocol, Ports: dst}, true
}
