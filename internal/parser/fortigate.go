package parser

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"lsfw/internal/model"
	"lsfw/internal/spec"
	"lsfw/pkg/wellknown"
)

// FortiGateParser reads the firewall sections of a FortiGate text
// configuration: addresses, address groups, custom services, service groups
// and policies.
type FortiGateParser struct {
	ObjectStore
	scanner *bufio.Scanner
}

func NewFortiGateParser(reader io.Reader, reg *wellknown.Registry) *FortiGateParser {
	return &FortiGateParser{
		ObjectStore: newObjectStore(reg),
		scanner:     bufio.NewScanner(reader),
	}
}

func (p *FortiGateParser) Parse() error {
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		switch {
		case strings.HasPrefix(line, "config firewall address6"):
			if err := p.parseAddressConfig(); err != nil {
				return fmt.Errorf("failed to parse firewall address6 config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall address"):
			if err := p.parseAddressConfig(); err != nil {
				return fmt.Errorf("failed to parse firewall address config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall addrgrp"):
			if err := p.parseGroupConfig(p.AddrGrps); err != nil {
				return fmt.Errorf("failed to parse firewall addrgrp config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall service custom"):
			if err := p.parseServiceCustomConfig(); err != nil {
				return fmt.Errorf("failed to parse firewall service custom config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall service group"):
			if err := p.parseGroupConfig(p.SvcGrps); err != nil {
				return fmt.Errorf("failed to parse firewall service group config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall policy"):
			if err := p.parsePolicyConfig(); err != nil {
				return fmt.Errorf("failed to parse firewall policy config: %w", err)
			}
		}
	}
	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return p.flattenGroups()
}

func (p *FortiGateParser) parseAddressConfig() error {
	var current *model.AddressObject
	var start, end netip.Addr
	closeObject := func() error {
		if current == nil || !start.IsValid() {
			return nil
		}
		if !end.IsValid() {
			end = start
		}
		r, err := spec.NewIPRange(start, end)
		if err != nil {
			return fmt.Errorf("address %s: %w", current.Name, err)
		}
		current.Range = r
		return nil
	}

	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return closeObject()
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			if len(parts) == 1 && parts[0] == "next" {
				if err := closeObject(); err != nil {
					return err
				}
				current, start, end = nil, netip.Addr{}, netip.Addr{}
			}
			continue
		}
		switch parts[0] {
		case "edit":
			name := unquote(parts[1])
			current = &model.AddressObject{Name: name, Type: "ipmask"}
			p.AddressObjects[name] = current
		case "set":
			if current == nil || len(parts) < 3 {
				continue
			}
			switch parts[1] {
			case "type":
				current.Type = parts[2]
			case "subnet", "ip6":
				mask := ""
				if len(parts) > 3 {
					mask = parts[3]
				}
				prefix, err := parseSubnet(parts[2], mask)
				if err != nil {
					return fmt.Errorf("address %s: %w", current.Name, err)
				}
				current.Range = spec.RangeOfPrefix(prefix)
			case "start-ip":
				start, _ = netip.ParseAddr(parts[2])
			case "end-ip":
				end, _ = netip.ParseAddr(parts[2])
			case "fqdn":
				current.FQDN = unquote(parts[2])
			}
		}
	}
	return io.ErrUnexpectedEOF
}

// parseSubnet accepts "10.0.0.0 255.255.255.0" as well as CIDR notation.
func parseSubnet(addr, mask string) (netip.Prefix, error) {
	if strings.Contains(addr, "/") {
		prefix, err := netip.ParsePrefix(addr)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Prefix{}, err
	}
	bits := ip.BitLen()
	if mask != "" {
		m := net.ParseIP(mask).To4()
		if m == nil {
			return netip.Prefix{}, fmt.Errorf("invalid netmask %q", mask)
		}
		ones, size := net.IPMask(m).Size()
		if size == 0 {
			return netip.Prefix{}, fmt.Errorf("non-contiguous netmask %q", mask)
		}
		bits = ones
	}
	return ip.Prefix(bits)
}

// parseGroupConfig reads an addrgrp or service group section into groups.
func (p *FortiGateParser) parseGroupConfig(groups map[string][]string) error {
	var currentGroup string
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			currentGroup = unquote(strings.Join(parts[1:], " "))
		case "set":
			if currentGroup != "" && len(parts) > 2 && parts[1] == "member" {
				groups[currentGroup] = splitNames(parts[2:])
			}
		case "next":
			currentGroup = ""
		}
	}
	return io.ErrUnexpectedEOF
}

type customService struct {
	name     string
	protocol string
	ports    []*model.ServiceObject
	icmpType int
	icmpCode int
}

func (c *customService) objects() []*model.ServiceObject {
	switch strings.ToUpper(c.protocol) {
	case "ICMP":
		icmp := spec.AnyICMP
		switch {
		case c.icmpType >= 0 && c.icmpCode >= 0:
			icmp = spec.ICMPTypeCode(c.icmpType, c.icmpCode)
		case c.icmpType >= 0:
			icmp = spec.ICMPType(c.icmpType)
		}
		return []*model.ServiceObject{{Name: c.name, Protocol: model.ICMP, ICMP: icmp}}
	case "IP":
		return []*model.ServiceObject{{Name: c.name}}
	}
	return c.ports
}

func (p *FortiGateParser) parseServiceCustomConfig() error {
	var current *customService
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		// Handles "set tcp-portrange 8001-8004" and "set tcp-portrange=8001-8004"
		parts := strings.Fields(strings.ReplaceAll(line, "=", " "))
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			current = &customService{name: unquote(strings.Join(parts[1:], " ")), icmpType: -1, icmpCode: -1}
		case "set":
			if current == nil || len(parts) < 3 {
				continue
			}
			switch parts[1] {
			case "protocol":
				current.protocol = parts[2]
			case "tcp-portrange", "udp-portrange":
				protocol := model.TCP
				if parts[1] == "udp-portrange" {
					protocol = model.UDP
				}
				for _, item := range parts[2:] {
					svc, err := portRange(current.name, protocol, item)
					if err != nil {
						return err
					}
					current.ports = append(current.ports, svc)
				}
			case "icmptype":
				current.icmpType, _ = strconv.Atoi(parts[2])
			case "icmpcode":
				current.icmpCode, _ = strconv.Atoi(parts[2])
			}
		case "next":
			if current != nil {
				p.ServiceObjects[current.name] = current.objects()
			}
			current = nil
		}
	}
	return io.ErrUnexpectedEOF
}

// portRange reads one "dst[:src]" item of a portrange setting.
func portRange(name string, protocol model.Protocol, item string) (*model.ServiceObject, error) {
	dst, src, _ := strings.Cut(item, ":")
	svc := &model.ServiceObject{Name: name, Protocol: protocol}
	var err error
	if svc.Ports, err = spec.ParsePortSpec(dst, nil); err != nil {
		return nil, fmt.Errorf("service %s: %w", name, err)
	}
	if src != "" {
		if svc.SrcPorts, err = spec.ParsePortSpec(src, nil); err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
	}
	return svc, nil
}

func (p *FortiGateParser) parsePolicyConfig() error {
	var currentPolicy *model.Policy

	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			id := parts[1]
			priority, _ := strconv.Atoi(id)
			p.Policies = append(p.Policies, model.Policy{ID: id, Priority: priority, Enabled: true})
			currentPolicy = &p.Policies[len(p.Policies)-1]
		case "set":
			if currentPolicy == nil || len(parts) < 3 {
				continue
			}
			args := splitNames(parts[2:])
			switch parts[1] {
			case "name":
				currentPolicy.Name = unquote(strings.Join(parts[2:], " "))
			case "srcintf":
				currentPolicy.SrcIntf = append(currentPolicy.SrcIntf, args...)
			case "dstintf":
				currentPolicy.DstIntf = append(currentPolicy.DstIntf, args...)
			case "srcaddr", "srcaddr6":
				currentPolicy.RawSrcAddrNames = append(currentPolicy.RawSrcAddrNames, args...)
			case "dstaddr", "dstaddr6":
				currentPolicy.RawDstAddrNames = append(currentPolicy.RawDstAddrNames, args...)
			case "service":
				currentPolicy.RawSvcNames = append(currentPolicy.RawSvcNames, args...)
			case "action":
				currentPolicy.Action = parts[2]
			case "status":
				currentPolicy.Enabled = parts[2] == "enable"
			case "schedule":
				currentPolicy.Schedule = unquote(parts[2])
			}
		case "next":
			if currentPolicy != nil {
				if currentPolicy.Action == "" {
					currentPolicy.Action = string(model.ActionDeny)
				}
				defaultNames(currentPolicy)
			}
			currentPolicy = nil
		}
	}
	return io.ErrUnexpectedEOF
}

// splitNames reads a list of possibly quoted names, such as
// `"My Server" "web"`, split by strings.Fields.
func splitNames(fields []string) []string {
	rawArgs := strings.TrimSpace(strings.Join(fields, " "))
	if !strings.HasPrefix(rawArgs, `"`) {
		return fields
	}
	args := strings.Split(rawArgs, `" "`)
	for i, arg := range args {
		args[i] = unquote(arg)
	}
	return args
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
