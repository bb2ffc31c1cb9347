package model

import (
	"strings"

	"lsfw/internal/spec"
)

type Protocol string // "tcp", "udp", "icmp"

const (
	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	ICMP Protocol = "icmp"
)

// Number returns the IP protocol number, or -1 when unknown.
func (p Protocol) Number() int {
	switch p {
	case TCP:
		return spec.ProtoTCP
	case UDP:
		return spec.ProtoUDP
	case ICMP:
		return spec.ProtoICMP
	}
	return -1
}

type Action string

const (
	ActionAccept Action = "accept"
	ActionDeny   Action = "deny"
	ActionMatch  Action = "match"
)

// ParseAction accepts the FortiGate and pf spellings of an action.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "pass", "allow", "permit":
		return ActionAccept, true
	case "deny", "block", "drop", "reject":
		return ActionDeny, true
	case "match":
		return ActionMatch, true
	}
	return "", false
}

type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
	Any Direction = "any"
)

func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in":
		return In, true
	case "out":
		return Out, true
	case "", "any", "inout":
		return Any, true
	}
	return "", false
}

type AddressObject struct {
	Name  string
	Type  string // "ipmask", "iprange", "fqdn"
	Range spec.IPRange
	FQDN  string
}

type ServiceObject struct {
	Name     string
	Protocol Protocol // empty for "all"
	Ports    spec.PortSpec
	SrcPorts spec.PortSpec
	ICMP     spec.ICMPSpec
}

// Policy is a FortiGate style object policy as read from a configuration
// file or the policy database.
type Policy struct {
	ID              string
	Priority        int
	Name            string
	SrcIntf         []string
	DstIntf         []string
	SrcAddrs        []*AddressObject // Pre-expanded group
	DstAddrs        []*AddressObject
	Services        []*ServiceObject
	RawSrcAddrNames []string
	RawDstAddrNames []string
	RawSvcNames     []string
	Action          string // "accept", "deny"
	Enabled         bool
	Schedule        string
}

// Service is one protocol/port alternative of a rule.
type Service struct {
	Protocols spec.ProtoSet
	SrcPort   spec.PortSpec
	DstPort   spec.PortSpec
	ICMP      spec.ICMPSpec
}

// Rule is the evaluated form shared by every device family. Empty interface
// lists and an empty service list place no constraint.
type Rule struct {
	ID        string
	Text      string
	Action    Action
	Direction Direction
	Quick     bool
	On        []string // pf "on" interfaces
	SrcIntf   []string // FortiGate ingress interfaces
	DstIntf   []string // FortiGate egress interfaces
	Src       spec.IPSpec
	Dst       spec.IPSpec
	Services  []Service
	Flags     spec.TCPFlags
}

// Task is one batch flow. Port is -1 for any, or the message type for ICMP.
type Task struct {
	SrcCIDR      string
	DstCIDR      string
	SrcRange     spec.IPRange
	DstRange     spec.IPRange
	DstMeta      map[string]string // For output
	Port         int
	Proto        Protocol
	ServiceLabel string
}

type SimulationResult struct {
	SrcNetworkSegment string
	DstNetworkSegment string
	SrcAddress        string
	DstAddress        string
	DstGn             string
	DstSite           string
	DstLocation       string
	ServiceLabel      string
	Protocol          string
	Port              int
	Verdict           string // "certain-accept", "may-deny", "no-route", ...
	Result            string
	ReportID          string
	Probes            int
	Reached           int
	Reason            string
}
