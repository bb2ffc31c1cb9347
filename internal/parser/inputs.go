package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"lsfw/internal/model"
)

// InputTraffic is the batch definition: every source segment is probed
// against every destination segment on every port.
type InputTraffic struct {
	SrcIPs []netip.Prefix
	DstIPs []Destination
	Ports  []PortInfo
}

type Destination struct {
	Prefix   netip.Prefix
	Metadata map[string]string
}

// PortInfo is one service to probe. For ICMP, Port holds the message type
// or -1 for any.
type PortInfo struct {
	Label    string
	Port     int
	Protocol model.Protocol
}

func ParseInputTraffic(srcFile, dstFile, portsFile io.Reader) (*InputTraffic, error) {
	srcIPs, err := parseSrcFile(srcFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing source file: %w", err)
	}

	dsts, err := parseDstFile(dstFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing destination file: %w", err)
	}

	ports, err := parsePortsFile(portsFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing ports file: %w", err)
	}

	return &InputTraffic{
		SrcIPs: srcIPs,
		DstIPs: dsts,
		Ports:  ports,
	}, nil
}

// parseSegment reads a CIDR or a single address, which becomes a host
// prefix.
func parseSegment(s string) (netip.Prefix, bool) {
	s = strings.TrimSpace(s)
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), true
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), true
}

// segmentRow is one usable row of a segment file, with its cells keyed by
// lower-cased header.
type segmentRow struct {
	prefix netip.Prefix
	cells  map[string]string
}

// readSegments reads a CSV file holding a "Network Segment" column. Rows
// whose segment is not an address or a CIDR are skipped.
func readSegments(r io.Reader) ([]segmentRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	columns := make([]string, len(header))
	segment := -1
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(name))
		if columns[i] == segmentColumn && segment < 0 {
			segment = i
		}
	}
	if segment < 0 {
		return nil, fmt.Errorf("could not find 'Network Segment' column")
	}

	var rows []segmentRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if segment >= len(record) {
			continue
		}
		p, ok := parseSegment(record[segment])
		if !ok {
			slog.Debug("Skipping segment", "line", line, "value", record[segment])
			continue
		}
		row := segmentRow{prefix: p, cells: make(map[string]string, len(record))}
		for i, cell := range record {
			if i < len(columns) {
				row.cells[columns[i]] = cell
			}
		}
		rows = append(rows, row)
	}
}

const segmentColumn = "network segment"

func parseSrcFile(r io.Reader) ([]netip.Prefix, error) {
	rows, err := readSegments(r)
	if err != nil {
		return nil, err
	}
	prefixes := make([]netip.Prefix, len(rows))
	for i, row := range rows {
		prefixes[i] = row.prefix
	}
	return prefixes, nil
}

// parseDstFile keeps every column of a destination as metadata, under its
// header prefixed with "dst_".
func parseDstFile(r io.Reader) ([]Destination, error) {
	rows, err := readSegments(r)
	if err != nil {
		return nil, err
	}
	dsts := make([]Destination, len(rows))
	for i, row := range rows {
		meta := make(map[string]string, len(row.cells))
		for name, cell := range row.cells {
			meta["dst_"+name] = cell
		}
		dsts[i] = Destination{Prefix: row.prefix, Metadata: meta}
	}
	return dsts, nil
}

// parsePortsFile reads one service per line: "[label,]port/proto" or
// "[label,]icmp". Blank lines, comments and malformed entries are skipped.
func parsePortsFile(r io.Reader) ([]PortInfo, error) {
	scanner := bufio.NewScanner(r)
	var ports []PortInfo
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		info, ok := parsePortLine(line)
		if !ok {
			slog.Debug("Skipping service", "value", line)
			continue
		}
		ports = append(ports, info)
	}
	return ports, scanner.Err()
}

func parsePortLine(line string) (PortInfo, bool) {
	label, service, ok := strings.Cut(line, ",")
	if !ok {
		service = label
	}
	label = strings.TrimSpace(label)
	service = strings.TrimSpace(service)

	if strings.EqualFold(service, string(model.ICMP)) {
		return PortInfo{Label: label, Port: -1, Protocol: model.ICMP}, true
	}
	portStr, protoStr, ok := strings.Cut(service, "/")
	if !ok {
		return PortInfo{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return PortInfo{}, false
	}
	proto := model.Protocol(strings.ToLower(protoStr))
	switch proto {
	case model.TCP, model.UDP:
	case model.ICMP:
		if port > 255 {
			return PortInfo{}, false
		}
	default:
		return PortInfo{}, false
	}
	return PortInfo{Label: label, Port: port, Protocol: proto}, true
}
