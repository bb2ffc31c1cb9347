package parser

import (
	"strings"
	"testing"

	"lsfw/internal/model"
)

func TestParseInputTraffic(t *testing.T) {
	traffic, err := ParseInputTraffic(
		strings.NewReader("Network Segment\n10.0.0.0/24\n"),
		strings.NewReader("Site,Network Segment\nDC1,192.168.1.5\n"),
		strings.NewReader("ssh,22/tcp\nping,icmp\n"),
	)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(traffic.SrcIPs) != 1 || len(traffic.DstIPs) != 1 || len(traffic.Ports) != 2 {
		t.Fatalf("unexpected traffic %+v", traffic)
	}
	if traffic.DstIPs[0].Metadata["dst_site"] != "DC1" {
		t.Fatalf("expected the site column before the segment to be kept, got %v", traffic.DstIPs[0].Metadata)
	}

	_, err = ParseInputTraffic(strings.NewReader("Segment\n10.0.0.0/24\n"), strings.NewReader(""), strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "source file") {
		t.Fatalf("expected a source file error, got %v", err)
	}
}

func TestParseSrcFile(t *testing.T) {
	srcs, err := parseSrcFile(strings.NewReader("Network Segment,Owner\n10.0.0.7/24,ops\nnot-an-ip,x\n2001:db8::1\n::ffff:1.1.1.1,y\n"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"10.0.0.0/24", "2001:db8::1/128", "1.1.1.1/32"}
	if len(srcs) != len(want) {
		t.Fatalf("expected %d sources, got %v", len(want), srcs)
	}
	for i, w := range want {
		if srcs[i].String() != w {
			t.Errorf("source %d: expected %s, got %s", i, w, srcs[i])
		}
	}
}

func TestParseDstFileKeepsMetadata(t *testing.T) {
	dsts, err := parseDstFile(strings.NewReader("Network Segment,GN,Site,Location\n192.168.1.0/24,GN1,DC1,US\n10.0.0.1,GN2\n"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(dsts) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(dsts))
	}

	meta := dsts[0].Metadata
	if meta["dst_gn"] != "GN1" || meta["dst_site"] != "DC1" || meta["dst_location"] != "US" {
		t.Fatalf("unexpected metadata %#v", meta)
	}
	if _, ok := dsts[1].Metadata["dst_location"]; ok {
		t.Fatalf("expected a short row to leave missing columns out, got %#v", dsts[1].Metadata)
	}
	if dsts[1].Prefix.String() != "10.0.0.1/32" {
		t.Fatalf("expected a host prefix, got %s", dsts[1].Prefix)
	}
}

func TestSegmentFilesNeedHeader(t *testing.T) {
	for _, input := range []string{"Wrong Header\n10.0.0.0/24\n", ""} {
		if _, err := parseSrcFile(strings.NewReader(input)); err == nil {
			t.Errorf("source %q: expected an error", input)
		}
		if _, err := parseDstFile(strings.NewReader(input)); err == nil {
			t.Errorf("destination %q: expected an error", input)
		}
	}
}

func TestParsePortLine(t *testing.T) {
	tests := []struct {
		line string
		want PortInfo
		ok   bool
	}{
		{"ssh,22/tcp", PortInfo{Label: "ssh", Port: 22, Protocol: model.TCP}, true},
		{"53/UDP", PortInfo{Label: "53/UDP", Port: 53, Protocol: model.UDP}, true},
		{"echo, 8/icmp", PortInfo{Label: "echo", Port: 8, Protocol: model.ICMP}, true},
		{"ping,icmp", PortInfo{Label: "ping", Port: -1, Protocol: model.ICMP}, true},
		{"http,80", PortInfo{}, false},
		{"bad/icmp", PortInfo{}, false},
		{"300/icmp", PortInfo{}, false},
		{"99999/tcp", PortInfo{}, false},
		{"80/sctp", PortInfo{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parsePortLine(tt.line)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("expected %+v (%v), got %+v (%v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}

func TestParsePortsFileSkipsCommentsAndInvalidLines(t *testing.T) {
	ports, err := parsePortsFile(strings.NewReader("# services\nssh,22/tcp\n\ninvalid\nping,icmp\n"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(ports) != 2 || ports[1].Protocol != model.ICMP {
		t.Fatalf("unexpected ports %+v", ports)
	}
}
