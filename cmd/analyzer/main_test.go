package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lsfw/internal/parser"
)

const testLab = `
devices:
  - name: r1
    interfaces:
      - name: em0
        links: [{address: 192.168.0.1/24}]
      - name: em1
        links: [{address: 10.0.0.1/24}]
    routes:
      - {destination: 192.168.1.0/24, nexthop: 10.0.0.2}
  - name: r2
    interfaces:
      - name: em0
        links: [{address: 10.0.0.2/24}]
      - name: em1
        links: [{address: 192.168.1.1/24}]
    routes:
      - {destination: 192.168.0.0/24, nexthop: 10.0.0.1}
    rules:
      - {action: block, direction: in, on: [em0], proto: [udp], label: no-udp}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return records
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()
	if cmd.Use != "lsfw" {
		t.Errorf("Expected use 'lsfw', got '%s'", cmd.Use)
	}
	for _, name := range []string{"probe", "batch", "topology"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("Expected subcommand %s, got %v (%v)", name, sub, err)
		}
	}
}

func TestEstimateTotalTasks(t *testing.T) {
	if estimateTotalTasks(nil, modeRange, 10) != 0 {
		t.Error("Expected 0 for nil traffic")
	}

	prefix := netip.MustParsePrefix("10.0.0.0/24")
	traffic := &parser.InputTraffic{
		SrcIPs: []netip.Prefix{prefix},
		DstIPs: []parser.Destination{{Prefix: prefix}},
		Ports: []parser.PortInfo{
			{Protocol: "tcp", Port: 80},
			{Protocol: "udp", Port: 53},
		},
	}

	tests := []struct {
		mode     string
		maxHosts uint64
		want     uint64
	}{
		{modeRange, 65536, 2},
		{modeExpand, 65536, 256 * 256 * 2},
		{modeExpand, 10, 2},
	}
	for _, tt := range tests {
		if got := estimateTotalTasks(traffic, tt.mode, tt.maxHosts); got != tt.want {
			t.Errorf("mode %s max-hosts %d: expected %d tasks, got %d", tt.mode, tt.maxHosts, tt.want, got)
		}
	}
}

func TestEndpoints(t *testing.T) {
	p := netip.MustParsePrefix("192.168.1.0/30")
	if got := endpoints(p, false); len(got) != 1 || got[0].String() != "192.168.1.0/30" {
		t.Errorf("Expected the whole segment, got %v", got)
	}
	got := endpoints(p, true)
	if len(got) != 4 || got[3].String() != "192.168.1.3" {
		t.Errorf("Expected 4 hosts, got %v", got)
	}
}

func TestSetupLogger(t *testing.T) {
	var warn bytes.Buffer
	for _, lvl := range []string{"DEBUG", "INFO", "WARN", "ERROR", "UNKNOWN"} {
		if l := setupLogger(lvl, "", &warn); l == nil {
			t.Errorf("setupLogger returned nil for level %s", lvl)
		}
	}

	logFile := filepath.Join(t.TempDir(), "test.log")
	l := setupLogger("INFO", logFile, &warn)
	if l == nil {
		t.Fatal("setupLogger with file returned nil")
	}
	l.Info("written to file")
	if data, err := os.ReadFile(logFile); err != nil || !strings.Contains(string(data), "written to file") {
		t.Errorf("Expected the log line in %s, got %q (%v)", logFile, data, err)
	}
	if warn.Len() != 0 {
		t.Errorf("Expected no warning, got %q", warn.String())
	}

	if l := setupLogger("INFO", "/nonexistent/path/to/log.log", &warn); l == nil {
		t.Error("setupLogger should return a logger even if file fails")
	}
	if !strings.Contains(warn.String(), "cannot open log file /nonexistent/path/to/log.log") {
		t.Errorf("Expected a warning about the log file, got %q", warn.String())
	}
}

func TestProbe(t *testing.T) {
	lab := writeFile(t, t.TempDir(), "lab.yaml", testLab)

	out, err := execute(t, "probe", "--topology", lab, "--src", "192.168.0.10", "--dst", "192.168.1.20", "--proto", "tcp", "--dport", "ssh", "--json")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var report struct {
		Verdict string `json:"verdict"`
		Reached int    `json:"reached"`
		Probes  []struct {
			State   string `json:"state"`
			History []struct {
				Device string `json:"device"`
			} `json:"history"`
		} `json:"probes"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Invalid JSON report: %v\n%s", err, out)
	}
	if report.Verdict != "certain-accept" || report.Reached != 1 {
		t.Errorf("Expected one accepted probe, got %+v", report)
	}
	if len(report.Probes) != 1 || report.Probes[0].State != "DESTINATION_REACHED" || len(report.Probes[0].History) != 2 {
		t.Errorf("Unexpected probes %+v", report.Probes)
	}

	out, err = execute(t, "probe", "-t", lab, "--src", "192.168.0.10", "--dst", "192.168.1.20", "--proto", "udp", "--dport", "53")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, want := range []string{"certain-deny", "no-udp", "r2 em0(10.0.0.2) > em1(192.168.1.1)"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestProbeErrors(t *testing.T) {
	lab := writeFile(t, t.TempDir(), "lab.yaml", testLab)

	tests := []struct {
		name string
		args []string
	}{
		{"missing topology", []string{"probe", "--src", "192.168.0.10", "--dst", "192.168.1.20"}},
		{"missing destination", []string{"probe", "-t", lab, "--src", "192.168.0.10"}},
		{"bad source", []string{"probe", "-t", lab, "--src", "bogus", "--dst", "192.168.1.20"}},
		{"bad port", []string{"probe", "-t", lab, "--src", "192.168.0.10", "--dst", "192.168.1.20", "--dport", "nope"}},
		{"no ingress", []string{"probe", "-t", lab, "--src", "172.31.0.1", "--dst", "192.168.1.20"}},
		{"unknown lab", []string{"probe", "-t", lab + ".missing", "--src", "192.168.0.10", "--dst", "192.168.1.20"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestTopology(t *testing.T) {
	lab := writeFile(t, t.TempDir(), "lab.yaml", testLab)
	out, err := execute(t, "topology", "--topology", lab)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, want := range []string{"r1 (router)", "via 10.0.0.2 dev em1", "segment 1", "10.0.0.0/24"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestBatch(t *testing.T) {
	tmpDir := t.TempDir()
	lab := writeFile(t, tmpDir, "lab.yaml", testLab)
	src := writeFile(t, tmpDir, "src.csv", "Network Segment\n192.168.0.0/30")
	dst := writeFile(t, tmpDir, "dst.csv", "Network Segment,GN,Site,Location\n192.168.1.0/30,GN1,Site1,Loc1")
	ports := writeFile(t, tmpDir, "ports.txt", "ssh,22/tcp\ndns,53/udp")
	outFile := filepath.Join(tmpDir, "out.csv")
	routableFile := filepath.Join(tmpDir, "routable.csv")

	_, err := execute(t, "batch",
		"--topology", lab,
		"--src", src,
		"--dst", dst,
		"--ports", ports,
		"--out", outFile,
		"--routable", routableFile,
		"--mode", modeRange,
		"--log-level", "DEBUG",
	)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rows := readCSV(t, outFile)
	if len(rows) != 3 {
		t.Fatalf("Expected a header and 2 rows, got %v", rows)
	}
	col := make(map[string]int)
	for i, name := range rows[0] {
		col[name] = i
	}
	verdicts := map[string]string{}
	for _, row := range rows[1:] {
		verdicts[row[col["service_label"]]] = row[col["verdict"]]
		if row[col["dst_gn"]] != "GN1" || row[col["dst_address"]] != "192.168.1.0/30" {
			t.Errorf("Unexpected row %v", row)
		}
	}
	if verdicts["ssh"] != "certain-accept" || verdicts["dns"] != "certain-deny" {
		t.Errorf("Unexpected verdicts %v", verdicts)
	}

	routable := readCSV(t, routableFile)
	if len(routable) != 2 || routable[1][col["service_label"]] != "ssh" {
		t.Errorf("Expected only the ssh row to be routable, got %v", routable)
	}

	expandOut := filepath.Join(tmpDir, "out_expand.csv")
	_, err = execute(t, "batch",
		"-t", lab,
		"--src", src,
		"--dst", dst,
		"--ports", ports,
		"--out", expandOut,
		"--routable", filepath.Join(tmpDir, "routable_expand.csv"),
		"--mode", modeExpand,
		"--max-hosts", "4",
		"--workers", "3",
		"--parallel",
	)
	if err != nil {
		t.Fatalf("Expand mode Execute failed: %v", err)
	}
	if rows := readCSV(t, expandOut); len(rows) != 1+4*4*2 {
		t.Errorf("Expected %d rows in expand mode, got %d", 4*4*2, len(rows)-1)
	}
}

func TestBatchErrors(t *testing.T) {
	tmpDir := t.TempDir()
	lab := writeFile(t, tmpDir, "lab.yaml", testLab)
	src := writeFile(t, tmpDir, "src.csv", "Network Segment\n10.0.0.0/16")
	dst := writeFile(t, tmpDir, "dst.csv", "Network Segment\n10.1.0.0/16")
	ports := writeFile(t, tmpDir, "ports.txt", "80/tcp")

	tests := []struct {
		name string
		args []string
	}{
		{"missing inputs", []string{"batch", "-t", lab, "--src", filepath.Join(tmpDir, "nonexistent"), "--dst", dst, "--ports", ports}},
		{"unknown mode", []string{"batch", "-t", lab, "--src", src, "--dst", dst, "--ports", ports, "--mode", "sample"}},
		{"too many tasks", []string{"batch", "-t", lab, "--src", src, "--dst", dst, "--ports", ports, "--mode", modeExpand, "--max-tasks", "1000"}},
		{"bad output", []string{"batch", "-t", lab, "--src", src, "--dst", dst, "--ports", ports, "--out", filepath.Join(tmpDir, "missing", "out.csv")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
