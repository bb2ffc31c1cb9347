package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortSpecMatchesTruthTable(t *testing.T) {
	tests := []struct {
		name      string
		rule      PortSpec
		candidate PortSpec
		want      Match
	}{
		{"any vs eq", AnyPort, PortEq(1000), MatchAll},
		{"any vs none", AnyPort, NonePort, MatchAll},
		{"none vs eq", NonePort, PortEq(1000), MatchNot},
		{"none vs none", NonePort, NonePort, MatchNot},
		{"none vs any", NonePort, AnyPort, MatchNot},
		{"eq vs same eq", PortEq(1000), PortEq(1000), MatchAll},
		{"eq vs other eq", PortEq(1000), PortEq(1001), MatchNot},
		{"eq vs any", PortEq(22), AnyPort, MatchPartial},
		{"neq vs same eq", PortNotEq(1000), PortEq(1000), MatchNot},
		{"neq vs other eq", PortNotEq(1000), PortEq(999), MatchAll},
		{"exclude vs neq overlapping", PortExcluding(400, 1001), PortNotEq(1000), MatchPartial},
		{"neq vs exclude containing the value", PortNotEq(1000), PortExcluding(2000, 3000), MatchPartial},
		{"identical range", PortBetween(500, 1001), PortBetween(500, 1001), MatchAll},
		{"inner range", PortBetween(500, 1001), PortBetween(600, 700), MatchAll},
		{"overlapping range", PortBetween(500, 1001), PortBetween(400, 600), MatchPartial},
		{"disjoint range", PortBetween(500, 1001), PortBetween(1, 499), MatchNot},
		{"range vs gte touching", PortBetween(500, 1001), PortGreaterEq(1001), MatchPartial},
		{"range vs lte touching", PortBetween(500, 1001), PortLessEq(500), MatchPartial},
		{"range vs gt outside", PortBetween(500, 1001), PortGreater(1001), MatchNot},
		{"range vs lt outside", PortBetween(500, 1001), PortLess(500), MatchNot},
		{"exclude vs excluded range", PortExcluding(400, 1001), PortBetween(400, 1001), MatchNot},
		{"exclude vs outside value", PortExcluding(400, 1001), PortEq(80), MatchAll},
		{"gte vs gt", PortGreaterEq(1024), PortGreater(1024), MatchAll},
		{"gt vs gte", PortGreater(1024), PortGreaterEq(1024), MatchPartial},
		{"lt vs any", PortLess(1024), AnyPort, MatchPartial},
		{"range vs empty candidate", PortBetween(1, 10), NonePort, MatchNot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(tt.candidate))
		})
	}
}

func TestParsePortSpec(t *testing.T) {
	services := map[string]int{"ssh": 22, "http": 80, "ms-sql-s": 1433}
	lookup := func(name string) (int, bool) {
		p, ok := services[name]
		return p, ok
	}

	tests := []struct {
		in   string
		want PortSpec
	}{
		{"", AnyPort},
		{"any", AnyPort},
		{"none", NonePort},
		{"80", PortEq(80)},
		{"=80", PortEq(80)},
		{"!=80", PortNotEq(80)},
		{"80:90", PortBetween(80, 90)},
		{"80-90", PortBetween(80, 90)},
		{"80><90", PortBetween(81, 89)},
		{"80><81", NonePort},
		{"80<>90", PortExcluding(80, 90)},
		{">1023", PortGreater(1023)},
		{">=1024", PortGreaterEq(1024)},
		{"<1024", PortLess(1024)},
		{"<=1023", PortLessEq(1023)},
		{"ssh", PortEq(22)},
		{"ms-sql-s", PortEq(1433)},
		{"ssh:http", PortBetween(22, 80)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePortSpec(tt.in, lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePortSpecRejectsInvalidInput(t *testing.T) {
	for _, in := range []string{"70000", "90:80", "telnet", ">abc", "-5"} {
		_, err := ParsePortSpec(in, nil)
		assert.Error(t, err, in)
	}
}

func TestPortSpecContainsAndString(t *testing.T) {
	s := PortExcluding(10, 20)
	assert.True(t, s.Contains(9))
	assert.False(t, s.Contains(15))
	assert.True(t, s.Contains(MaxPort))
	assert.True(t, PortLess(0).IsEmpty())
	assert.False(t, PortGreaterEq(0).IsEmpty())
	assert.Equal(t, "10<>20", s.String())
	assert.Equal(t, ">=1024", PortGreaterEq(1024).String())
	assert.Equal(t, "EXCLUDE", s.Op.String())
}
