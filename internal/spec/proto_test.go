package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protoLookup(name string) (int, bool) {
	p, ok := map[string]int{"tcp": ProtoTCP, "udp": ProtoUDP, "icmp": ProtoICMP}[name]
	return p, ok
}

func TestProtoSetMatches(t *testing.T) {
	tcp := NewProtoSet(ProtoTCP)
	tcpUDP := NewProtoSet(ProtoTCP, ProtoUDP)

	assert.Equal(t, MatchAll, AnyProto.Matches(tcp))
	assert.Equal(t, MatchAll, tcpUDP.Matches(tcp))
	assert.Equal(t, MatchPartial, tcp.Matches(tcpUDP))
	assert.Equal(t, MatchPartial, tcp.Matches(AnyProto))
	assert.Equal(t, MatchNot, tcp.Matches(NewProtoSet(ProtoICMP)))
	assert.Equal(t, MatchNot, tcp.Matches(NewProtoSet()))
	assert.Equal(t, MatchNot, NewProtoSet().Matches(AnyProto))
}

func TestParseProtoSet(t *testing.T) {
	s, err := ParseProtoSet([]string{"tcp", "17"}, protoLookup)
	require.NoError(t, err)
	assert.Equal(t, []int{ProtoTCP, ProtoUDP}, s.Protocols())
	assert.Equal(t, "{tcp, udp}", s.String())

	s, err = ParseProtoSet(nil, protoLookup)
	require.NoError(t, err)
	assert.True(t, s.IsAny())

	s, err = ParseProtoSet([]string{"tcp", "any"}, protoLookup)
	require.NoError(t, err)
	assert.True(t, s.IsAny())

	_, err = ParseProtoSet([]string{"bogus"}, protoLookup)
	assert.Error(t, err)
	_, err = ParseProtoSet([]string{"300"}, protoLookup)
	assert.Error(t, err)
}

func TestTCPFlagsMatches(t *testing.T) {
	synOnly, err := ParseTCPFlags("S/SA")
	require.NoError(t, err)
	assert.Equal(t, "S/SA", synOnly.String())

	syn, err := ParseTCPFlags("S/FSRPAUEW")
	require.NoError(t, err)
	synAck, err := ParseTCPFlags("SA/FSRPAUEW")
	require.NoError(t, err)
	ack, err := ParseTCPFlags("A/A")
	require.NoError(t, err)

	assert.Equal(t, MatchAll, AnyFlags.Matches(syn))
	assert.Equal(t, MatchAll, synOnly.Matches(syn))
	assert.Equal(t, MatchNot, synOnly.Matches(synAck))
	assert.Equal(t, MatchPartial, synOnly.Matches(AnyFlags))
	assert.Equal(t, MatchNot, synOnly.Matches(ack))

	_, err = ParseTCPFlags("SA/S")
	assert.Error(t, err)
	_, err = ParseTCPFlags("Q/SA")
	assert.Error(t, err)
}

func TestICMPSpec(t *testing.T) {
	echo, err := ParseICMPSpec("echoreq")
	require.NoError(t, err)
	assert.Equal(t, 8, echo.Type())
	assert.Equal(t, -1, echo.Code())

	unreach, err := ParseICMPSpec("3/1")
	require.NoError(t, err)

	assert.Equal(t, MatchAll, AnyICMP.Matches(echo))
	assert.Equal(t, MatchPartial, echo.Matches(AnyICMP))
	assert.Equal(t, MatchAll, echo.Matches(ICMPTypeCode(8, 0)))
	assert.Equal(t, MatchNot, echo.Matches(unreach))
	assert.Equal(t, MatchPartial, unreach.Matches(ICMPType(3)))
	assert.Equal(t, MatchNot, unreach.Matches(ICMPTypeCode(3, 0)))

	anyCode, err := ParseICMPSpec("3/-1")
	require.NoError(t, err)
	assert.Equal(t, "3", anyCode.String())

	_, err = ParseICMPSpec("x/y")
	assert.Error(t, err)
}
