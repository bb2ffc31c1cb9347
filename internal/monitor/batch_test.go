package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsfw/internal/model"
	"lsfw/internal/spec"
)

func newTask(src, dst string, proto model.Protocol, port int) model.Task {
	return model.Task{
		SrcCIDR:  src,
		DstCIDR:  dst,
		SrcRange: spec.MustParseIPRange(src),
		DstRange: spec.MustParseIPRange(dst),
		DstMeta:  map[string]string{"dst_gn": "gn1", "dst_site": "lab"},
		Port:     port,
		Proto:    proto,
	}
}

func TestTaskQuery(t *testing.T) {
	q := TaskQuery(&model.Task{Proto: model.TCP, Port: 443})
	assert.True(t, q.Flow.Protocols.Has(spec.ProtoTCP))
	assert.False(t, q.Flow.Protocols.Has(spec.ProtoUDP))
	assert.True(t, q.Flow.DstPort.Contains(443))
	assert.False(t, q.Flow.DstPort.Contains(80))

	q = TaskQuery(&model.Task{Proto: model.ICMP, Port: 8})
	assert.Equal(t, 8, q.Flow.ICMP.Type())

	q = TaskQuery(&model.Task{Proto: model.UDP, Port: -1})
	assert.True(t, q.Flow.DstPort.Contains(53))
	assert.True(t, q.Flow.DstPort.Contains(65535))
}

func TestRunBatch(t *testing.T) {
	lab := twoRouters + `    rules:
      - {action: block, direction: in, proto: [udp]}
`
	m := newMonitor(t, lab, Options{})

	tasks := make(chan model.Task, 3)
	tasks <- newTask("192.168.0.10", "192.168.1.20", model.TCP, 22)
	tasks <- newTask("192.168.0.10", "192.168.1.20", model.UDP, 53)
	tasks <- newTask("172.31.0.1", "192.168.1.20", model.TCP, 22)
	close(tasks)

	results := make(chan model.SimulationResult, 3)
	require.NoError(t, m.RunBatch(context.Background(), 2, tasks, results))

	byProto := map[string]model.SimulationResult{}
	var failed []model.SimulationResult
	for r := range results {
		if r.Verdict == string(Error) {
			failed = append(failed, r)
			continue
		}
		byProto[r.Protocol] = r
	}

	require.Len(t, byProto, 2)
	tcp := byProto["tcp"]
	assert.Equal(t, string(CertainAccept), tcp.Verdict)
	assert.Equal(t, 22, tcp.Port)
	assert.Equal(t, "gn1", tcp.DstGn)
	assert.Equal(t, "lab", tcp.DstSite)
	assert.NotEmpty(t, tcp.ReportID)
	assert.Equal(t, 1, tcp.Reached)

	udp := byProto["udp"]
	assert.Equal(t, string(CertainDeny), udp.Verdict)
	assert.Contains(t, udp.Reason, "r2 in")

	require.Len(t, failed, 1)
	assert.Equal(t, "172.31.0.1", failed[0].SrcNetworkSegment)
	assert.Contains(t, failed[0].Reason, ErrNoIngress.Error())
}

func TestRunBatchCanceled(t *testing.T) {
	m := newMonitor(t, twoRouters, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := make(chan model.Task, 1)
	tasks <- newTask("192.168.0.10", "192.168.1.20", model.TCP, 22)
	close(tasks)
	results := make(chan model.SimulationResult)

	err := m.RunBatch(ctx, 1, tasks, results)
	assert.ErrorIs(t, err, context.Canceled)
	_, open := <-results
	assert.False(t, open)
}
