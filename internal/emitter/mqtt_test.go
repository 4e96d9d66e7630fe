package emitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/stylemixer"
	"github.com/e7canasta/stylemixer/internal/mixertest"
)

var testConfig = Config{
	QoS:         1,
	LayoutTopic: "mixer/layout/test",
	StatusTopic: "mixer/status/test",
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSnapshot(seq uint64) stylemixer.Snapshot {
	return stylemixer.Snapshot{
		Seq:       seq,
		TraceID:   "trace-1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Reason:    "attach",
		Result: stylemixer.LayoutResult{
			Placements: []stylemixer.Placement{
				{PortID: 1, Geometry: stylemixer.Geometry{X: 67, Y: 38, Width: 1146, Height: 644, Alpha: 1}},
			},
			Bound: 1,
		},
	}
}

func TestPublishSnapshot(t *testing.T) {
	client := mixertest.NewMQTTClient()
	e := NewWithClient(testConfig, client, quiet())

	require.NoError(t, e.PublishSnapshot(sampleSnapshot(3)))

	got := client.Published()
	require.Len(t, got, 1)
	assert.Equal(t, testConfig.LayoutTopic, got[0].Topic)
	assert.Equal(t, byte(1), got[0].QoS)
	assert.False(t, got[0].Retained)

	var decoded stylemixer.Snapshot
	require.NoError(t, msgpack.Unmarshal(got[0].Payload, &decoded))
	assert.Equal(t, uint64(3), decoded.Seq)
	assert.Equal(t, "attach", decoded.Reason)
	require.Len(t, decoded.Result.Placements, 1)
	assert.Equal(t, 1146, decoded.Result.Placements[0].Geometry.Width)
	assert.True(t, decoded.Timestamp.Equal(sampleSnapshot(3).Timestamp))

	stats := e.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Published[testConfig.LayoutTopic])
	assert.Equal(t, uint64(3), stats.LastSeq)
}

func TestPublishFailures(t *testing.T) {
	client := mixertest.NewMQTTClient()
	e := NewWithClient(testConfig, client, quiet())

	client.PublishErr = errors.New("broker went away")
	err := e.PublishSnapshot(sampleSnapshot(1))
	assert.ErrorContains(t, err, "publish failed")

	client.PublishErr = nil
	require.NoError(t, e.Disconnect())
	err = e.PublishStatus([]byte(`{}`))
	assert.ErrorContains(t, err, "not connected")

	stats := e.Stats()
	assert.False(t, stats.Connected)
	assert.Equal(t, uint64(2), stats.Errors)
	assert.Empty(t, client.Published())
}

func TestRunForwardsUntilClosed(t *testing.T) {
	client := mixertest.NewMQTTClient()
	e := NewWithClient(testConfig, client, quiet())

	ch := make(chan stylemixer.Snapshot, 4)
	for i := uint64(1); i <= 3; i++ {
		ch <- sampleSnapshot(i)
	}
	close(ch)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), ch) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}

	assert.Len(t, client.Published(), 3)
	assert.Equal(t, uint64(3), e.Stats().LastSeq)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := NewWithClient(testConfig, mixertest.NewMQTTClient(), quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, make(chan stylemixer.Snapshot)) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
