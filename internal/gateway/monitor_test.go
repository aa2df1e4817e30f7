package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMaintenanceWindow(t *testing.T) {
	w, err := ParseMaintenanceWindow("02:00", "03:30", "America/New_York")
	require.NoError(t, err)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, ny) }

	assert.False(t, w.Contains(at(1, 59)))
	assert.True(t, w.Contains(at(2, 0)))
	assert.True(t, w.Contains(at(3, 29)))
	assert.False(t, w.Contains(at(3, 30)))
	assert.True(t, w.Contains(at(2, 30).UTC()), "zone conversion applies")
}

func TestMaintenanceWindow_CrossesMidnight(t *testing.T) {
	w, err := ParseMaintenanceWindow("23:00", "01:00", "")
	require.NoError(t, err)
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 15, 0, 0, time.UTC) }

	assert.True(t, w.Contains(at(23)))
	assert.True(t, w.Contains(at(0)))
	assert.False(t, w.Contains(at(1)))
	assert.False(t, w.Contains(at(12)))
}

func TestMaintenanceWindow_DisabledAndInvalid(t *testing.T) {
	w, err := ParseMaintenanceWindow("", "", "")
	require.NoError(t, err)
	assert.False(t, w.Contains(time.Now()))

	_, err = ParseMaintenanceWindow("25:00", "01:00", "")
	assert.Error(t, err)
	_, err = ParseMaintenanceWindow("01:00", "02:00", "Mars/Olympus")
	assert.Error(t, err)
}

func TestMonitor_RepublishesWhileDown(t *testing.T) {
	producer := &fakeProducer{}
	reporter := NewReporter(producer, nil, zap.NewNop())
	connected := false
	m := NewMonitor(func() bool { return connected }, "sess", reporter, MonitorOptions{
		RepublishInterval: 30 * time.Second,
	}, zap.NewNop())

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, m.Check(ctx))
	now = now.Add(5 * time.Second)
	assert.False(t, m.Check(ctx), "within republish interval")
	now = now.Add(30 * time.Second)
	assert.True(t, m.Check(ctx))

	recent := reporter.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, 0, recent[0].RepublishCount)
	assert.Equal(t, 1, recent[1].RepublishCount)
	assert.Equal(t, ConnectionError, recent[1].Type)

	connected = true
	assert.False(t, m.Check(ctx))
	connected = false
	assert.True(t, m.Check(ctx), "reconnect resets the republish clock")
	assert.Equal(t, 0, reporter.Recent()[2].RepublishCount)
}

func TestMonitor_SilentInMaintenance(t *testing.T) {
	w, err := ParseMaintenanceWindow("11:00", "13:00", "UTC")
	require.NoError(t, err)
	reporter := NewReporter(nil, nil, zap.NewNop())
	m := NewMonitor(func() bool { return false }, "sess", reporter, MonitorOptions{Window: w}, zap.NewNop())
	m.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }

	assert.False(t, m.Check(context.Background()))
	assert.True(t, m.InMaintenance())
	assert.Empty(t, reporter.Recent())
}

func TestReporter_KeysAndRetention(t *testing.T) {
	producer := &fakeProducer{}
	r := NewReporter(producer, nil, zap.NewNop())
	ctx := context.Background()

	at := time.UnixMilli(1700000000000)
	r.Report(ctx, ProtocolError{Type: CorrelationError, OrderID: "ord-1", At: at})
	r.Report(ctx, ProtocolError{Type: SequenceError, At: at})
	assert.Equal(t, []string{"protocol-error:ord-1", "protocol-error:SEQUENCE_ERROR_1700000000000"}, producer.keys)

	for i := 0; i < 150; i++ {
		r.Report(ctx, ProtocolError{Type: GeneralError, Message: fmt.Sprint(i)})
	}
	recent := r.Recent()
	assert.Len(t, recent, 100)
	assert.Equal(t, "149", recent[99].Message)
	assert.Equal(t, int64(150), r.Counts()[GeneralError])
}

func TestClassifyAdmin(t *testing.T) {
	cases := []struct {
		m    *fix.Message
		want ErrorType
		ok   bool
	}{
		{fix.NewMessage(fix.MsgTypeReject), MessageProcessingError, true},
		{fix.NewMessage(fix.MsgTypeResendRequest), SequenceError, true},
		{fix.NewMessage(fix.MsgTypeSequenceReset), SequenceError, true},
		{fix.NewMessage(fix.MsgTypeLogout).Set(fix.TagText, "Invalid password"), AuthenticationError, true},
		{fix.NewMessage(fix.MsgTypeLogout).Set(fix.TagText, "maintenance"), ConnectionError, true},
		{fix.NewMessage(fix.MsgTypeLogout), "", false},
		{fix.NewMessage(fix.MsgTypeHeartbeat), "", false},
	}
	for _, tc := range cases {
		got, ok := ClassifyAdmin(tc.m)
		assert.Equal(t, tc.ok, ok, tc.m.String())
		assert.Equal(t, tc.want, got, tc.m.String())
	}
}
