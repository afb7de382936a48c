package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetSpectraRx/internal/stats"
)

func testReport() *stats.Report {
	c := &stats.Counters{}
	c.Packets.Add(100)
	c.Delivered.Add(30)
	c.Flushes.Add(25)
	c.FlowsAdded.Add(4)
	c.FlowsEvicted.Add(1)
	return &stats.Report{
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Counters:       c.Snapshot(),
		ActiveFlows:    3,
		PendingUpdates: 2,
	}
}

func TestGobWriter_Write(t *testing.T) {
	tmpDir := t.TempDir()
	w := NewGobWriter(tmpDir, time.Second)
	assert.Equal(t, time.Second, w.GetInterval())

	require.NoError(t, w.Write(testReport(), "2024-05-01_12-00-00"))

	dir := filepath.Join(tmpDir, "2024-05-01_12-00-00")
	summaryBytes, err := os.ReadFile(filepath.Join(dir, summaryFile))
	require.NoError(t, err)
	var summary SummaryData
	require.NoError(t, json.Unmarshal(summaryBytes, &summary))
	assert.Equal(t, 3, summary.ActiveFlows)
	assert.Equal(t, 2, summary.PendingUpdates)
	assert.Equal(t, uint64(100), summary.Packets)
	assert.Equal(t, uint64(1), summary.FlowsEvicted)
	assert.Equal(t, "2024-05-01T12:00:00Z", summary.Timestamp)

	got, err := ReadReport(filepath.Join(dir, reportFile))
	require.NoError(t, err)
	assert.Equal(t, testReport().Counters, got.Counters)
	assert.True(t, testReport().Timestamp.Equal(got.Timestamp))
}

func TestGobWriter_RejectsPayload(t *testing.T) {
	w := NewGobWriter(t.TempDir(), time.Second)
	assert.Error(t, w.Write("not a report", "ts"))
}

func TestClickHouseRows(t *testing.T) {
	r := testReport()
	rs := rows(r)
	require.Len(t, rs, len(r.Counters.Fields()))
	assert.Equal(t, []interface{}{r.Timestamp, "flows_added", uint64(4), uint32(3), uint32(2)}, rs[0])

	w := &ClickHouseWriter{interval: time.Minute}
	assert.Error(t, w.Write(struct{}{}, ""))
}
