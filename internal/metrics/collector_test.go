package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpVerifyCheck, 10*time.Millisecond)
	c.RecordTiming(OpVerifyCheck, 30*time.Millisecond)

	snap := c.Snapshot()
	require.NotNil(t, snap.VerifyCheck)
	assert.Equal(t, int64(2), snap.VerifyCheck.Count)
	assert.Equal(t, int64(40), snap.VerifyCheck.TotalTimeMs)
	assert.Equal(t, int64(10), snap.VerifyCheck.MinTimeMs)
	assert.Equal(t, int64(30), snap.VerifyCheck.MaxTimeMs)
	assert.Equal(t, 20.0, snap.VerifyCheck.AvgTimeMs)
	assert.Nil(t, snap.VerifyCheck.TotalRecords)
}

func TestCollector_RecordBatch(t *testing.T) {
	c := NewCollector()
	c.RecordBatch(OpUpsert, time.Second, 100)
	c.RecordBatch(OpUpsert, time.Second, 300)

	snap := c.Snapshot()
	require.NotNil(t, snap.Upsert)
	assert.Equal(t, int64(2), snap.Upsert.Count)
	require.NotNil(t, snap.Upsert.TotalRecords)
	assert.Equal(t, int64(400), *snap.Upsert.TotalRecords)
	require.NotNil(t, snap.Upsert.RecordsPerSecond)
	assert.InDelta(t, 200.0, *snap.Upsert.RecordsPerSecond, 0.01)
}

func TestCollector_EmptyOpsAreNil(t *testing.T) {
	snap := NewCollector().Snapshot()
	assert.Nil(t, snap.SourceRead)
	assert.Nil(t, snap.Upsert)
	assert.Nil(t, snap.VerifyCheck)
	assert.Nil(t, snap.Ingest)
}
