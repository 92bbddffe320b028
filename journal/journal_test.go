package journal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndFind(t *testing.T) {
	j := New(10)

	j.Append("mqtt-plant-a", "connection", "broker unreachable", 1, map[string]any{"host": "broker-1"})
	j.Append("http-meters", "parse", "bad payload", 1, nil)
	j.Append("mqtt-plant-a", "connection", "broker unreachable", 2, nil)

	recs := j.Find(Query{Source: "mqtt-plant-a"})
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, 2, recs[1].Attempt)

	recs = j.Find(Query{ErrorType: "parse"})
	require.Len(t, recs, 1)
	assert.Equal(t, "http-meters", recs[0].Source)
}

func TestEviction(t *testing.T) {
	j := New(3)

	for i := 0; i < 5; i++ {
		j.Append("src", "write", fmt.Sprintf("err %d", i), 1, nil)
	}

	assert.Equal(t, 3, j.Len())
	recs := j.Find(Query{})
	require.Len(t, recs, 3)
	assert.Equal(t, "err 2", recs[0].Message)
	assert.Equal(t, "err 4", recs[2].Message)

	// Running counts are not affected by eviction.
	assert.Equal(t, int64(5), j.CountByType()["write"])
}

func TestResolve(t *testing.T) {
	j := New(10)
	j.Append("a", "connection", "x", 1, nil)
	j.Append("a", "connection", "y", 2, nil)
	j.Append("b", "connection", "z", 1, nil)

	assert.Equal(t, 2, j.Resolve("a"))
	assert.Equal(t, 0, j.Resolve("a")) // already resolved

	for _, rec := range j.Find(Query{Source: "a"}) {
		assert.True(t, rec.Resolved)
	}
	for _, rec := range j.Find(Query{Source: "b"}) {
		assert.False(t, rec.Resolved)
	}
}

func TestTimeRangeAndLimit(t *testing.T) {
	j := New(10)
	j.Append("a", "t", "old", 1, nil)
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	j.Append("a", "t", "new1", 1, nil)
	j.Append("a", "t", "new2", 1, nil)

	recs := j.Find(Query{Since: cut})
	require.Len(t, recs, 2)
	assert.Equal(t, "new1", recs[0].Message)

	recs = j.Find(Query{Limit: 1})
	require.Len(t, recs, 1)
	assert.Equal(t, "old", recs[0].Message)
}

func TestRecentAndLastErrorTime(t *testing.T) {
	j := New(10)
	assert.True(t, j.LastErrorTime("a").IsZero())

	j.Append("a", "t", "first", 1, nil)
	j.Append("a", "t", "second", 1, nil)

	recent := j.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "second", recent[0].Message)

	last := j.LastErrorTime("a")
	assert.False(t, last.IsZero())
	assert.Equal(t, recent[0].Timestamp, last)
}
