package errstats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAccumulatesRecentAndCount(t *testing.T) {
	l := NewLedger()

	l.Record(Entry{Pool: "app", PID: 1, Kind: "exit", Data: "signal: killed"})
	l.Record(Entry{Pool: "app", PID: 2, Kind: "timeout"})
	l.Record(Entry{Pool: "other", PID: 9, Kind: "exit"})

	require.Equal(t, uint32(2), l.Count("app"))
	require.Equal(t, uint32(1), l.Count("other"))
	require.Equal(t, uint32(0), l.Count("missing"))

	recent := l.Recent("app")
	require.Len(t, recent, 2)
	require.Equal(t, "exit", recent[0].Kind)
	require.Equal(t, "timeout", recent[1].Kind)
}

func TestRecentIsBoundedByMaxRecent(t *testing.T) {
	l := NewLedger()
	l.maxRecent = 3

	for i := 0; i < 10; i++ {
		l.Record(Entry{Pool: "app", PID: i, Kind: "exit"})
	}

	recent := l.Recent("app")
	require.Len(t, recent, 3)
	require.Equal(t, 7, recent[0].PID)
	require.Equal(t, 9, recent[2].PID)
	require.Equal(t, uint32(10), l.Count("app"))
}

func TestReset(t *testing.T) {
	l := NewLedger()
	l.Record(Entry{Pool: "app", Kind: "exit"})
	require.Equal(t, uint32(1), l.Count("app"))

	l.Reset("app")
	require.Equal(t, uint32(0), l.Count("app"))
	require.Empty(t, l.Recent("app"))
}
