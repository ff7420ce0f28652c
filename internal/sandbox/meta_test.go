package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMeta_CleanExit(t *testing.T) {
	meta := []byte("time:0.012\ntime-wall:0.031\ncg-mem:1824\nexitcode:0\n")

	report, err := parseMeta(meta, Limits{})
	require.NoError(t, err)

	assert.Equal(t, CauseOK, report.Cause)
	assert.Equal(t, 0.012, report.CPUTime)
	assert.Equal(t, 0.031, report.WallTime)
	assert.Equal(t, int64(1824), report.MemoryKB)
	assert.Equal(t, 0, report.ExitCode)
}

func TestParseMeta_NonzeroExit(t *testing.T) {
	meta := []byte("time:0.004\ntime-wall:0.010\ncg-mem:900\nexitcode:3\nstatus:RE\nmessage:Exited with error status 3\n")

	report, err := parseMeta(meta, Limits{})
	require.NoError(t, err)

	assert.Equal(t, CauseNonzeroExit, report.Cause)
	assert.Equal(t, 3, report.ExitCode)
}

func TestParseMeta_TimeLimit(t *testing.T) {
	meta := []byte("time:1.102\ntime-wall:1.150\ncg-mem:1200\nstatus:TO\nmessage:Time limit exceeded\n")

	report, err := parseMeta(meta, Limits{CPUTime: 1.0})
	require.NoError(t, err)

	assert.Equal(t, CauseTimeLimit, report.Cause)
	assert.GreaterOrEqual(t, report.CPUTime, 1.0)
}

func TestParseMeta_WallLimit(t *testing.T) {
	meta := []byte("time:0.002\ntime-wall:10.5\nstatus:TO\nmessage:Time limit exceeded (wall clock)\n")

	report, err := parseMeta(meta, Limits{WallTime: 10})
	require.NoError(t, err)

	assert.Equal(t, CauseWallLimit, report.Cause)
}

func TestParseMeta_MemoryLimitFromCgroupKill(t *testing.T) {
	// The cgroup OOM path delivers SIGKILL with the controller at the cap.
	meta := []byte("time:0.310\ntime-wall:0.320\ncg-mem:131072\nexitsig:9\nstatus:SG\nmessage:Caught fatal signal 9\n")

	report, err := parseMeta(meta, Limits{MemoryKB: 131072})
	require.NoError(t, err)

	assert.Equal(t, CauseMemoryLimit, report.Cause)
	assert.Equal(t, int64(131072), report.MemoryKB)
}

func TestParseMeta_PlainSignalBelowMemoryLimit(t *testing.T) {
	meta := []byte("time:0.010\ntime-wall:0.020\ncg-mem:2048\nexitsig:11\nstatus:SG\n")

	report, err := parseMeta(meta, Limits{MemoryKB: 131072})
	require.NoError(t, err)

	assert.Equal(t, CauseSignal, report.Cause)
	assert.Equal(t, 11, report.Signal)
}

func TestParseMeta_OutputLimit(t *testing.T) {
	meta := []byte("time:0.050\ntime-wall:0.080\ncg-mem:3000\nexitsig:25\nstatus:SG\n")

	report, err := parseMeta(meta, Limits{FileSizeKB: 1024})
	require.NoError(t, err)

	assert.Equal(t, CauseOutputLimit, report.Cause)
}

func TestParseMeta_SandboxError(t *testing.T) {
	meta := []byte("status:XX\nmessage:Cannot mount box\n")

	report, err := parseMeta(meta, Limits{})
	require.NoError(t, err)

	assert.Equal(t, CauseRunError, report.Cause)
}

func TestParseMeta_MaxRSSFallback(t *testing.T) {
	meta := []byte("time:0.01\ntime-wall:0.02\nmax-rss:4096\nexitcode:0\n")

	report, err := parseMeta(meta, Limits{})
	require.NoError(t, err)

	assert.Equal(t, int64(4096), report.MemoryKB)
}

func TestParseMeta_Malformed(t *testing.T) {
	_, err := parseMeta([]byte("garbage without separator\n"), Limits{})
	assert.Error(t, err)

	_, err = parseMeta([]byte("time:not-a-number\n"), Limits{})
	assert.Error(t, err)
}
