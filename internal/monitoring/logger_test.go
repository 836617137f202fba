package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("[VolumeManager] hello")
	assert.Equal(t, "[VolumeManager] hello", got)

	got = ""
	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("muted %d", 1) })
	assert.Empty(t, got, "no-op logger must not reach the previous hook")
}

func TestVolumeLogf(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := VolumeLogf("VolumeManager", "cell-3")

	var got []string
	SetLogger(func(format string, v ...interface{}) { got = append(got, fmt.Sprintf(format, v...)) })
	logf("persisted snapshot id=%d", 4)
	logf("100%% observed")
	assert.Equal(t, []string{
		"[VolumeManager] volume=cell-3 persisted snapshot id=4",
		"[VolumeManager] volume=cell-3 100% observed",
	}, got, "the hook is resolved at call time")

	var buf bytes.Buffer
	SetLogger(ZerologLogf(NewZerolog(&buf, zerolog.InfoLevel)))
	logf("frame rejected")
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "VolumeManager", rec["component"])
	assert.Equal(t, "volume=cell-3 frame rejected", rec["message"])
}

func TestZerologLogf_LiftsComponent(t *testing.T) {
	var buf bytes.Buffer
	logf := ZerologLogf(NewZerolog(&buf, zerolog.InfoLevel))

	logf("[Pipeline] fused frame %d", 7)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Pipeline", rec["component"])
	assert.Equal(t, "fused frame 7", rec["message"])
	assert.Contains(t, rec, "time")
}

func TestZerologLogf_NoPrefix(t *testing.T) {
	var buf bytes.Buffer
	logf := ZerologLogf(NewZerolog(&buf, zerolog.InfoLevel))

	logf("plain %s", "line")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "component")
	assert.Equal(t, "plain line", rec["message"])
}

func TestZerologLogf_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logf := ZerologLogf(NewZerolog(&buf, zerolog.WarnLevel))
	logf("[X] dropped")
	assert.Zero(t, buf.Len())
}

func TestMetricsRegistered(t *testing.T) {
	FramesRejected.WithLabelValues("test", "dimension_mismatch").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(FramesRejected.WithLabelValues("test", "dimension_mismatch")))
}
