package membership

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileAlertSinkAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w1.revocation-alerts.jsonl")
	sink := NewFileAlertSink(path, 1, 1)

	alert := AnomalyAlert{WorldID: "w1", NodeID: "n1", DetectedAtMs: 1000, Severity: SeverityWarn, Code: "reconcile_diverged", Diverged: 2}
	require.NoError(t, sink.Emit(alert))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var decoded AnomalyAlert
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
	require.Equal(t, alert, decoded)
	require.False(t, scanner.Scan())
}

func TestFileAlertSinkAppendsMultipleAlerts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w1.revocation-alerts.jsonl")
	sink := NewFileAlertSink(path, 1, 1)
	defer sink.Close()

	require.NoError(t, sink.Emit(AnomalyAlert{WorldID: "w1", NodeID: "n1", Code: "a"}))
	require.NoError(t, sink.Emit(AnomalyAlert{WorldID: "w1", NodeID: "n1", Code: "b"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, 2, lines)
}
