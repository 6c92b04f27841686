package output

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrutiny-go/internal/model"
)

func testAcquisition() *model.Acquisition {
	return &model.Acquisition{
		ReferenceID:  "ref",
		Name:         "demo",
		TriggerIndex: 1,
		XData:        model.Series{Name: "Time (s)", Data: []float64{0, 0.5, 1}},
		YData: []model.Series{
			{Name: "speed", Data: []float64{1, 2.25, 3}},
			{Path: "/rpv/x1000", Data: []float64{-1, 0, 1}},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, testAcquisition()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Time (s),speed,/rpv/x1000,trigger", lines[0])
	assert.Equal(t, "0,1,-1,0", lines[1])
	assert.Equal(t, "0.5,2.25,0,1", lines[2])
	assert.Equal(t, "1,3,1,0", lines[3])
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()
	acq := testAcquisition()

	csvPath := filepath.Join(dir, "out.csv")
	require.NoError(t, WriteCSVFile(csvPath, acq))
	b, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "Time (s),"))

	jsonPath := filepath.Join(dir, "out.json")
	require.NoError(t, WriteJSON(jsonPath, acq))
	b, err = os.ReadFile(jsonPath)
	require.NoError(t, err)
	var back model.Acquisition
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "demo", back.Name)
	assert.Len(t, back.YData, 2)

	assert.Error(t, WriteCSVFile(filepath.Join(dir, "missing", "x.csv"), acq))
}
