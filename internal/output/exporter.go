package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"scrutiny-go/internal/model"
)

// WriteJSON writes the acquisition to a JSON file with pretty formatting.
func WriteJSON(path string, acq *model.Acquisition) error {
	b, err := json.MarshalIndent(acq, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSVFile writes the acquisition to a CSV file, see WriteCSV.
func WriteCSVFile(path string, acq *model.Acquisition) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := WriteCSV(f, acq); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCSV writes one header row then one row per sample.
// Columns: x axis, one per signal, trigger (1 on the trigger sample).
func WriteCSV(out io.Writer, acq *model.Acquisition) error {
	w := csv.NewWriter(out)

	headers := make([]string, 0, len(acq.YData)+2)
	headers = append(headers, columnName(acq.XData, "x"))
	for i, s := range acq.YData {
		headers = append(headers, columnName(s, fmt.Sprintf("signal_%d", i)))
	}
	headers = append(headers, "trigger")
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rec := make([]string, len(headers))
	for i := 0; i < acq.Len(); i++ {
		rec[0] = formatFloat(acq.XData.Data[i])
		for j, s := range acq.YData {
			if i < len(s.Data) {
				rec[j+1] = formatFloat(s.Data[i])
			} else {
				rec[j+1] = ""
			}
		}
		rec[len(rec)-1] = "0"
		if i == acq.TriggerIndex {
			rec[len(rec)-1] = "1"
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func columnName(s model.Series, fallback string) string {
	if s.Name != "" {
		return s.Name
	}
	if s.Path != "" {
		return s.Path
	}
	return fallback
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
