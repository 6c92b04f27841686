package model

import "time"

// Acquisition is a completed datalogging capture as stored by the service
// and served to clients. XData and every YData series hold the same number
// of samples.
type Acquisition struct {
	ReferenceID  string    `json:"reference_id" msgpack:"reference_id"`
	Name         string    `json:"name" msgpack:"name"`
	AcquiredAt   time.Time `json:"acquired_at" msgpack:"acquired_at"`
	TriggerIndex int       `json:"trigger_index" msgpack:"trigger_index"`
	XData        Series    `json:"xdata" msgpack:"xdata"`
	Axes         []Axis    `json:"axes" msgpack:"axes"`
	YData        []Series  `json:"ydata" msgpack:"ydata"`
}

// Axis is a Y axis of an acquisition.
type Axis struct {
	ID   int    `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

// Series is one captured signal. Path is empty for synthesized series
// (index or time x axis).
type Series struct {
	Name   string    `json:"name" msgpack:"name"`
	Path   string    `json:"path,omitempty" msgpack:"path,omitempty"`
	AxisID int       `json:"axis_id" msgpack:"axis_id"`
	Data   []float64 `json:"data" msgpack:"data"`
}

// Len returns the number of samples.
func (a *Acquisition) Len() int {
	if a == nil {
		return 0
	}
	return len(a.XData.Data)
}

// Summary returns the listing form of the acquisition.
func (a *Acquisition) Summary() AcquisitionSummary {
	return AcquisitionSummary{
		ReferenceID: a.ReferenceID,
		Name:        a.Name,
		AcquiredAt:  a.AcquiredAt,
		Samples:     a.Len(),
		Signals:     len(a.YData),
	}
}

// AcquisitionSummary describes a stored acquisition without its data.
type AcquisitionSummary struct {
	ReferenceID string    `json:"reference_id"`
	Name        string    `json:"name"`
	AcquiredAt  time.Time `json:"acquired_at"`
	Samples     int       `json:"samples"`
	Signals     int       `json:"signals"`
}
