package sdk

import (
	"context"
	"io"
	"time"

	"scrutiny-go/internal/model"
	"scrutiny-go/internal/output"
	"scrutiny-go/internal/protocol"
)

// Series is one column of an acquisition.
type Series struct {
	Name string
	// Path is the watched variable the data came from, empty for the index
	// and time axes.
	Path string
	Data []float64
}

type Axis struct {
	ID   int
	Name string
}

// Signal is a logged Y series and the axis it is drawn on.
type Signal struct {
	Series
	Axis Axis
}

// DataloggingAcquisition is a completed acquisition. XData and every YData
// series have the same length; TriggerIndex is the position of the trigger
// sample.
type DataloggingAcquisition struct {
	ReferenceID  string
	Name         string
	AcquiredAt   time.Time
	TriggerIndex int
	XData        Series
	YData        []Signal
	Axes         []Axis
}

func newDataloggingAcquisition(m *model.Acquisition) *DataloggingAcquisition {
	a := &DataloggingAcquisition{
		ReferenceID:  m.ReferenceID,
		Name:         m.Name,
		AcquiredAt:   m.AcquiredAt,
		TriggerIndex: m.TriggerIndex,
		XData:        Series{Name: m.XData.Name, Path: m.XData.Path, Data: m.XData.Data},
		YData:        make([]Signal, 0, len(m.YData)),
		Axes:         make([]Axis, 0, len(m.Axes)),
	}
	axes := make(map[int]Axis, len(m.Axes))
	for _, ax := range m.Axes {
		axis := Axis{ID: ax.ID, Name: ax.Name}
		axes[ax.ID] = axis
		a.Axes = append(a.Axes, axis)
	}
	for _, s := range m.YData {
		a.YData = append(a.YData, Signal{
			Series: Series{Name: s.Name, Path: s.Path, Data: s.Data},
			Axis:   axes[s.AxisID],
		})
	}
	return a
}

func (a *DataloggingAcquisition) model() *model.Acquisition {
	m := &model.Acquisition{
		ReferenceID:  a.ReferenceID,
		Name:         a.Name,
		AcquiredAt:   a.AcquiredAt,
		TriggerIndex: a.TriggerIndex,
		XData:        model.Series{Name: a.XData.Name, Path: a.XData.Path, AxisID: -1, Data: a.XData.Data},
	}
	for _, ax := range a.Axes {
		m.Axes = append(m.Axes, model.Axis{ID: ax.ID, Name: ax.Name})
	}
	for _, s := range a.YData {
		m.YData = append(m.YData, model.Series{Name: s.Name, Path: s.Path, AxisID: s.Axis.ID, Data: s.Data})
	}
	return m
}

// WriteCSV writes a header row, then one row per sample: the X value, one
// column per signal and a trigger column set to 1 on the trigger sample.
func (a *DataloggingAcquisition) WriteCSV(w io.Writer) error {
	return output.WriteCSV(w, a.model())
}

// ToCSV writes the acquisition to the file at path, see WriteCSV.
func (a *DataloggingAcquisition) ToCSV(path string) error {
	return output.WriteCSVFile(path, a.model())
}

// ToJSON writes the acquisition to the file at path in the server's
// storage layout.
func (a *DataloggingAcquisition) ToJSON(path string) error {
	return output.WriteJSON(path, a.model())
}

// ReadAcquisition downloads a stored acquisition. An unknown reference
// fails with ErrNotFound.
func (c *Client) ReadAcquisition(ctx context.Context, referenceID string) (*DataloggingAcquisition, error) {
	var content protocol.AcquisitionContent
	if err := c.request(ctx, protocol.CmdReadAcquisitionContent, protocol.ReferenceRequest{ReferenceID: referenceID}, &content); err != nil {
		return nil, err
	}
	if content.Acquisition == nil {
		return nil, ErrNotFound
	}
	return newDataloggingAcquisition(content.Acquisition), nil
}

// AcquisitionSummary describes a stored acquisition.
type AcquisitionSummary = model.AcquisitionSummary

// ListAcquisitions returns the stored acquisitions, newest first. limit <= 0
// returns them all.
func (c *Client) ListAcquisitions(ctx context.Context, limit int) ([]AcquisitionSummary, error) {
	var list protocol.AcquisitionList
	if err := c.request(ctx, protocol.CmdListAcquisitions, protocol.ListRequest{Limit: limit}, &list); err != nil {
		return nil, err
	}
	return list.Acquisitions, nil
}

func (c *Client) DeleteAcquisition(ctx context.Context, referenceID string) error {
	return c.request(ctx, protocol.CmdDeleteAcquisition, protocol.ReferenceRequest{ReferenceID: referenceID}, nil)
}
