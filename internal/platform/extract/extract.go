// Package extract parses received instance payloads and pulls out the
// identifier and patient attributes the ingestion pipeline indexes on.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ris/ris/internal/platform/faults"
)

// Metadata is the indexed subset of a dataset. All holds every element as a
// keyword-to-string map for the catalog record.
type Metadata struct {
	SOPInstanceUID    string
	SOPClassUID       string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	AccessionNumber   string
	PatientID         string
	PatientName       string
	PatientSex        string
	PatientBirthDate  string
	StudyDate         *time.Time
	Rows              int
	Columns           int
	All               map[string]string
}

// Parse decodes a full dataset from a raw payload.
func Parse(payload []byte) (*dicom.Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(payload), int64(len(payload)), nil)
	if err != nil {
		return nil, faults.Validationf("malformed dataset: %v", err)
	}
	return &ds, nil
}

// FromDataset extracts indexed attributes. The four instance identifiers and
// the modality are mandatory; anything else missing is tolerated.
func FromDataset(ds *dicom.Dataset) (*Metadata, error) {
	m := &Metadata{
		SOPInstanceUID:    stringValue(ds, tag.SOPInstanceUID),
		SOPClassUID:       stringValue(ds, tag.SOPClassUID),
		StudyInstanceUID:  stringValue(ds, tag.StudyInstanceUID),
		SeriesInstanceUID: stringValue(ds, tag.SeriesInstanceUID),
		Modality:          stringValue(ds, tag.Modality),
		AccessionNumber:   stringValue(ds, tag.AccessionNumber),
		PatientID:         stringValue(ds, tag.PatientID),
		PatientName:       stringValue(ds, tag.PatientName),
		PatientSex:        stringValue(ds, tag.PatientSex),
		PatientBirthDate:  stringValue(ds, tag.PatientBirthDate),
		Rows:              intValue(ds, tag.Rows),
		Columns:           intValue(ds, tag.Columns),
		All:               allElements(ds),
	}

	for _, req := range []struct{ name, val string }{
		{"SOPInstanceUID", m.SOPInstanceUID},
		{"SOPClassUID", m.SOPClassUID},
		{"StudyInstanceUID", m.StudyInstanceUID},
		{"SeriesInstanceUID", m.SeriesInstanceUID},
		{"Modality", m.Modality},
	} {
		if req.val == "" {
			return nil, faults.Validationf("dataset missing %s", req.name)
		}
	}

	if raw := stringValue(ds, tag.StudyDate); raw != "" {
		if d, err := time.Parse("20060102", raw); err == nil {
			m.StudyDate = &d
		}
	}
	return m, nil
}

func stringValue(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	if vals, ok := elem.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return strings.Trim(elem.Value.String(), " []")
}

func intValue(ds *dicom.Dataset, t tag.Tag) int {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return 0
	}
	if vals, ok := elem.Value.GetValue().([]int); ok && len(vals) > 0 {
		return vals[0]
	}
	return 0
}

func allElements(ds *dicom.Dataset) map[string]string {
	out := make(map[string]string, len(ds.Elements))
	for _, elem := range ds.Elements {
		if elem.Tag == tag.PixelData {
			continue
		}
		info, err := tag.Find(elem.Tag)
		// The dictionary carries display names ("Patient ID"); the catalog
		// keys on keywords ("PatientID").
		name := strings.ReplaceAll(info.Name, " ", "")
		if err != nil || name == "" {
			name = fmt.Sprintf("(%04x,%04x)", elem.Tag.Group, elem.Tag.Element)
		}
		out[name] = strings.Trim(elem.Value.String(), " []")
	}
	return out
}
