// Package productsstore implements ProductsStore from spec.md section 4.1:
// the persistent catalog of Measurement Sets, images, and photometry
// measurements, including the variability-statistics view the
// normalization engine recomputes after each epoch.
package productsstore

import "time"

// MSRecord is one Measurement Set product entry, upserted by path.
type MSRecord struct {
	Path       string
	StartMJD   float64
	EndMJD     float64
	MidMJD     float64
	Stage      string
	CalApplied bool
	ImageName  string
}

// ImageRecord is one image product derived from an MS.
type ImageRecord struct {
	Path        string
	MSPath      string
	CreatedAt   time.Time
	Type        string
	BeamMajor   float64
	BeamMinor   float64
	Noise       float64
	PBCorrected bool
}

// PhotometryMeasurement is one source flux measurement for one image.
type PhotometryMeasurement struct {
	SourceID          string
	ImagePath         string
	EpochMJD          float64
	RawFlux           float64
	RawFluxErr        float64
	NormalizedFlux    *float64
	NormalizedFluxErr *float64
	IsBaseline        bool
}

// VariabilityStats is the derived, wholesale-replaced view per source_id.
type VariabilityStats struct {
	SourceID              string
	NEpochs               int
	Chi2Reduced           float64
	FractionalVariability float64
	Significance          float64
	ESEScore              float64
	UpdatedAt             time.Time
}
