// Package registrystore implements RegistryStore from spec.md section 4.1:
// the persistent catalog of CalibrationTable rows, registered and retired
// in whole sets, and queried by validity window at apply time.
package registrystore

import "time"

// TableType is one of the fixed calibration-table kinds, ordered by the
// apply-order contract K < BA < BP < GA < GP < 2G < FLUX.
type TableType string

const (
	TypeK    TableType = "K"
	TypeBA   TableType = "BA"
	TypeBP   TableType = "BP"
	TypeGA   TableType = "GA"
	TypeGP   TableType = "GP"
	Type2G   TableType = "2G"
	TypeFLUX TableType = "FLUX"
)

// ApplyOrder lists every table type in the fixed order calibration-apply
// must use.
var ApplyOrder = []TableType{TypeK, TypeBA, TypeBP, TypeGA, TypeGP, Type2G, TypeFLUX}

// Status is the lifecycle state of a CalibrationTable row.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
	StatusFailed  Status = "failed"
)

// CalibrationTable is one solution table, belonging to a set produced by
// one solve.
type CalibrationTable struct {
	SetName       string
	Path          string
	TableType     TableType
	OrderIndex    int
	ValidStartMJD float64
	ValidEndMJD   float64
	Status        Status
	CreatedAt     time.Time
}
