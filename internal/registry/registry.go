// Package registry implements the Calibration Registry Service from
// spec.md section 4.5: atomic, verified set registration on top of
// registrystore.Store, plus apply-order-aware time-windowed lookup for
// the calibration-apply stage.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/registrystore"
)

// suffixVocabulary maps the fixed filename suffix vocabulary to table
// types, per spec.md section 4.5.
var suffixVocabulary = map[string]registrystore.TableType{
	"kcal":  registrystore.TypeK,
	"bacal": registrystore.TypeBA,
	"bpcal": registrystore.TypeBP,
	"gacal": registrystore.TypeGA,
	"gpcal": registrystore.TypeGP,
	"2gcal": registrystore.Type2G,
	"flux":  registrystore.TypeFLUX,
}

var suffixPattern = regexp.MustCompile(`(kcal|bacal|bpcal|gacal|gpcal|2gcal|flux)$`)

// CandidateTable is one solution table awaiting registration, prior to
// set_name and table_type derivation.
type CandidateTable struct {
	Path          string
	ValidStartMJD float64
	ValidEndMJD   float64
}

// Service wraps registrystore.Store with set-name derivation, table-type
// extraction, and apply-order-aware lookup.
type Service struct {
	store *registrystore.Store
}

// New returns a registry service backed by store.
func New(store *registrystore.Store) *Service {
	return &Service{store: store}
}

// DeriveSetName computes the deterministic set name for a solve:
// "<ms_base>_<mid_mjd:.6f>", per spec.md section 4.5.
func DeriveSetName(msPath string, midMJD float64) string {
	base := strings.TrimSuffix(filepath.Base(msPath), filepath.Ext(msPath))
	return fmt.Sprintf("%s_%.6f", base, midMJD)
}

// TableTypeFromPath extracts the table_type from a calibration-table
// directory name using the fixed suffix vocabulary. Matching is against
// the end of the full base name (so "obsA.kcal" and "set_kcal" both
// match), case-insensitively.
func TableTypeFromPath(path string) (registrystore.TableType, error) {
	base := strings.ToLower(filepath.Base(path))
	m := suffixPattern.FindStringSubmatch(base)
	if m == nil {
		return "", fmt.Errorf("path %s does not match any known calibration-table suffix", path)
	}
	return suffixVocabulary[m[1]], nil
}

// RegisterSolveSet verifies, derives, and atomically registers a set of
// calibration tables produced by one solve. msPath and midMJD determine
// the deterministic set_name.
func (s *Service) RegisterSolveSet(ctx context.Context, msPath string, midMJD float64, candidates []CandidateTable) (string, error) {
	setName := DeriveSetName(msPath, midMJD)
	tables := make([]registrystore.CalibrationTable, 0, len(candidates))
	for i, c := range candidates {
		if c.Path == "" {
			return "", perr.New(perr.KindRegistrationFailed, fmt.Errorf("register_set %s: empty path at index %d", setName, i))
		}
		tt, err := TableTypeFromPath(c.Path)
		if err != nil {
			return "", perr.New(perr.KindRegistrationFailed, fmt.Errorf("register_set %s: %w", setName, err))
		}
		tables = append(tables, registrystore.CalibrationTable{
			SetName:       setName,
			Path:          c.Path,
			TableType:     tt,
			OrderIndex:    i,
			ValidStartMJD: c.ValidStartMJD,
			ValidEndMJD:   c.ValidEndMJD,
		})
	}
	if err := s.store.RegisterSet(ctx, setName, tables); err != nil {
		return "", err
	}
	return setName, nil
}

// RetireSet marks every member of setName retired.
func (s *Service) RetireSet(ctx context.Context, setName string) error {
	return s.store.RetireSet(ctx, setName)
}

// ResolvedTable pairs an ApplyOrder position with the table resolved for
// it, for the calibration-apply stage to consume in order.
type ResolvedTable struct {
	Type  registrystore.TableType
	Table registrystore.CalibrationTable
}

// LookupTablesFor resolves, for every type in apply order, the most
// recently created active table whose widened validity window contains
// mjd. Any missing required type yields NoCalibrationAvailable.
func (s *Service) LookupTablesFor(ctx context.Context, mjd float64, required []registrystore.TableType) ([]ResolvedTable, error) {
	if required == nil {
		required = registrystore.ApplyOrder
	}
	byType := make(map[registrystore.TableType]registrystore.CalibrationTable, len(required))
	for _, tt := range required {
		t, err := s.store.QueryActiveForTime(ctx, mjd, tt)
		if err != nil {
			return nil, fmt.Errorf("lookup_tables_for mjd %f type %s: %w", mjd, tt, err)
		}
		if t == nil {
			return nil, perr.New(perr.KindNoCalibrationAvailable,
				fmt.Errorf("no active %s table covers mjd %f", tt, mjd))
		}
		byType[tt] = *t
	}

	resolved := make([]ResolvedTable, 0, len(registrystore.ApplyOrder))
	for _, tt := range registrystore.ApplyOrder {
		t, ok := byType[tt]
		if !ok {
			continue
		}
		resolved = append(resolved, ResolvedTable{Type: tt, Table: t})
	}
	return resolved, nil
}
