// Package exectool implements the six external-tool collaborator
// interfaces from internal/pipeline by shelling out to a configured
// binary per stage, in the style of the teacher's identity package
// (probe_systemd.go, probe_network.go): resolve the binary with
// exec.LookPath once at construction, then exec.CommandContext per call.
//
// Every stage's computational tool is, per spec.md section 6, an opaque
// black-box collaborator reached through (input_paths, output_paths,
// parameters) -> result; this package is one concrete binding of that
// contract to "run an external program and parse its stdout".
package exectool

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/pipeline"
)

// Tool wraps one external binary invocation. The same type backs every
// stage's collaborator interface; only the argument-building differs.
type Tool struct {
	binPath string
	log     *zap.SugaredLogger
}

// Lookup resolves name on PATH and returns a Tool bound to it. A missing
// binary is a startup-fatal condition, matching the teacher's
// fail-closed exec.LookPath checks.
func Lookup(name string, log *zap.SugaredLogger) (Tool, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return Tool{}, fmt.Errorf("locate external tool %q: %w", name, err)
	}
	return Tool{binPath: p, log: log}, nil
}

// paramArgs flattens ToolParameters into repeated "--key=value" flags, in
// key-sorted order for deterministic invocation and easy log replay.
func paramArgs(params pipeline.ToolParameters) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(params))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s=%v", k, params[k]))
	}
	return args
}

// run executes the tool with args, classifying a non-zero exit as a
// retryable stage error (most external-tool failures here are transient
// I/O or resource contention) and a process-launch failure (missing
// binary, permissions) as fatal.
func (t Tool) run(ctx context.Context, args []string) ([]string, error) {
	cmd := exec.CommandContext(ctx, t.binPath, args...)
	out, err := cmd.Output()
	if err != nil {
		if _, isExitErr := err.(*exec.ExitError); isExitErr {
			return nil, perr.New(perr.KindRetryableStage, fmt.Errorf("%s %s: %w", t.binPath, strings.Join(args, " "), err))
		}
		return nil, perr.New(perr.KindFatalStage, fmt.Errorf("launch %s: %w", t.binPath, err))
	}
	return splitLines(out), nil
}

// splitLines returns every non-blank line of out, trimmed.
func splitLines(out []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Converter is a Tool bound to a subband-to-MS conversion binary,
// invoked as "<bin> --output=<outputPath> <inputPaths...> <params...>".
type Converter struct{ Tool }

func (c Converter) Convert(ctx context.Context, inputPaths []string, outputPath string, params pipeline.ToolParameters) (pipeline.ToolResult, error) {
	args := append([]string{"--output=" + outputPath}, inputPaths...)
	args = append(args, paramArgs(params)...)
	if _, err := c.run(ctx, args); err != nil {
		return pipeline.ToolResult{}, err
	}
	return pipeline.ToolResult{OutputPaths: []string{outputPath}}, nil
}

// ModelPopulator is a Tool bound to a sky-model population binary.
type ModelPopulator struct{ Tool }

func (m ModelPopulator) PopulateModel(ctx context.Context, msPath string, params pipeline.ToolParameters) (pipeline.ToolResult, error) {
	args := append([]string{msPath}, paramArgs(params)...)
	if _, err := m.run(ctx, args); err != nil {
		return pipeline.ToolResult{}, err
	}
	return pipeline.ToolResult{OutputPaths: []string{msPath}}, nil
}

// CalibrationSolver is a Tool bound to a calibration-solve binary. It
// expects the tool to print one output table directory path per line.
type CalibrationSolver struct{ Tool }

func (s CalibrationSolver) Solve(ctx context.Context, msPath, outputDir string, params pipeline.ToolParameters) (pipeline.ToolResult, error) {
	args := append([]string{msPath, "--output-dir=" + outputDir}, paramArgs(params)...)
	lines, err := s.run(ctx, args)
	if err != nil {
		return pipeline.ToolResult{}, err
	}
	return pipeline.ToolResult{OutputPaths: lines}, nil
}

// CalibrationApplier is a Tool bound to a calibration-apply binary.
type CalibrationApplier struct{ Tool }

func (a CalibrationApplier) Apply(ctx context.Context, msPath string, tablePaths []string, params pipeline.ToolParameters) (pipeline.ToolResult, error) {
	args := append([]string{msPath}, tablePaths...)
	args = append(args, paramArgs(params)...)
	if _, err := a.run(ctx, args); err != nil {
		return pipeline.ToolResult{}, err
	}
	return pipeline.ToolResult{}, nil
}

// Imager is a Tool bound to an imaging binary.
type Imager struct{ Tool }

func (i Imager) Image(ctx context.Context, msPath, outputPath string, params pipeline.ToolParameters) (pipeline.ToolResult, error) {
	args := append([]string{msPath, "--output=" + outputPath}, paramArgs(params)...)
	if _, err := i.run(ctx, args); err != nil {
		return pipeline.ToolResult{}, err
	}
	return pipeline.ToolResult{OutputPaths: []string{outputPath}}, nil
}

// Photometer is a Tool bound to a source-photometry binary. It expects
// one "source_id,epoch_mjd,raw_flux,raw_flux_err,is_baseline" CSV line
// of output per measured source.
type Photometer struct{ Tool }

func (p Photometer) Measure(ctx context.Context, imagePath string, params pipeline.ToolParameters) (pipeline.ToolResult, error) {
	lines, err := p.run(ctx, append([]string{imagePath}, paramArgs(params)...))
	if err != nil {
		return pipeline.ToolResult{}, err
	}
	measurements, err := parseMeasurements(lines)
	if err != nil {
		return pipeline.ToolResult{}, perr.New(perr.KindFatalStage, err)
	}
	return pipeline.ToolResult{Metadata: map[string]any{"measurements": measurements}}, nil
}

func parseMeasurements(lines []string) ([]pipeline.SourceMeasurement, error) {
	out := make([]pipeline.SourceMeasurement, 0, len(lines))
	for _, line := range lines {
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed photometry line %q: want 5 comma-separated fields", line)
		}
		epochMJD, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse epoch_mjd in %q: %w", line, err)
		}
		rawFlux, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse raw_flux in %q: %w", line, err)
		}
		rawFluxErr, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse raw_flux_err in %q: %w", line, err)
		}
		isBaseline, err := strconv.ParseBool(strings.TrimSpace(fields[4]))
		if err != nil {
			return nil, fmt.Errorf("parse is_baseline in %q: %w", line, err)
		}
		out = append(out, pipeline.SourceMeasurement{
			SourceID: strings.TrimSpace(fields[0]), EpochMJD: epochMJD,
			RawFlux: rawFlux, RawFluxErr: rawFluxErr, IsBaseline: isBaseline,
		})
	}
	return out, nil
}
