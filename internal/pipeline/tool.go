// Package pipeline wires the seven processing stages of spec.md section
// 3 (Conversion, ModelPopulation, CalibrationSolve, CalibrationApply,
// Imaging, Photometry, Normalization) into concrete orchestrator.Stage
// implementations, each delegating the actual computational work to a
// narrow, one-method external-tool collaborator interface per spec.md
// section 6: "(input_paths, output_paths, parameters) -> result".
package pipeline

import "context"

// ToolParameters is the opaque parameter bag passed to an external tool
// invocation. Its keys and value types are a deployment detail; the core
// only threads it through.
type ToolParameters map[string]any

// ToolResult is what an external-tool invocation hands back: the output
// paths it produced plus any collaborator-supplied metadata the stage
// wants visible to downstream stages via the orchestrator Context.
type ToolResult struct {
	OutputPaths []string
	Metadata    map[string]any
}

// Converter turns raw subband files into a Measurement Set. Grounded on
// the narrow one-method stage contracts of the lidar tracking pipeline's
// ForegroundStage/PerceptionStage (other_examples).
type Converter interface {
	Convert(ctx context.Context, inputPaths []string, outputPath string, params ToolParameters) (ToolResult, error)
}

// ModelPopulator populates a sky model into a Measurement Set ahead of
// calibration solving.
type ModelPopulator interface {
	PopulateModel(ctx context.Context, msPath string, params ToolParameters) (ToolResult, error)
}

// CalibrationSolver derives calibration tables from a Measurement Set.
type CalibrationSolver interface {
	Solve(ctx context.Context, msPath string, outputDir string, params ToolParameters) (ToolResult, error)
}

// CalibrationApplier applies resolved calibration tables to a
// Measurement Set, in the apply order the registry resolves them in.
type CalibrationApplier interface {
	Apply(ctx context.Context, msPath string, tablePaths []string, params ToolParameters) (ToolResult, error)
}

// Imager produces an image product from a calibrated Measurement Set.
type Imager interface {
	Image(ctx context.Context, msPath string, outputPath string, params ToolParameters) (ToolResult, error)
}

// Photometer measures per-source flux in an image.
type Photometer interface {
	Measure(ctx context.Context, imagePath string, params ToolParameters) (ToolResult, error)
}
