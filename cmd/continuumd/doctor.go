package main

// Preflight check harness, adapted from the teacher's doctor.go
// CheckStatus/CheckResult/DoctorReport pattern: a fixed list of checks,
// each producing a status and a message, rolled up into one report and
// one process exit code.

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/skywave-obs/continuum/internal/config"
)

// CheckStatus is the severity of one doctor check's outcome.
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarn
	StatusFail
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult is one doctor check's verdict.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
}

// DoctorReport is every check's result plus the rolled-up worst status.
type DoctorReport struct {
	Checks    []CheckResult
	Worst     CheckStatus
	GeneratedAt time.Time
}

// requiredTools are the external binaries buildOrchestrator resolves at
// startup, named by the same convention doctor checks against.
var requiredTools = []string{
	"continuum-convert",
	"continuum-model-populate",
	"continuum-cal-solve",
	"continuum-cal-apply",
	"continuum-image",
	"continuum-photometry",
}

// runDoctor runs every preflight check against cfg and prints a report.
// It returns a non-nil error carrying a process exit code when any check
// fails, matching the teacher's ExitCodeError convention.
func runDoctor(cfg config.Config) error {
	report := DoctorReport{GeneratedAt: time.Now()}

	report.Checks = append(report.Checks, checkWatchDir(cfg))
	report.Checks = append(report.Checks, checkStateDir(cfg))
	for _, name := range requiredTools {
		report.Checks = append(report.Checks, checkTool(name))
	}

	for _, c := range report.Checks {
		fmt.Printf("[%s] %s: %s\n", c.Status, c.Name, c.Message)
		if c.Status > report.Worst {
			report.Worst = c.Status
		}
	}

	if report.Worst == StatusFail {
		return ExitCodeError{Code: 1}
	}
	return nil
}

func checkWatchDir(cfg config.Config) CheckResult {
	info, err := os.Stat(cfg.WatchDir)
	if err != nil {
		return CheckResult{Name: "watch_dir", Status: StatusFail, Message: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "watch_dir", Status: StatusFail, Message: cfg.WatchDir + " is not a directory"}
	}
	return CheckResult{Name: "watch_dir", Status: StatusOK, Message: cfg.WatchDir}
}

func checkStateDir(cfg config.Config) CheckResult {
	dir := cfg.StateDir
	if dir == "" {
		dir = "."
	}
	if _, err := os.Stat(dir); err != nil {
		return CheckResult{Name: "state_dir", Status: StatusWarn, Message: err.Error() + " (will be created on first run)"}
	}
	return CheckResult{Name: "state_dir", Status: StatusOK, Message: dir}
}

func checkTool(name string) CheckResult {
	path, err := exec.LookPath(name)
	if err != nil {
		return CheckResult{Name: name, Status: StatusFail, Message: "not found on PATH"}
	}
	return CheckResult{Name: name, Status: StatusOK, Message: path}
}

// ExitCodeError carries the process exit code a caller should use; main
// checks for it with errors.As instead of always exiting 1.
type ExitCodeError struct{ Code int }

func (e ExitCodeError) Error() string { return fmt.Sprintf("doctor: exit %d", e.Code) }
