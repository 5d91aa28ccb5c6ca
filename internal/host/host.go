// Package host reports facts about the machine an export runs on and
// checks for the external tools the pipelines need.
package host

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Info is recorded in export metadata so an artifact can be traced back to
// the machine that produced it.
type Info struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	Arch            string `json:"arch"`
	LogicalCPUs     int    `json:"logical_cpus"`
	TotalMemory     uint64 `json:"total_memory"`
	AvailableMemory uint64 `json:"available_memory"`
}

// Collect gathers host facts. Partial failures leave fields zero.
func Collect(ctx context.Context) (Info, error) {
	info := Info{OS: runtime.GOOS, Arch: runtime.GOARCH}
	var errs []error

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.Platform = hi.Platform
		info.PlatformVersion = hi.PlatformVersion
	} else {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.LogicalCPUs = n
	} else {
		errs = append(errs, fmt.Errorf("cpu count: %w", err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
		info.AvailableMemory = vm.Available
	} else {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	return info, errors.Join(errs...)
}

// ErrInsufficientMemory is returned by EnsureMemory.
var ErrInsufficientMemory = errors.New("insufficient memory")

// EnsureMemory fails when the machine reports less available memory than
// need bytes. Loading both towers and running a trace holds roughly twice
// the model size in memory.
func EnsureMemory(ctx context.Context, need uint64) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		// Unknown is not a reason to refuse the export.
		return nil
	}
	return checkMemory(vm.Available, need)
}

func checkMemory(available, need uint64) error {
	if available < need {
		return fmt.Errorf("%w: need %s, %s available", ErrInsufficientMemory, humanize.IBytes(need), humanize.IBytes(available))
	}
	return nil
}

// MissingDependencyError names a missing external dependency and how to
// install it. Nothing in this module installs software on its own.
type MissingDependencyError struct {
	Name   string
	Remedy string
	Err    error
}

func (e *MissingDependencyError) Error() string {
	msg := fmt.Sprintf("missing dependency %s: %s", e.Name, e.Remedy)
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *MissingDependencyError) Unwrap() error { return e.Err }

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// RequireTool resolves an executable on PATH, or an explicit path, and
// fails closed with remediation text when it is absent.
func RequireTool(name, remedy string) (string, error) {
	p, err := lookPath(name)
	if err != nil {
		return "", &MissingDependencyError{Name: name, Remedy: remedy, Err: err}
	}
	return p, nil
}
