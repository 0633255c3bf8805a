// Package kernel provides the collaborators the engine drives once a query
// is admitted: the table catalog, the planner and the execution kernel.
package kernel

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/mattjoyce/querygate/internal/result"
)

type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// ParseDevice maps a request value to a Device; empty means CPU.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return DeviceCPU, nil
	case "gpu":
		return DeviceGPU, nil
	default:
		return "", fmt.Errorf("unknown device %q", s)
	}
}

// Progress is polled by a kernel at each progress marker. A non-nil error
// aborts execution and is returned to the caller as is.
type Progress interface {
	Checkpoint(marker int) error
}

type Kernel interface {
	Execute(ctx context.Context, plan *Plan, device Device, progress Progress) (*result.Set, error)
}

const DefaultProgressMarkers = 1000

// NestedLoopKernel evaluates cross-join counts by walking the outer table in
// Markers fragments, sleeping FragmentCost per fragment and reporting
// progress after each one.
type NestedLoopKernel struct {
	Markers      int
	FragmentCost time.Duration
	GPUEnabled   bool
}

func (k *NestedLoopKernel) markers() int {
	if k.Markers <= 0 {
		return DefaultProgressMarkers
	}
	return k.Markers
}

func (k *NestedLoopKernel) Execute(ctx context.Context, plan *Plan, device Device, progress Progress) (*result.Set, error) {
	if plan == nil || plan.Kind != CrossJoinCount {
		return nil, errorf("execute", "unsupported plan")
	}
	if device == DeviceGPU && !k.GPUEnabled {
		return nil, errorf("execute", "gpu execution is not available")
	}

	count, err := crossProduct(plan.Tables)
	if err != nil {
		return nil, err
	}

	var timer *time.Timer
	if k.FragmentCost > 0 {
		timer = time.NewTimer(k.FragmentCost)
		defer timer.Stop()
	}

	for marker := 1; marker <= k.markers(); marker++ {
		if timer != nil {
			if marker > 1 {
				timer.Reset(k.FragmentCost)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		if progress != nil {
			if err := progress.Checkpoint(marker); err != nil {
				return nil, err
			}
		}
	}

	return result.Scalar("count", count), nil
}

func crossProduct(tables []Table) (int64, error) {
	if len(tables) == 0 {
		return 0, errorf("execute", "plan has no tables")
	}
	total := uint64(1)
	for _, t := range tables {
		hi, lo := bits.Mul64(total, uint64(t.RowCount))
		if hi != 0 || lo > 1<<63-1 {
			return 0, errorf("execute", "count overflows int64")
		}
		total = lo
	}
	return int64(total), nil
}
