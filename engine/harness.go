// Package engine provides a minimal multi-vCPU driving loop for callers
// outside this module (nothing in it calls RunVCPUs): no VM lifecycle, no
// driver ioctls, just
// N goroutines each decoding and emulating a fixed instruction stream
// against its own VCPU, fanned out the way the teacher runs vCPU goroutines.
package engine

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/haxcore/vcore/decode"
	"github.com/haxcore/vcore/emulate"
)

// Job is one vCPU's worth of work: a stream of raw instruction bytes to
// decode against table/mode, each run to completion against VCPU.
type Job struct {
	Mode  decode.Mode
	Table *decode.Table
	VCPU  emulate.VCPU
	Insns [][]byte
}

// RunVCPUs runs every job's instruction stream concurrently, one goroutine
// per job, and returns the first error encountered across all of them
// (errgroup.Group semantics: the remaining goroutines still run to
// completion, mirroring the teacher's runRestoredVM fan-out).
func RunVCPUs(jobs []Job) error {
	g := new(errgroup.Group)

	for i := range jobs {
		job := jobs[i]
		idx := i

		g.Go(func() error {
			if err := runJob(job); err != nil {
				return fmt.Errorf("engine: vcpu %d: %w", idx, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// runJob decodes and emulates each instruction in a job's stream to
// completion, looping Emulate across MMIO suspensions and REP
// re-entries exactly as a real VM-exit handler would.
func runJob(job Job) error {
	for _, raw := range job.Insns {
		d, err := decode.New(job.Mode, raw, job.Table)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}

		d.SeedGPR(job.VCPU.ReadGPR)

		for !d.Finished {
			if _, err := emulate.Emulate(d, job.VCPU); err != nil {
				return fmt.Errorf("emulate: %w", err)
			}
		}
	}

	return nil
}
