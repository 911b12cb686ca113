// Package pool manages typed, ephemeral workers.
//
// A Pool keeps a standby list per WorkerType, sized by Prewarm, and leases
// workers to callers through Acquire. A lease is released exactly once:
// successful workers go back to standby while their type is below its
// prewarm target, everything else is terminated through the type's
// Provisioner. Standby workers that stay idle past their idle timeout are
// paused by the reaper (Start/Stop) and resumed on demand.
//
// Creation failures on the Acquire path are never retried internally. The
// caller decides whether to spend its budget on RetryCreate, which backs off
// exponentially and surfaces the original error once its attempts run out.
package pool
