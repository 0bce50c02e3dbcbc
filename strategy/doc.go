// Package strategy implements the interchangeable planning/execution
// strategies behind the core.Strategy capability interface.
//
// Three variants share one lifecycle contract:
//   - SequentialReplanning: one step at a time; failures go through a
//     Replanner (retry, amend the plan, or abort)
//   - ParallelTaskGraph: full DAG upfront, bounded ready-queue scheduler,
//     failures propagate as Skipped to dependents
//   - PlanThenSolve: placeholder plan upfront, execution fills evidence, a
//     single solve call synthesizes the answer
//
// Every instance serves exactly one execution. Cancel only sets a flag; Run
// checks it before each step, after each step and before every dispatch
// from the ready queue. Tool calls are never interrupted.
package strategy
