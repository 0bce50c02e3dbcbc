// Package core provides the foundational domain types and interfaces of the
// planmesh orchestrator. It defines:
//
//   - Plans (PlanStep, PlanGraph with DAG validation and topological order)
//   - Step outcomes (StepResult, ErrorInfo, ExecutionFeedback)
//   - Executions (ExecutionContext with atomic status transitions, Snapshot)
//   - Events (the tagged union streamed to consumers)
//   - The Strategy capability interface and the collaborator boundaries
//     (LLMInvoker, ToolInvoker)
//
// The package intentionally keeps implementation concerns (event delivery,
// strategy algorithms, the execution registry) out of scope, exposing small
// interfaces so strategies and collaborators can be swapped independently.
package core
