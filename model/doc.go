// Package model defines the provider-agnostic abstractions for interacting
// with language models inside planmesh.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement the Model interface so strategies
// stay decoupled from vendor SDKs. Invoker adapts a Model plus a template
// renderer to the core.LLMInvoker boundary strategies call.
package model
