// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing plans and tasks, scripting the LLM and
// tool collaborators and recording emitted events. They are not intended for
// production usage.
package testutil
