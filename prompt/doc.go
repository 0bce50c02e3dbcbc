// Package prompt resolves and renders the prompt templates used by the
// planning, execution, replanning and solve phases of a strategy.
//
// A Catalog holds several semantic versions per template id together with
// strategy-specific and global defaults per phase. The built-in catalog is
// embedded; additional YAML catalogs can be merged at startup.
package prompt
