// Package engineerr defines the engine's non-recoverable error classes:
// configuration errors (graph-build time), audit integrity
// violations, and plugin contract violations. These are always fatal — the
// caller's only correct response is to stop the run and surface the error;
// they are never routed through on_error.
package engineerr

import "fmt"

// ConfigError is raised at graph-build time: invalid config, missing sink,
// reserved label, cycle, unknown plugin, duplicate fork branch, or an
// unresolvable connection.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s", e.Reason)
}

// NewConfigError constructs a ConfigError with a formatted reason.
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// AuditIntegrityError is raised when the audit trail itself cannot be
// trusted: an unknown edge, an unknown contract version on restore, an
// inconsistent is_terminal flag, a NodeState variant invariant violation, or
// a node_id exceeding the length cap. The run cannot continue because the
// audit trail would be incomplete.
type AuditIntegrityError struct {
	Reason string
}

func (e *AuditIntegrityError) Error() string {
	return fmt.Sprintf("audit integrity violation: %s", e.Reason)
}

// NewAuditIntegrityError constructs an AuditIntegrityError.
func NewAuditIntegrityError(format string, args ...interface{}) *AuditIntegrityError {
	return &AuditIntegrityError{Reason: fmt.Sprintf(format, args...)}
}

// PluginContractError is raised when a plugin violates its contract:
// non-canonical output, wrong return variant, missing output on a success
// status, or a batch transform emitting a non-serializable value. It names
// the offending plugin.
type PluginContractError struct {
	Plugin string
	Reason string
}

func (e *PluginContractError) Error() string {
	return fmt.Sprintf("plugin %q violated its contract: %s", e.Plugin, e.Reason)
}

// NewPluginContractError constructs a PluginContractError.
func NewPluginContractError(plugin, format string, args ...interface{}) *PluginContractError {
	return &PluginContractError{Plugin: plugin, Reason: fmt.Sprintf(format, args...)}
}

// MissingEdgeError is raised when routing refers to an unregistered
// (node, label) pair. Every routing decision must be traceable to a
// registered edge; silent edge loss is unacceptable, so this is always
// fatal (a variety of AuditIntegrityError with its own type for call-site
// clarity, mirroring the original engine's dedicated MissingEdgeError).
type MissingEdgeError struct {
	NodeID string
	Label  string
}

func (e *MissingEdgeError) Error() string {
	return fmt.Sprintf(
		"no edge registered from node %s with label %q: audit trail would be incomplete, refusing to proceed",
		e.NodeID, e.Label,
	)
}
