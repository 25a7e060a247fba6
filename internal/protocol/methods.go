package protocol

import "strings"

// Method names.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodSessionsList   = "sessions.list"
	MethodSessionsGet    = "sessions.get"
	MethodSessionsDelete = "sessions.delete"

	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"

	MethodHeartbeatNow       = "heartbeat.now"
	MethodSystemEventEnqueue = "system-event.enqueue"

	MethodQueueStatus = "queue.status"
	MethodQueueClear  = "queue.clear"

	MethodNodeList         = "node.list"
	MethodNodeInvoke       = "node.invoke"
	MethodNodeInvokeResult = "node.invoke.result"

	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"
)

// Scopes.
const (
	ScopeAdmin     = "operator.admin"
	ScopeRead      = "operator.read"
	ScopeWrite     = "operator.write"
	ScopeApprovals = "operator.approvals"
	ScopePairing   = "operator.pairing"
)

// Roles.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// ScopeClass is the authorization class a method belongs to.
type ScopeClass int

const (
	ScopeClassRead ScopeClass = iota
	ScopeClassWrite
	ScopeClassApprovals
	ScopeClassPairing
	ScopeClassAdmin
)

// RequiredScope returns the scope string that satisfies a class.
// ScopeAdmin always satisfies any class.
func (c ScopeClass) RequiredScope() string {
	switch c {
	case ScopeClassWrite:
		return ScopeWrite
	case ScopeClassApprovals:
		return ScopeApprovals
	case ScopeClassPairing:
		return ScopePairing
	case ScopeClassAdmin:
		return ScopeAdmin
	}
	return ScopeRead
}

// AdminOnlyMethod reports whether a method name requires admin regardless
// of its registered class. config.* and wizard.* are admin-only.
func AdminOnlyMethod(method string) bool {
	return strings.HasPrefix(method, "config.") || strings.HasPrefix(method, "wizard.")
}

// DefaultNodeMethods is the method allowlist for role "node" when the
// configuration does not provide one.
var DefaultNodeMethods = []string{
	MethodNodeInvokeResult,
	MethodHealth,
	MethodStatus,
}
