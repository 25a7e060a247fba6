// Package sessions provides the durable session store: a JSON map from
// session key to routing entry, with cross-process locking, a short-lived
// read cache, and size maintenance.
package sessions

import "strings"

// Session keys are colon-delimited hierarchical identifiers:
//
//	agent:{agentId}:main
//	agent:{agentId}:{channel}:{chatType}:{peerId}
//	either of the above + :thread:{threadId}
//	cron:{jobId}
//	cron:{jobId}:run:{uuid}
//
// Equality is string equality after trimming.

// MainKey returns the main session key for an agent.
func MainKey(agentID string) string {
	return "agent:" + normalizeAgentID(agentID) + ":main"
}

// ChatKey returns the session key for a channel conversation.
func ChatKey(agentID, channel, chatType, peerID string) string {
	return "agent:" + normalizeAgentID(agentID) + ":" + channel + ":" + chatType + ":" + peerID
}

// WithThread suffixes a key with a thread id.
func WithThread(key, threadID string) string {
	if strings.TrimSpace(threadID) == "" {
		return key
	}
	return key + ":thread:" + threadID
}

// CronKey returns the shared session key for a cron job.
func CronKey(jobID string) string {
	return "cron:" + jobID
}

// CronRunKey returns the isolated session key for a single cron run.
func CronRunKey(jobID, runID string) string {
	return "cron:" + jobID + ":run:" + runID
}

// IsCronKey reports whether the key belongs to the cron namespace.
func IsCronKey(key string) bool {
	return strings.HasPrefix(NormalizeKey(key), "cron:")
}

// NormalizeKey trims surrounding whitespace; keys compare by string
// equality afterwards.
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// AgentIDFromKey extracts the agent id from an agent-namespace key,
// or "" for cron and malformed keys.
func AgentIDFromKey(key string) string {
	parts := strings.Split(NormalizeKey(key), ":")
	if len(parts) >= 3 && parts[0] == "agent" {
		return parts[1]
	}
	return ""
}

func normalizeAgentID(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "main"
	}
	return agentID
}
