package sessions

// Entry is the routing/metadata record stored under a session key.
// SessionID is immutable once assigned; UpdatedAt only moves forward.
type Entry struct {
	SessionID string `json:"sessionId,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`

	TranscriptPath string `json:"transcriptPath,omitempty"`

	// Chat metadata
	ChatType string `json:"chatType,omitempty"` // direct|group|channel
	Channel  string `json:"channel,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
	Subject  string `json:"subject,omitempty"`

	// Last-delivery routing, used to resolve delivery target "last"
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastThreadID  string `json:"lastThreadId,omitempty"`

	// Model/provider overrides
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// Execution policy
	ExecHost     string `json:"execHost,omitempty"`
	SecurityMode string `json:"securityMode,omitempty"`

	// Queue policy for the session lane
	QueueMode       string `json:"queueMode,omitempty"`
	QueueDebounceMs *int   `json:"queueDebounceMs,omitempty"`
	QueueCap        *int   `json:"queueCap,omitempty"`
	QueueDrop       string `json:"queueDrop,omitempty"`

	Label  string `json:"label,omitempty"`
	Origin string `json:"origin,omitempty"`

	// Token counters
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	TotalTokens  int64 `json:"totalTokens,omitempty"`
	Compactions  int   `json:"compactions,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	if e.QueueDebounceMs != nil {
		v := *e.QueueDebounceMs
		out.QueueDebounceMs = &v
	}
	if e.QueueCap != nil {
		v := *e.QueueCap
		out.QueueCap = &v
	}
	return out
}

func cloneEntries(in map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// Touch advances UpdatedAt, never moving it backwards.
func (e *Entry) Touch(nowMs int64) {
	if nowMs > e.UpdatedAt {
		e.UpdatedAt = nowMs
	}
}
