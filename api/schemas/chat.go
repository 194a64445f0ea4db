package schemas

// ConversationRequest describes one inbound chat exchange. It lives only for
// the duration of the request that carries it.
type ConversationRequest struct {
	Model   string `json:"model,omitempty"`
	Message string `json:"message"`
	// Image is an optional attachment, either raw base64 or a data: URL.
	Image string `json:"image,omitempty"`
}

// ConversationResult is what the composed send+await pipeline returns.
type ConversationResult struct {
	ReplyText        string `json:"response"`
	TranscriptLength int    `json:"transcriptLength"`
	// NthReplyText is the assistant turn paired with the request's user turn,
	// resolved through the transcript's alternation invariant. It can differ
	// from ReplyText if the UI re-rendered older turns mid-exchange.
	NthReplyText string `json:"nthReply,omitempty"`
}

// ReadinessState classifies where a freshly navigated page sits between
// "nothing rendered" and "application accepting input". It is derived from
// DOM inspection on every check and never cached across navigations.
type ReadinessState int

const (
	ReadinessUnknown ReadinessState = iota
	ReadinessNavigating
	ReadinessChallengePresent
	ReadinessChallengeResolving
	ReadinessAppReady
)

func (r ReadinessState) String() string {
	switch r {
	case ReadinessNavigating:
		return "navigating"
	case ReadinessChallengePresent:
		return "challenge_present"
	case ReadinessChallengeResolving:
		return "challenge_resolving"
	case ReadinessAppReady:
		return "app_ready"
	default:
		return "unknown"
	}
}

// SessionFileResult is the wire shape for the session file endpoints.
type SessionFileResult struct {
	Success      bool   `json:"success"`
	FileName     string `json:"fileName,omitempty"`
	FilePath     string `json:"filePath,omitempty"`
	CookieCount  int    `json:"cookieCount,omitempty"`
	StorageCount int    `json:"storageCount,omitempty"`
	Error        string `json:"error,omitempty"`
}
