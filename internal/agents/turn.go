package agents

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Turn is one finalized utterance.
type Turn struct {
	Role    Role
	Content string
}

// TurnFromTranscript maps a voice agent transcript role ("user" or
// "assistant") to a Turn. Unknown roles and empty content are rejected.
func TurnFromTranscript(role, content string) (Turn, bool) {
	if content == "" {
		return Turn{}, false
	}
	switch role {
	case "user":
		return Turn{Role: RoleCustomer, Content: content}, true
	case "assistant":
		return Turn{Role: RoleAgent, Content: content}, true
	}
	return Turn{}, false
}
