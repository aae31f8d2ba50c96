package dify

// ConversationList is the decoded body of the conversations list call.
type ConversationList struct {
	Data    []ConversationItem `json:"data"`
	HasMore bool               `json:"has_more"`
	Limit   int                `json:"limit"`
}

// ConversationItem is one conversation in the upstream list.
type ConversationItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Introduction string `json:"introduction"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}
