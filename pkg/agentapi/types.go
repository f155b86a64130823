package agentapi

// Session is one entry of a user's session directory.
type Session struct {
	SessionID      string  `json:"session_id" yaml:"session_id"`
	UserID         string  `json:"user_id" yaml:"user_id"`
	AppName        string  `json:"app_name" yaml:"app_name"`
	LastUpdateTime float64 `json:"last_update_time" yaml:"last_update_time"`
}

type SessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

type DeleteResponse struct {
	Message string `json:"message"`
}

// HistoryResponse is the server-side event log of a session.
type HistoryResponse struct {
	Events []Event `json:"events"`
}

type Event struct {
	ID      string   `json:"id,omitempty"`
	Author  string   `json:"author"`
	Content *Content `json:"content,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type errorBody struct {
	Detail string `json:"detail"`
}
