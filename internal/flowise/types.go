package flowise

import "encoding/json"

// Chatflow is one entry of the upstream catalog. Configuration fields are
// JSON strings upstream; they are kept opaque here and parsed defensively
// by the registry.
type Chatflow struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Deployed      bool            `json:"deployed"`
	IsPublic      bool            `json:"isPublic"`
	Category      string          `json:"category"`
	Type          string          `json:"type"`
	FlowData      string          `json:"flowData"`
	ChatbotConfig string          `json:"chatbotConfig"`
	APIConfig     string          `json:"apiConfig"`
	Raw           json.RawMessage `json:"-"`
}

// Upload references one stored file in a prediction request.
type Upload struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Data string `json:"data"`
}

// PredictionRequest is the body of the upstream prediction call.
type PredictionRequest struct {
	Question       string                 `json:"question"`
	Streaming      bool                   `json:"streaming"`
	OverrideConfig map[string]interface{} `json:"overrideConfig,omitempty"`
	Uploads        []Upload               `json:"uploads,omitempty"`
}
