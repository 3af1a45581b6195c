package models

// ModelSettings holds the endpoints and credentials of the language, speech
// and synthesis services the device talks to.
type ModelSettings struct {
	LLMURL       string `json:"llmURL"`
	LLMModel     string `json:"llmModel"`
	LLMKey       string `json:"llmKey"`
	LLMPrePrompt string `json:"llmPrePrompt"`
	LLMTemp      string `json:"llmTemp"`
	STTURL       string `json:"sttURL"`
	STTModel     string `json:"sttModel"`
	STTKey       string `json:"sttKey"`
	TTSURL       string `json:"ttsURL"`
	TTSModel     string `json:"ttsModel"`
	TTSKey       string `json:"ttsKey"`
	TTSRole      string `json:"ttsRole"`
}

// ConversationLog is one line of the assistant conversation as shown to clients.
type ConversationLog struct {
	Role string `json:"role"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}
