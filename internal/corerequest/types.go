// Package corerequest holds the data types that flow through the ask
// pipeline: requests, history, preprocessing/postprocessing results and the
// auxiliary records the substrate keys off of in the KV store.
package corerequest

import "time"

// Role identifies the speaker of a HistoryMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// HistoryMessage is one entry of an AskRequest's chronological history.
type HistoryMessage struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
	SenderName string `json:"sender_name,omitempty"`
	Category   string `json:"category,omitempty"`
}

// SkillRef names one (app_id, skill_id) pair, e.g. from @mention overrides.
type SkillRef struct {
	AppID   string `json:"app_id"`
	SkillID string `json:"skill_id"`
}

// FocusRef names one (app_id, focus_id) pair.
type FocusRef struct {
	AppID   string `json:"app_id"`
	FocusID string `json:"focus_id"`
}

// UserOverrides is parsed from "@mention" syntax in the last user message.
type UserOverrides struct {
	ModelID          string
	ModelProvider    string
	BestModelCategory string
	MateID           string
	Skills           []SkillRef
	FocusModes       []FocusRef
}

// HasOverrides reports whether any override field was set.
func (o UserOverrides) HasOverrides() bool {
	return o.ModelID != "" || o.ModelProvider != "" || o.BestModelCategory != "" ||
		o.MateID != "" || len(o.Skills) > 0 || len(o.FocusModes) > 0
}

// AskRequest is one assistant turn.
type AskRequest struct {
	ChatID        string           `json:"chat_id"`
	MessageID     string           `json:"message_id"`
	UserID        string           `json:"user_id"`
	UserIDHash    string           `json:"user_id_hash"`
	MessageHistory []HistoryMessage `json:"message_history"`

	ChatHasTitle  bool `json:"chat_has_title"`
	IsIncognito   bool `json:"is_incognito"`
	IsExternal    bool `json:"is_external"`

	MateID        *string           `json:"mate_id,omitempty"`
	ActiveFocusID *string           `json:"active_focus_id,omitempty"`
	UserPreferences map[string]any  `json:"user_preferences,omitempty"`
	// AppSettingsMemoriesMetadata entries have the form "<app_id>-<item_type>".
	AppSettingsMemoriesMetadata []string `json:"app_settings_memories_metadata,omitempty"`

	// TaskID is assigned by the pipeline at dispatch time, not by the transport.
	TaskID string `json:"-"`
}

// LastUserMessage returns the trailing user-role message, if any.
func (r *AskRequest) LastUserMessage() (HistoryMessage, bool) {
	for i := len(r.MessageHistory) - 1; i >= 0; i-- {
		if r.MessageHistory[i].Role == RoleUser {
			return r.MessageHistory[i], true
		}
	}
	return HistoryMessage{}, false
}

// RejectionReason enumerates why a request was refused in preprocessing.
type RejectionReason string

const (
	RejectInsufficientCredits RejectionReason = "insufficient_credits"
	RejectHarmfulOrIllegal    RejectionReason = "harmful_or_illegal_detected"
	RejectMisuse              RejectionReason = "misuse_detected"
	RejectInternalError       RejectionReason = "internal_error"
)

// Complexity classifies the difficulty of a request.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// DisclaimerType enumerates the advice-disclaimer categories.
type DisclaimerType string

const (
	DisclaimerFinancial    DisclaimerType = "financial"
	DisclaimerMedical      DisclaimerType = "medical"
	DisclaimerLegal        DisclaimerType = "legal"
	DisclaimerMentalHealth DisclaimerType = "mental_health"
)

// PreprocessingResult is the output of the Preprocessor stage.
type PreprocessingResult struct {
	CanProceed      bool             `json:"can_proceed"`
	RejectionReason RejectionReason  `json:"rejection_reason,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`

	HarmfulOrIllegalScore float64 `json:"harmful_or_illegal_score"`
	MisuseRiskScore       float64 `json:"misuse_risk_score"`
	Category              string  `json:"category"`
	Complexity            Complexity `json:"complexity"`
	TaskArea              string  `json:"task_area"`
	UserUnhappy           bool    `json:"user_unhappy"`
	ChinaModelSensitive   bool    `json:"china_model_sensitive"`
	LLMResponseTemp       float64 `json:"llm_response_temp"`
	OutputLanguage        string  `json:"output_language"`

	SelectedMateID             string `json:"selected_mate_id,omitempty"`
	SelectedMainLLMModelID     string `json:"selected_main_llm_model_id,omitempty"`
	SelectedMainLLMModelName  string `json:"selected_main_llm_model_name,omitempty"`
	SelectedSecondaryModelID  string `json:"selected_secondary_model_id,omitempty"`
	SelectedFallbackModelID   string `json:"selected_fallback_model_id,omitempty"`
	ModelSelectionReason      string `json:"model_selection_reason,omitempty"`
	FilteredCNModels          bool   `json:"filtered_cn_models"`
	ServerProviderName        string `json:"server_provider_name,omitempty"`
	ServerRegion              string `json:"server_region,omitempty"`

	LoadAppSettingsAndMemories []string `json:"load_app_settings_and_memories"`
	RelevantEmbeddedPreviews   []string `json:"relevant_embedded_previews"`
	RelevantAppSkills          []string `json:"relevant_app_skills"`
	RelevantFocusModes         []string `json:"relevant_focus_modes"`

	Title     string   `json:"title,omitempty"`
	IconNames []string `json:"icon_names,omitempty"`

	ChatSummary string   `json:"chat_summary"`
	ChatTags    []string `json:"chat_tags"`

	RequiresAdviceDisclaimer *DisclaimerType `json:"requires_advice_disclaimer,omitempty"`
}

// PostProcessingResult is the output of the Postprocessor stage.
type PostProcessingResult struct {
	FollowUpRequestSuggestions    []string                `json:"follow_up_request_suggestions"`
	NewChatRequestSuggestions     []string                `json:"new_chat_request_suggestions"`
	ChatSummary                   string                  `json:"chat_summary"`
	HarmfulResponse                bool                   `json:"harmful_response"`
	TopRecommendedAppsForUser      []string               `json:"top_recommended_apps_for_user"`
	RelevantSettingsMemoryCategories []string             `json:"relevant_settings_memory_categories"`
	SuggestedSettingsMemories       []SettingsMemoryEntry `json:"suggested_settings_memories"`
}

// SettingsMemoryEntry is one structured memory suggestion.
type SettingsMemoryEntry struct {
	Category string         `json:"category"`
	Fields   map[string]any `json:"fields"`
}

// EmbedStatus enumerates the lifecycle of an external auxiliary artifact.
type EmbedStatus string

const (
	EmbedProcessing EmbedStatus = "processing"
	EmbedOK         EmbedStatus = "ok"
	EmbedError      EmbedStatus = "error"
	EmbedCancelled  EmbedStatus = "cancelled"
)

// Embed is an external auxiliary artifact referenced by id.
type Embed struct {
	ID             string      `json:"id"`
	Status         EmbedStatus `json:"status"`
	HashedChatID   string      `json:"hashed_chat_id"`
	HashedTaskID   string      `json:"hashed_task_id"`
}

// QueuedMessage has the same shape as AskRequest; it sits in the per-chat
// queue until the active pipeline drains it.
type QueuedMessage = AskRequest

// PipelineState is the RequestPipeline's state machine position.
type PipelineState string

const (
	StateReady            PipelineState = "ready"
	StatePreprocessing     PipelineState = "preprocessing"
	StateTypingPublished   PipelineState = "typing_published"
	StateBillingPreflight  PipelineState = "billing_preflight"
	StateMainStreaming     PipelineState = "main_streaming"
	StateDrainQueue        PipelineState = "drain_queue"
	StatePostprocessing    PipelineState = "postprocessing"
	StateCleanup           PipelineState = "cleanup"
	StateDone              PipelineState = "done"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock implementation.
var SystemClock Clock = systemClock{}
