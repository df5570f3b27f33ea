package schema

// ActionType names a downstream action a workflow may emit.
type ActionType string

const (
	ActionNotify        ActionType = "NOTIFY"
	ActionSendEmail     ActionType = "SEND_EMAIL"
	ActionApprove       ActionType = "APPROVE"
	ActionReject        ActionType = "REJECT"
	ActionFlagForReview ActionType = "FLAG_FOR_REVIEW"
	ActionApplyLimit    ActionType = "APPLY_LIMIT"
	ActionAssignTag     ActionType = "ASSIGN_TAG"
	ActionFreezeAccount ActionType = "FREEZE_ACCOUNT"
	ActionRequireKYC    ActionType = "REQUIRE_KYC"
	ActionWebhook       ActionType = "WEBHOOK"
)

var knownActions = map[ActionType]struct{}{
	ActionNotify:        {},
	ActionSendEmail:     {},
	ActionApprove:       {},
	ActionReject:        {},
	ActionFlagForReview: {},
	ActionApplyLimit:    {},
	ActionAssignTag:     {},
	ActionFreezeAccount: {},
	ActionRequireKYC:    {},
	ActionWebhook:       {},
}

// Valid reports whether a belongs to the action vocabulary.
func (a ActionType) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// ActionDescriptor is what a workflow decides: which action applies and with
// which parameters. Config is opaque to the engine.
type ActionDescriptor struct {
	Action ActionType     `json:"action"`
	Config map[string]any `json:"config"`
}
