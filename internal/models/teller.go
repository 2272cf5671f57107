package models

// TransactionType is configuration data owned externally; the core
// only reads it. Steps is 1 for single-step services and 2 when the
// customer passes through both counters.
type TransactionType struct {
	TransactionTypeID string `json:"transaction_type_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Steps             int    `json:"steps"`
}

type Teller struct {
	TellerID    string `json:"teller_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ServesStep1 bool   `json:"serves_step1"`
	ServesStep2 bool   `json:"serves_step2"`
}

func (t Teller) ServesStep(step int) bool {
	switch step {
	case StepOne:
		return t.ServesStep1
	case StepTwo:
		return t.ServesStep2
	default:
		return false
	}
}
