package model

type ComplianceDecision struct {
	Passed   bool     `json:"passed"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type DeliveryResult struct {
	Status   Status `json:"status"`
	RemoteID string `json:"remoteId,omitempty"`
	Err      string `json:"error,omitempty"`
}
