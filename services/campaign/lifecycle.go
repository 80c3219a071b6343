package campaign

// The campaign lifecycle is a closed state machine. All status checks go
// through this table instead of ad-hoc comparisons at call sites.
//
//	draft --activate--> active --pause--> paused --resume--> active
//	active --(budget_spent == budget_total)--> exhausted
//	exhausted --clawback / admin reopen--> active
//	active|paused|exhausted --complete--> completed
//	completed --admin reopen--> active
var transitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:     {StatusActive},
	StatusActive:    {StatusPaused, StatusExhausted, StatusCompleted},
	StatusPaused:    {StatusActive, StatusCompleted},
	StatusExhausted: {StatusActive, StatusCompleted},
	StatusCompleted: {StatusActive},
}

func canTransition(from, to CampaignStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
