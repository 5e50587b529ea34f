package store

import "clinic/visit-queue/internal/models"

const (
	ActionIssue            = "issue"
	ActionMarkReady        = "mark_ready"
	ActionUnmarkReady      = "unmark_ready"
	ActionCallNext         = "call_next"
	ActionStart            = "start_consultation"
	ActionCallNextAndStart = "call_next_and_start"
	ActionComplete         = "complete_consultation"
	ActionForceEnd         = "force_end"
	ActionMarkMissed       = "mark_missed"
	ActionCancel           = "cancel"
	ActionSetDelay         = "set_delay"
	ActionClearDelay       = "clear_delay"
	ActionSetPriority      = "set_priority"
	ActionAttachVisit      = "attach_visit"
)

var transitionMap = map[string][]string{
	ActionMarkReady:        {models.StatusWaiting},
	ActionUnmarkReady:      {models.StatusReady},
	ActionCallNext:         {models.StatusWaiting},
	ActionStart:            {models.StatusReady},
	ActionCallNextAndStart: {models.StatusWaiting},
	ActionComplete:         {models.StatusServing},
	ActionForceEnd:         {models.StatusServing},
	ActionMarkMissed:       {models.StatusWaiting, models.StatusReady},
	ActionCancel:           {models.StatusWaiting, models.StatusReady, models.StatusServing},
	ActionSetDelay:         {models.StatusWaiting, models.StatusReady},
	ActionClearDelay:       {models.StatusWaiting, models.StatusReady},
	ActionSetPriority:      {models.StatusWaiting, models.StatusReady},
	ActionAttachVisit:      {models.StatusWaiting, models.StatusReady, models.StatusServing},
}

// targetStatus lists the status an action leaves the token in. Actions that
// only annotate a token are absent.
var targetStatus = map[string]string{
	ActionMarkReady:        models.StatusReady,
	ActionUnmarkReady:      models.StatusWaiting,
	ActionCallNext:         models.StatusReady,
	ActionStart:            models.StatusServing,
	ActionCallNextAndStart: models.StatusServing,
	ActionComplete:         models.StatusCompleted,
	ActionForceEnd:         models.StatusCompleted,
	ActionMarkMissed:       models.StatusMissed,
	ActionCancel:           models.StatusCancelled,
}

var eventTypes = map[string]string{
	ActionIssue:            "token.issued",
	ActionMarkReady:        "token.ready",
	ActionUnmarkReady:      "token.waiting",
	ActionCallNext:         "token.called",
	ActionStart:            "token.serving",
	ActionCallNextAndStart: "token.serving",
	ActionComplete:         "token.completed",
	ActionForceEnd:         "token.force_completed",
	ActionMarkMissed:       "token.missed",
	ActionCancel:           "token.cancelled",
	ActionSetDelay:         "token.delayed",
	ActionClearDelay:       "token.delay_cleared",
	ActionSetPriority:      "token.priority_changed",
	ActionAttachVisit:      "token.visit_attached",
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func TargetStatus(action string) (string, bool) {
	status, ok := targetStatus[action]
	return status, ok
}

// AlreadyApplied reports whether a retried action finds the token in the state
// the action would have produced. Call-next style actions pick a token and are
// never treated as replays here.
func AlreadyApplied(action, status string) bool {
	switch action {
	case ActionMarkReady, ActionUnmarkReady, ActionStart, ActionComplete, ActionMarkMissed, ActionCancel:
		return targetStatus[action] == status
	default:
		return false
	}
}

func EventType(action string) string {
	if eventType, ok := eventTypes[action]; ok {
		return eventType
	}
	return "token." + action
}
