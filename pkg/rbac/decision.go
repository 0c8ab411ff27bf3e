package rbac

// DenyReason names the unmet condition behind a denial. Callers may show the
// message to users but should branch only on Decision.Allowed.
type DenyReason string

const (
	ReasonNotMember          DenyReason = "not_member"
	ReasonInsufficientRole   DenyReason = "insufficient_role"
	ReasonPropertyNotVisible DenyReason = "property_not_visible"
	ReasonActionNotGranted   DenyReason = "action_not_granted"
	ReasonTargetNotMember    DenyReason = "target_not_member"
	ReasonTargetIsOwner      DenyReason = "target_is_owner"
	ReasonSelfTarget         DenyReason = "self_target"
	ReasonTargetOutranks     DenyReason = "target_outranks"
	ReasonRoleNotAssignable  DenyReason = "role_not_assignable"
	ReasonOwnerCannotLeave   DenyReason = "owner_cannot_leave"
	ReasonInvalidRequest     DenyReason = "invalid_request"
)

var denyMessages = map[DenyReason]string{
	ReasonNotMember:          "you are not a member of this portfolio",
	ReasonInsufficientRole:   "your role does not allow this action",
	ReasonPropertyNotVisible: "this property is not accessible to you",
	ReasonActionNotGranted:   "you do not have this permission on the property",
	ReasonTargetNotMember:    "the target user is not a member of this portfolio",
	ReasonTargetIsOwner:      "the portfolio owner can only change through ownership transfer",
	ReasonSelfTarget:         "you cannot change or remove your own membership",
	ReasonTargetOutranks:     "you can only manage members with a lower role than yours",
	ReasonRoleNotAssignable:  "you cannot assign this role",
	ReasonOwnerCannotLeave:   "the owner must transfer ownership before leaving",
	ReasonInvalidRequest:     "the authorization request is malformed",
}

// Message returns user-facing text for the reason
func (r DenyReason) Message() string {
	if msg, ok := denyMessages[r]; ok {
		return msg
	}
	return string(r)
}

// Decision is the outcome of an authorization check
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
}

// Allow is the allowing decision
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with the given reason
func Deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

// Err converts a denial into a *DeniedError and an allow into nil
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason}
}

// Outcome returns "allow" or "deny", used as a metric label
func (d Decision) Outcome() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}
