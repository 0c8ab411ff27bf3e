package rbac

// EvaluatePortfolioActions maps every portfolio action to whether the
// context's role meets its threshold. It has no side effects.
func EvaluatePortfolioActions(pc PermissionContext) map[PortfolioAction]bool {
	result := make(map[PortfolioAction]bool, len(portfolioActionThresholds))
	for action, threshold := range portfolioActionThresholds {
		result[action] = pc.role.AtLeast(threshold)
	}
	return result
}

// AllowedPortfolioActions lists the permitted portfolio actions in the order
// of PortfolioActions.
func AllowedPortfolioActions(pc PermissionContext) []PortfolioAction {
	allowed := EvaluatePortfolioActions(pc)
	actions := make([]PortfolioAction, 0, len(allowed))
	for _, a := range PortfolioActions() {
		if allowed[a] {
			actions = append(actions, a)
		}
	}
	return actions
}

// CanPerform reports whether the context may perform one portfolio action.
// Unknown actions are never allowed.
func CanPerform(pc PermissionContext, action PortfolioAction) bool {
	threshold, ok := action.MinimumRole()
	return ok && pc.role.AtLeast(threshold)
}

// EvaluatePropertyPermissions computes the capability result for a property
// that the caller has already confirmed belongs to the context's portfolio.
func EvaluatePropertyPermissions(pc PermissionContext, propertyID int64) PropertyCapabilities {
	resolver := pc.Resolver()
	caps := PropertyCapabilities{PropertyID: propertyID}
	if !resolver.Visible(propertyID) {
		return caps
	}

	actions := resolver.AllowedActions(propertyID)
	caps.Visible = true
	caps.Permissions = actions
	caps.CanView = actions.Has(PropertyView)
	caps.CanEdit = actions.Has(PropertyEdit)
	caps.CanManage = actions.Has(PropertyManage)
	caps.CanDelete = actions.Has(PropertyDelete)
	return caps
}
