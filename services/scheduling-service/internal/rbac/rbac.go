// Package rbac is the clinic's capability matrix. Handlers consult it as a
// precondition; authentication itself happens upstream.
package rbac

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleMedico    Role = "medico"
	RoleRecepcion Role = "recepcion"
)

type Resource string

const (
	Appointments Resource = "appointments"
	Availability Resource = "availability"
)

type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
)

// capability matrix: role -> resource -> allowed actions. Absence means deny.
var matrix = map[Role]map[Resource][]Action{
	RoleAdmin: {
		Appointments: {ActionCreate, ActionRead, ActionUpdate, ActionCancel, ActionComplete},
		Availability: {ActionRead},
	},
	RoleMedico: {
		Appointments: {ActionCreate, ActionRead, ActionUpdate, ActionCancel, ActionComplete},
		Availability: {ActionRead},
	},
	RoleRecepcion: {
		// Reception books, moves and cancels, but only a practitioner closes
		// a session (completion drives stock and medical records).
		Appointments: {ActionCreate, ActionRead, ActionUpdate, ActionCancel},
		Availability: {ActionRead},
	},
}

func Can(role Role, resource Resource, action Action) bool {
	actions, ok := matrix[role][resource]
	if !ok {
		return false
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
