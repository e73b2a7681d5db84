package domain

// Role selects which dashboard an account lands on and which operations it may run.
type Role string

const (
	RoleReporter   Role = "reporter"
	RoleManager    Role = "manager"
	RoleTechnician Role = "technician"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleReporter, RoleManager, RoleTechnician:
		return true
	}
	return false
}

// Status is the lifecycle state of a breakdown report.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusAssigned, StatusInProgress, StatusResolved}

func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Active reports whether a technician still has work to do on the report.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Account is an entry of the account directory stored at users/{id}. The ID
// is the record key and is not part of the stored document.
type Account struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      Role   `json:"role" enum:"reporter,manager,technician"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// TechnicianRef is a copy of a technician account taken at assignment time.
// Later changes to the account are not reflected here.
type TechnicianRef struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Timestamps are epoch milliseconds.
type Timestamps struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Report is a breakdown ticket stored at breakdowns/{id}. The ID is the
// record key and is not part of the stored document.
type Report struct {
	ID                 string         `json:"id,omitempty"`
	ReporterUID        string         `json:"reporterUid"`
	ReporterName       string         `json:"reporterName"`
	ReporterEmail      string         `json:"reporterEmail"`
	Message            string         `json:"message"`
	Status             Status         `json:"status"`
	AssignedTechnician *TechnicianRef `json:"assignedTechnician"`
	FixDetails         *string        `json:"fixDetails"`
	Timestamps         Timestamps     `json:"timestamps"`
}

// Identity is what the identity provider knows about an authenticated user.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Principal is the acting account for a role-gated operation.
type Principal struct {
	UID   string
	Email string
	Name  string
	Role  Role
}

// PrincipalFor builds the principal for an account.
func PrincipalFor(a Account) Principal {
	return Principal{UID: a.ID, Email: a.Email, Name: a.Name, Role: a.Role}
}

// Event is an entry of the change log written alongside every store mutation.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
