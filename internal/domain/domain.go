package domain

import "encoding/json"

// Category classifies a workflow state for analytics. Queries that partition
// work (ready/blocked/archive visibility) always classify by category, never
// by literal status.
type Category string

const (
	CategoryTodo       Category = "todo"
	CategoryInProgress Category = "in_progress"
	CategoryDone       Category = "done"
)

func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryTodo, CategoryInProgress, CategoryDone:
		return Category(s), true
	}
	return "", false
}

// Enforcement is a closed set; unrecognized values are rejected at pack load.
type Enforcement string

const (
	EnforceHard Enforcement = "hard"
	EnforceSoft Enforcement = "soft"
)

func ParseEnforcement(s string) (Enforcement, bool) {
	switch Enforcement(s) {
	case EnforceHard, EnforceSoft:
		return Enforcement(s), true
	}
	return "", false
}

// EventType is the fixed audit-log enumeration. UndoLast defines an inverse
// for every member; anything outside the set is rejected.
type EventType string

const (
	EventCreated       EventType = "created"
	EventStatusChanged EventType = "status_changed"
	EventFieldChanged  EventType = "field_changed"
	EventClaimed       EventType = "claimed"
	EventReleased      EventType = "released"
	EventClosed        EventType = "closed"
	EventReopened      EventType = "reopened"
	EventCommented     EventType = "commented"
	EventArchived      EventType = "archived"
	EventDepAdded      EventType = "dependency_added"
	EventDepRemoved    EventType = "dependency_removed"
)

func ParseEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventCreated, EventStatusChanged, EventFieldChanged, EventClaimed,
		EventReleased, EventClosed, EventReopened, EventCommented,
		EventArchived, EventDepAdded, EventDepRemoved:
		return EventType(s), true
	}
	return "", false
}

// StatusArchived is a reserved status applied by archival compaction. It is
// not declared by templates; the registry resolves it to CategoryDone so
// archived issues stay visible to category-based queries.
const StatusArchived = "archived"

// Issue is a trackable unit of work with a type-constrained state.
// Type is immutable after creation; Status must always name a state declared
// by the issue's template (or the reserved archived status).
type Issue struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Priority   int            `json:"priority"`
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	ParentID   *string        `json:"parent_id,omitempty"`
	ClaimedBy  *string        `json:"claimed_by,omitempty"`
	ClaimToken *string        `json:"claim_token,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
	ClosedAt   *string        `json:"closed_at,omitempty" format:"date-time"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// FieldsJSON renders the field bag for storage. Empty bags store as "{}".
func (i Issue) FieldsJSON() (string, error) {
	if len(i.Fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(i.Fields)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Event is one append-only audit record. ID is the monotonic sequence used as
// the deterministic tie-break when timestamps collide.
type Event struct {
	ID        int64     `json:"id"`
	IssueID   string    `json:"issue_id"`
	Type      EventType `json:"event_type"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  *string   `json:"new_value,omitempty"`
	Actor     string    `json:"actor"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

// Dependency is a directed edge: IssueID depends on DependsOnID.
type Dependency struct {
	IssueID     string `json:"issue_id"`
	DependsOnID string `json:"depends_on_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	CreatedBy   string `json:"created_by"`
}

type Comment struct {
	ID        int64  `json:"id"`
	IssueID   string `json:"issue_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Severity of an externally supplied finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), true
	}
	return "", false
}

// Rank orders severities for threshold comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Finding is one ingested scan result. Fingerprint is derived from
// path+rule+message; duplicates are idempotent.
type Finding struct {
	ID          int64    `json:"id"`
	Path        string   `json:"path"`
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Fingerprint string   `json:"fingerprint"`
	IssueID     *string  `json:"issue_id,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// PlanNode is a derived view over the parent tree, not a storage entity.
// Progress is the fraction of descendant leaves in a done category.
type PlanNode struct {
	Issue    Issue       `json:"issue"`
	Children []*PlanNode `json:"children,omitempty"`
	Progress float64     `json:"progress"`
}

// Bundle is the full-store export/import shape.
type Bundle struct {
	Issues       []Issue      `json:"issues"`
	Events       []Event      `json:"events"`
	Dependencies []Dependency `json:"dependencies"`
	Comments     []Comment    `json:"comments,omitempty"`
	Findings     []Finding    `json:"findings,omitempty"`
}
