package internal

import "time"

type ReportOrigin string

const (
	OriginResultsSummary ReportOrigin = "results_summary"
	OriginPhaseLog       ReportOrigin = "phase_log"
	OriginMail           ReportOrigin = "mail"
	OriginManual         ReportOrigin = "manual"
)

// RawReport is the agent's free-form output as received. Text may be empty.
type RawReport struct {
	Origin    ReportOrigin
	ProjectID string
	JobID     string
	Text      string
}

type Category string

const (
	CategoryAdded    Category = "added"
	CategoryReview   Category = "review"
	CategoryRejected Category = "rejected"
)

var Categories = []Category{CategoryAdded, CategoryReview, CategoryRejected}

type ReportSummary struct {
	Evaluated int `json:"evaluated"`
	Added     int `json:"added"`
	Review    int `json:"review"`
	Rejected  int `json:"rejected"`
}

type ParsedTechnology struct {
	Name     string  `json:"name"`
	Provider string  `json:"provider"`
	Score    int     `json:"score"`
	Reason   string  `json:"reason"`
	TRL      *string `json:"trl,omitempty"`
	Country  *string `json:"country,omitempty"`

	// Set only by the reconciler.
	QueueID    *string `json:"queueId,omitempty"`
	MatchScore float64 `json:"matchScore,omitempty"`
}

type TechnologyLists struct {
	Added    []ParsedTechnology `json:"added"`
	Review   []ParsedTechnology `json:"review"`
	Rejected []ParsedTechnology `json:"rejected"`
}

func (l TechnologyLists) ByCategory(c Category) []ParsedTechnology {
	switch c {
	case CategoryAdded:
		return l.Added
	case CategoryRejected:
		return l.Rejected
	default:
		return l.Review
	}
}

func (l TechnologyLists) Total() int {
	return len(l.Added) + len(l.Review) + len(l.Rejected)
}

type ParsedReport struct {
	Summary            ReportSummary   `json:"summary"`
	Technologies       TechnologyLists `json:"technologies"`
	Conclusions        []string        `json:"conclusions"`
	Recommendations    []string        `json:"recommendations"`
	TechnicalErrors    []string        `json:"technicalErrors"`
	HadTechnicalIssues bool            `json:"hadTechnicalIssues"`
	RawText            string          `json:"rawText"`
}

type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueReview   QueueStatus = "review"
	QueueApproved QueueStatus = "approved"
	QueueRejected QueueStatus = "rejected"
)

// QueueRecord is a backend-owned record awaiting a human decision. The local copy
// is a read-only snapshot and may be stale.
type QueueRecord struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	Country  string      `json:"country"`
	Score    float64     `json:"score"`
	TRL      *int        `json:"trl"`
	Status   QueueStatus `json:"status"`
}

type Decision string

const (
	DecisionApprove    Decision = "approve"
	DecisionReject     Decision = "reject"
	DecisionReconsider Decision = "reconsider"
)

// PersistedRecord is a business document stored against a project.
type PersistedRecord struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	DocumentNumber string         `json:"documentNumber"`
	DocumentDate   string         `json:"documentDate"`
	TotalAmount    string         `json:"totalAmount"`
	CreatedAt      string         `json:"createdAt"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type JobKind string

const (
	JobKindReport     JobKind = "report"
	JobKindEnrichment JobKind = "enrichment"
)

type JobLogEntry struct {
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type RemoteJob struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	ResultsSummary string `json:"results_summary"`
	Error          string `json:"error"`
}

type ReportRow struct {
	ID                 int
	Origin             string
	ProjectID          string
	JobID              string
	MessageRef         string
	Status             string
	RawText            string
	ParsedJSON         string
	HadTechnicalIssues bool
	CreatedAt          string
}

type MessageRow struct {
	ID         int
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

type TechnologyExportRow struct {
	Category   string
	Position   int
	Name       string
	Provider   string
	Score      int
	Reason     string
	TRL        *string
	Country    *string
	QueueID    *string
	MatchScore float64
}

// PollJobRow is the persisted view of one watcher job.
type PollJobRow struct {
	ID          string
	Kind        string
	ProjectID   string
	RemoteJobID string
	State       string
	Baseline    int
	LastCount   int
	LastStatus  string
	LastError   string
	StartedAt   string
	FinishedAt  string
}
