package constants

// Conversation constants
const (
	// HistoryTurns is the number of conversation turns kept per user
	HistoryTurns = 3

	// ResponsePrefix marks a classifier reply that is sent to the user verbatim
	ResponsePrefix = "response:"
	// QuestionPrefix marks a classifier reply carrying a rewritten question
	QuestionPrefix = "question:"

	// ClassifyAttempts is the number of classification attempts per turn
	ClassifyAttempts = 2
)

// Resolver defaults
const (
	ResolverTopK      = 10
	ResolverThreshold = 0.3
)

// Memory defaults
const (
	MemoryThreshold = 0.5
	// MemoryRecentLimit caps the unfiltered retrieve slice
	MemoryRecentLimit = 100
)

// Retrieval index defaults
const (
	SearchLimit      = 1000
	SearchScoreFloor = 0.5
	ScrollPageSize   = 100
)

// Resource kinds carried in a turn's context
const (
	ResourceGraph      = "graph"
	ResourceHypothesis = "hypothesis"
	ResourcePDF        = "pdf"
	ResourceTool       = "tool"
	ResourceWorkflow   = "workflow"
	ResourceDataset    = "dataset"
	ResourceNone       = "none"
)

// Push event names
const (
	EventJSONFormat = "json_format"
	EventAnalysis   = "analysis"
	EventRAG        = "rag"
	EventHypothesis = "hypothesis"
	EventError      = "error"
)

// Push event statuses
const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// PDF defaults
const (
	PDFQuota        = 2
	PDFChunkSize    = 1000
	PDFChunkOverlap = 150
)
