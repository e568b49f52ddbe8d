package mission

// Tool is a research capability an agent can call
type Tool string

const (
	ToolWebSearch          Tool = "web_search"
	ToolHTMLCollector      Tool = "html_collector"
	ToolHARCapture         Tool = "har_capture"
	ToolSecurityScanner    Tool = "security_scanner"
	ToolNetworkAnalyzer    Tool = "network_analyzer"
	ToolGithubAnalyzer     Tool = "github_analyzer"
	ToolFinancialCollector Tool = "financial_collector"
	ToolReviewAggregator   Tool = "review_aggregator"
	ToolCompetitorAnalyzer Tool = "competitor_analyzer"
	ToolTechStackAnalyzer  Tool = "tech_stack_analyzer"
)

// Queue names tools are executed on
const (
	QueueSearch                = "search"
	QueueDocumentAnalysis      = "document_analysis"
	QueueQualityEvaluation     = "quality_evaluation"
	QueueDeepTechnicalAnalysis = "deep_technical_analysis"
	QueueOrchestration         = "orchestration"
)

var toolQueues = map[Tool]string{
	ToolWebSearch:          QueueSearch,
	ToolFinancialCollector: QueueSearch,
	ToolReviewAggregator:   QueueSearch,
	ToolCompetitorAnalyzer: QueueSearch,
	ToolHTMLCollector:      QueueDocumentAnalysis,
	ToolHARCapture:         QueueDocumentAnalysis,
	ToolSecurityScanner:    QueueDeepTechnicalAnalysis,
	ToolNetworkAnalyzer:    QueueDeepTechnicalAnalysis,
	ToolGithubAnalyzer:     QueueDeepTechnicalAnalysis,
	ToolTechStackAnalyzer:  QueueDeepTechnicalAnalysis,
}

// Known reports whether t is in the tool catalogue
func (t Tool) Known() bool {
	_, ok := toolQueues[t]
	return ok
}

// Queue returns the job queue a tool runs on
func (t Tool) Queue() string {
	if q, ok := toolQueues[t]; ok {
		return q
	}
	return QueueSearch
}

// Tools lists the catalogue
func Tools() []Tool {
	return []Tool{
		ToolWebSearch, ToolHTMLCollector, ToolHARCapture, ToolSecurityScanner, ToolNetworkAnalyzer,
		ToolGithubAnalyzer, ToolFinancialCollector, ToolReviewAggregator, ToolCompetitorAnalyzer,
		ToolTechStackAnalyzer,
	}
}

// ToolBundle is the primary tool for a signal category plus ordered fallbacks
type ToolBundle struct {
	Primary   Tool   `json:"primary" yaml:"primary"`
	Fallbacks []Tool `json:"fallbacks,omitempty" yaml:"fallbacks"`
}

// All returns primary followed by fallbacks
func (b ToolBundle) All() []Tool {
	out := make([]Tool, 0, 1+len(b.Fallbacks))
	if b.Primary != "" {
		out = append(out, b.Primary)
	}
	return append(out, b.Fallbacks...)
}
