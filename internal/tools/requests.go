package tools

// Request is a decoded, validated tool call. The set of implementations is
// closed: every whitelisted tool has exactly one request type.
type Request interface {
	ToolName() string
	SessionID() string
	request()
}

// RawArg is a value handed to the interpreter unmodified through a temp file
type RawArg struct {
	Key    string
	Data   string
	Format string // "csv" or "R"
}

// Invocation is what an interpreter-backed tool passes to the R entry script
type Invocation struct {
	Args map[string]any
	Raw  []RawArg
}

// Invoker is implemented by requests that run in the interpreter
type Invoker interface {
	Request
	Invocation() Invocation
}

// HealthCheckRequest asks the interpreter to report its own status
type HealthCheckRequest struct{}

func (*HealthCheckRequest) ToolName() string  { return HealthCheck }
func (*HealthCheckRequest) SessionID() string { return "" }
func (*HealthCheckRequest) request()          {}

func (*HealthCheckRequest) Invocation() Invocation {
	return Invocation{Args: map[string]any{}}
}

// InitializeRequest starts a meta-analysis session
type InitializeRequest struct {
	Session       string // optional; generated when empty
	Name          string
	StudyType     string
	EffectMeasure string
	AnalysisModel string
}

func (r *InitializeRequest) ToolName() string  { return InitializeMetaAnalysis }
func (r *InitializeRequest) SessionID() string { return r.Session }
func (r *InitializeRequest) request()          {}

func (r *InitializeRequest) Invocation() Invocation {
	return Invocation{Args: map[string]any{
		"name":           r.Name,
		"study_type":     r.StudyType,
		"effect_measure": r.EffectMeasure,
		"analysis_model": r.AnalysisModel,
	}}
}

// UploadStudyDataRequest loads study data into a session, either as CSV text
// or as rows that are checked against the session's effect measure
type UploadStudyDataRequest struct {
	Session         string
	CSVContent      string
	StudyData       []map[string]any
	DataFormat      string
	ValidationLevel string
}

func (r *UploadStudyDataRequest) ToolName() string  { return UploadStudyData }
func (r *UploadStudyDataRequest) SessionID() string { return r.Session }
func (r *UploadStudyDataRequest) request()          {}

func (r *UploadStudyDataRequest) Invocation() Invocation {
	inv := Invocation{Args: map[string]any{
		"data_format":      r.DataFormat,
		"validation_level": r.ValidationLevel,
	}}
	if r.CSVContent != "" {
		inv.Raw = append(inv.Raw, RawArg{Key: "csv_content", Data: r.CSVContent, Format: "csv"})
	}
	if len(r.StudyData) > 0 {
		rows := make([]any, len(r.StudyData))
		for i, row := range r.StudyData {
			rows[i] = row
		}
		inv.Args["study_data"] = rows
	}
	return inv
}

// PerformMetaAnalysisRequest runs the pooled analysis
type PerformMetaAnalysisRequest struct {
	Session             string
	HeterogeneityTest   bool
	PublicationBias     bool
	SensitivityAnalysis bool
}

func (r *PerformMetaAnalysisRequest) ToolName() string  { return PerformMetaAnalysis }
func (r *PerformMetaAnalysisRequest) SessionID() string { return r.Session }
func (r *PerformMetaAnalysisRequest) request()          {}

func (r *PerformMetaAnalysisRequest) Invocation() Invocation {
	return Invocation{Args: map[string]any{
		"heterogeneity_test":   r.HeterogeneityTest,
		"publication_bias":     r.PublicationBias,
		"sensitivity_analysis": r.SensitivityAnalysis,
	}}
}

// ForestPlotRequest renders a forest plot
type ForestPlotRequest struct {
	Session         string
	PlotStyle       string
	ConfidenceLevel float64
}

func (r *ForestPlotRequest) ToolName() string  { return GenerateForestPlot }
func (r *ForestPlotRequest) SessionID() string { return r.Session }
func (r *ForestPlotRequest) request()          {}

func (r *ForestPlotRequest) Invocation() Invocation {
	return Invocation{Args: map[string]any{
		"plot_style":       r.PlotStyle,
		"confidence_level": r.ConfidenceLevel,
	}}
}

// PublicationBiasRequest runs the selected bias assessments
type PublicationBiasRequest struct {
	Session string
	Methods []string
}

func (r *PublicationBiasRequest) ToolName() string  { return AssessPublicationBias }
func (r *PublicationBiasRequest) SessionID() string { return r.Session }
func (r *PublicationBiasRequest) request()          {}

func (r *PublicationBiasRequest) Invocation() Invocation {
	methods := make([]any, len(r.Methods))
	for i, m := range r.Methods {
		methods[i] = m
	}
	return Invocation{Args: map[string]any{"methods": methods}}
}

// ReportRequest renders the analysis report
type ReportRequest struct {
	Session     string
	Format      string
	IncludeCode bool
}

func (r *ReportRequest) ToolName() string  { return GenerateReport }
func (r *ReportRequest) SessionID() string { return r.Session }
func (r *ReportRequest) request()          {}

func (r *ReportRequest) Invocation() Invocation {
	return Invocation{Args: map[string]any{
		"format":       r.Format,
		"include_code": r.IncludeCode,
	}}
}

// SessionStatusRequest reports the state of a session
type SessionStatusRequest struct {
	Session string
}

func (r *SessionStatusRequest) ToolName() string  { return GetSessionStatus }
func (r *SessionStatusRequest) SessionID() string { return r.Session }
func (r *SessionStatusRequest) request()          {}

func (r *SessionStatusRequest) Invocation() Invocation {
	return Invocation{Args: map[string]any{}}
}

// ExecuteCodeRequest runs free-form R code. The code only ever reaches the
// interpreter through a temp file and is scanned before it is written.
type ExecuteCodeRequest struct {
	Session string
	Code    string
}

func (r *ExecuteCodeRequest) ToolName() string  { return ExecuteRCode }
func (r *ExecuteCodeRequest) SessionID() string { return r.Session }
func (r *ExecuteCodeRequest) request()          {}

func (r *ExecuteCodeRequest) Invocation() Invocation {
	return Invocation{
		Args: map[string]any{},
		Raw:  []RawArg{{Key: "code", Data: r.Code, Format: "R"}},
	}
}

// UploadFileRequest routes base64 content through the upload sandbox
type UploadFileRequest struct {
	Session        string
	Filename       string
	Content        string // base64
	ExpectedDigest string
}

func (r *UploadFileRequest) ToolName() string  { return UploadFile }
func (r *UploadFileRequest) SessionID() string { return r.Session }
func (r *UploadFileRequest) request()          {}

// SecurityEventsRequest queries recent security events
type SecurityEventsRequest struct {
	Category  string
	Severity  string
	EventType string
	Session   string
	Limit     int
}

func (r *SecurityEventsRequest) ToolName() string  { return SecurityEvents }
func (r *SecurityEventsRequest) SessionID() string { return r.Session }
func (r *SecurityEventsRequest) request()          {}
