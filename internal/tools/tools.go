// Package tools defines the static whitelist of callable tools, their input
// schemas, and the closed set of typed requests they decode into.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/validate"
)

// Whitelisted tool names
const (
	HealthCheck            = "health_check"
	InitializeMetaAnalysis = "initialize_meta_analysis"
	UploadStudyData        = "upload_study_data"
	PerformMetaAnalysis    = "perform_meta_analysis"
	GenerateForestPlot     = "generate_forest_plot"
	AssessPublicationBias  = "assess_publication_bias"
	GenerateReport         = "generate_report"
	GetSessionStatus       = "get_session_status"
	ExecuteRCode           = "execute_r_code"
	UploadFile             = "upload_file"
	SecurityEvents         = "security_events"
)

// ErrUnknownTool is returned for names outside the whitelist
var ErrUnknownTool = errors.New("unknown tool")

// SessionMode says how a tool relates to session directories
type SessionMode int

const (
	// SessionNone tools never touch a session directory
	SessionNone SessionMode = iota
	// SessionCreate tools create the session, generating an id when absent
	SessionCreate
	// SessionRequired tools need an existing session
	SessionRequired
	// SessionOptional tools use an existing session when one is named
	SessionOptional
)

// Tool is one whitelisted tool
type Tool struct {
	Name        string
	Description string
	Session     SessionMode
	Native      bool              // handled inside the gateway, never spawns
	Limits      *policy.Overrides // per-tool execution limits, stricter wins

	schema    map[string]any
	compiled  *jsonschema.Schema
	defaulted map[string]bool
	decode    func(d *decoder) Request
}

// InputSchema returns the JSON schema advertised for the tool
func (t *Tool) InputSchema() map[string]any {
	return t.schema
}

// Descriptor is the tools/list view of a tool
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Registry holds the whitelist. It is built once and read-only afterwards.
type Registry struct {
	tools  map[string]*Tool
	bounds Bounds
}

// NewRegistry compiles every tool schema
func NewRegistry(bounds Bounds) (*Registry, error) {
	if bounds.MaxCode <= 0 {
		bounds.MaxCode = 100000
	}
	r := &Registry{tools: make(map[string]*Tool), bounds: bounds}
	for _, t := range definitions() {
		if err := t.compile(); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		r.tools[t.Name] = t
	}
	return r, nil
}

// Lookup returns the whitelisted tool called name
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the whitelisted tool names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the tools/list descriptors, sorted by name
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.schema})
	}
	return out
}

// Decode checks args against the tool schema and field validators and
// returns the typed request. In lenient mode unknown fields are dropped and
// invalid optional fields fall back to their defaults; each such change is
// reported as a Substitution.
func (r *Registry) Decode(name string, args map[string]any, mode validate.Mode) (Request, []Substitution, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	work := make(map[string]any, len(args))
	for k, v := range args {
		work[k] = v
	}

	var subs []Substitution
	if mode == validate.Lenient {
		props, _ := t.schema["properties"].(map[string]any)
		for k := range work {
			if _, known := props[k]; !known {
				delete(work, k)
				subs = append(subs, Substitution{Field: k, Reason: "unknown field ignored"})
			}
		}
	}

	fixed, err := t.check(work, mode)
	if err != nil {
		return nil, nil, err
	}
	subs = append(subs, fixed...)

	d := &decoder{args: work, mode: mode, bounds: r.bounds}
	req := t.decode(d)
	if d.err != nil {
		return nil, nil, d.err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Field < subs[j].Field })
	return req, append(subs, d.subs...), nil
}

func (t *Tool) compile() error {
	// Round-trip through JSON so the compiler sees plain JSON values
	raw, err := json.Marshal(t.schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	url := t.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema compile: %w", err)
	}
	t.compiled = sch

	t.defaulted = make(map[string]bool)
	props, _ := t.schema["properties"].(map[string]any)
	for name, p := range props {
		if prop, ok := p.(map[string]any); ok {
			if _, has := prop["default"]; has {
				t.defaulted[name] = true
			}
		}
	}
	return nil
}

// check validates args against the schema. In lenient mode, failures that
// sit entirely on defaulted fields remove those fields so the default
// applies, and validation runs again.
func (t *Tool) check(args map[string]any, mode validate.Mode) ([]Substitution, error) {
	err := t.compiled.Validate(map[string]any(args))
	if err == nil {
		return nil, nil
	}

	var verr *jsonschema.ValidationError
	if mode == validate.Strict || !errors.As(err, &verr) {
		return nil, schemaError(err)
	}

	fields := make(map[string]bool)
	for _, loc := range leafLocations(verr) {
		if len(loc) == 0 || !t.defaulted[loc[0]] {
			return nil, schemaError(err)
		}
		fields[loc[0]] = true
	}

	subs := make([]Substitution, 0, len(fields))
	for field := range fields {
		delete(args, field)
		subs = append(subs, Substitution{Field: field, Reason: "does not match schema"})
	}
	if err := t.compiled.Validate(map[string]any(args)); err != nil {
		return nil, schemaError(err)
	}
	return subs, nil
}

func leafLocations(e *jsonschema.ValidationError) [][]string {
	if len(e.Causes) == 0 {
		return [][]string{e.InstanceLocation}
	}
	var out [][]string
	for _, c := range e.Causes {
		out = append(out, leafLocations(c)...)
	}
	return out
}

func schemaError(err error) error {
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		rest := strings.Join(strings.Fields(msg[i:]), " ")
		msg = msg[:i] + ": " + rest
	}
	return &validate.Error{Field: "arguments", Reason: msg}
}

// SchemaVersion is advertised in every tool schema
const SchemaVersion = "https://json-schema.org/draft/2020-12/schema"

func object(requiredFields []string, props map[string]any) map[string]any {
	if requiredFields == nil {
		requiredFields = []string{}
	}
	return map[string]any{
		"$schema":              SchemaVersion,
		"type":                 "object",
		"properties":           props,
		"required":             requiredFields,
		"additionalProperties": false,
	}
}

func prop(typ any, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func withDefault(p map[string]any, def any) map[string]any {
	p["default"] = def
	return p
}

func choices(enumName string) string {
	return "one of " + strings.Join(validate.EnumValues(enumName), ", ")
}

var (
	flexibleBool   = []string{"boolean", "string"}
	flexibleNumber = []string{"number", "string"}
	sessionProp    = map[string]any{"type": "string", "pattern": "^[A-Za-z0-9-]{8,64}$", "description": "Session identifier"}
)

// Event vocabularies accepted by the security_events tool
var (
	EventCategories = []string{"AUTHENTICATION", "AUTHORIZATION", "FILE_UPLOAD", "SUBPROCESS", "INPUT_VALIDATION", "DATA_ACCESS", "CONFIGURATION"}
	EventSeverities = []string{"INFO", "WARNING", "ERROR", "CRITICAL"}
)

func definitions() []*Tool {
	return []*Tool{
		{
			Name:        HealthCheck,
			Description: "Check that the R environment is available",
			Limits:      &policy.Overrides{Timeout: 30 * time.Second},
			schema:      object(nil, map[string]any{}),
			decode: func(d *decoder) Request {
				return &HealthCheckRequest{}
			},
		},
		{
			Name:        InitializeMetaAnalysis,
			Description: "Start a new meta-analysis session",
			Session:     SessionCreate,
			schema: object([]string{"name"}, map[string]any{
				"name":           prop("string", "Project name"),
				"session_id":     sessionProp,
				"study_type":     withDefault(prop("string", "Study design, "+choices("study_type")), "clinical_trial"),
				"effect_measure": withDefault(prop("string", "Effect measure, "+choices("effect_measure")), "OR"),
				"analysis_model": withDefault(prop("string", "Pooling model, "+choices("analysis_model")), "random"),
			}),
			decode: func(d *decoder) Request {
				return &InitializeRequest{
					Name:          required(d, "name", nameOf("name")),
					Session:       present(d, "session_id", sessionID),
					StudyType:     optional(d, "study_type", "clinical_trial", enumOf("study_type", "study_type")),
					EffectMeasure: optional(d, "effect_measure", "OR", enumOf("effect_measure", "effect_measure")),
					AnalysisModel: optional(d, "analysis_model", "random", enumOf("analysis_model", "analysis_model")),
				}
			},
		},
		{
			Name:        UploadStudyData,
			Description: "Upload study data (CSV text, base64 CSV, or rows) to a session",
			Session:     SessionRequired,
			schema: object([]string{"session_id"}, map[string]any{
				"session_id":       sessionProp,
				"csv_content":      prop("string", "CSV data as plain text, or base64 in a data URI (data:text/csv;base64,...)"),
				"study_data":       map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Study rows with the fields required by the session's effect measure"},
				"data_format":      withDefault(prop("string", "Data format, "+choices("data_format")), "csv"),
				"validation_level": withDefault(prop("string", "Validation level, "+choices("validation_level")), "comprehensive"),
			}),
			decode: func(d *decoder) Request {
				r := &UploadStudyDataRequest{
					Session:         required(d, "session_id", sessionID),
					CSVContent:      present(d, "csv_content", csvContent("csv_content", d.bounds.MaxCSVRows)),
					StudyData:       present(d, "study_data", studyRows("study_data")),
					DataFormat:      optional(d, "data_format", "csv", enumOf("data_format", "data_format")),
					ValidationLevel: optional(d, "validation_level", "comprehensive", enumOf("validation_level", "validation_level")),
				}
				if d.err == nil && r.CSVContent == "" && len(r.StudyData) == 0 {
					d.fail(&validate.Error{Field: "csv_content", Reason: "either csv_content or study_data is required"})
				}
				return r
			},
		},
		{
			Name:        PerformMetaAnalysis,
			Description: "Run the meta-analysis on the uploaded data",
			Session:     SessionRequired,
			schema: object([]string{"session_id"}, map[string]any{
				"session_id":           sessionProp,
				"heterogeneity_test":   withDefault(prop(flexibleBool, "Run heterogeneity tests"), true),
				"publication_bias":     withDefault(prop(flexibleBool, "Assess publication bias"), true),
				"sensitivity_analysis": withDefault(prop(flexibleBool, "Run leave-one-out sensitivity analysis"), false),
			}),
			decode: func(d *decoder) Request {
				return &PerformMetaAnalysisRequest{
					Session:             required(d, "session_id", sessionID),
					HeterogeneityTest:   optional(d, "heterogeneity_test", true, boolOf("heterogeneity_test")),
					PublicationBias:     optional(d, "publication_bias", true, boolOf("publication_bias")),
					SensitivityAnalysis: optional(d, "sensitivity_analysis", false, boolOf("sensitivity_analysis")),
				}
			},
		},
		{
			Name:        GenerateForestPlot,
			Description: "Render a forest plot of the analysis",
			Session:     SessionRequired,
			schema: object([]string{"session_id"}, map[string]any{
				"session_id":       sessionProp,
				"plot_style":       withDefault(prop("string", "Plot style, "+choices("plot_style")), "modern"),
				"confidence_level": withDefault(prop(flexibleNumber, "Confidence level between 0.5 and 0.99"), 0.95),
			}),
			decode: func(d *decoder) Request {
				return &ForestPlotRequest{
					Session:         required(d, "session_id", sessionID),
					PlotStyle:       optional(d, "plot_style", "modern", enumOf("plot_style", "plot_style")),
					ConfidenceLevel: optional(d, "confidence_level", 0.95, confidenceLevel),
				}
			},
		},
		{
			Name:        AssessPublicationBias,
			Description: "Assess publication bias with the selected methods",
			Session:     SessionRequired,
			schema: object([]string{"session_id"}, map[string]any{
				"session_id": sessionProp,
				"methods": withDefault(map[string]any{
					"type":        []string{"array", "string"},
					"description": "Methods, any of " + strings.Join(validate.EnumValues("bias_methods"), ", "),
				}, []string{"funnel_plot", "egger_test"}),
			}),
			decode: func(d *decoder) Request {
				return &PublicationBiasRequest{
					Session: required(d, "session_id", sessionID),
					Methods: optional(d, "methods", []string{"funnel_plot", "egger_test"}, listOf("methods", "bias_methods")),
				}
			},
		},
		{
			Name:        GenerateReport,
			Description: "Render the analysis report",
			Session:     SessionRequired,
			schema: object([]string{"session_id"}, map[string]any{
				"session_id":   sessionProp,
				"format":       withDefault(prop("string", "Report format, "+choices("report_format")), "html"),
				"include_code": withDefault(prop(flexibleBool, "Include the R code in the report"), false),
			}),
			decode: func(d *decoder) Request {
				return &ReportRequest{
					Session:     required(d, "session_id", sessionID),
					Format:      optional(d, "format", "html", enumOf("format", "report_format")),
					IncludeCode: optional(d, "include_code", false, boolOf("include_code")),
				}
			},
		},
		{
			Name:        GetSessionStatus,
			Description: "Report the state of a session",
			Session:     SessionRequired,
			schema: object([]string{"session_id"}, map[string]any{
				"session_id": sessionProp,
			}),
			decode: func(d *decoder) Request {
				return &SessionStatusRequest{Session: required(d, "session_id", sessionID)}
			},
		},
		{
			Name:        ExecuteRCode,
			Description: "Run R code in the session; denylisted built-ins are rejected",
			Session:     SessionRequired,
			Limits:      &policy.Overrides{Timeout: 120 * time.Second, MaxMemory: "1G"},
			schema: object([]string{"session_id", "code"}, map[string]any{
				"session_id": sessionProp,
				"code":       prop("string", "R code"),
			}),
			decode: func(d *decoder) Request {
				return &ExecuteCodeRequest{
					Session: required(d, "session_id", sessionID),
					Code:    required(d, "code", stringOf("code", d.bounds.MaxCode)),
				}
			},
		},
		{
			Name:        UploadFile,
			Description: "Store a base64-encoded file after sandboxed validation",
			Session:     SessionOptional,
			Native:      true,
			schema: object([]string{"filename", "content"}, map[string]any{
				"session_id": sessionProp,
				"filename":   prop("string", "Original file name"),
				"content":    prop("string", "Base64-encoded file content"),
				"sha256":     prop("string", "Expected digest, hex or alg:hex"),
			}),
			decode: func(d *decoder) Request {
				return &UploadFileRequest{
					Session:        present(d, "session_id", sessionID),
					Filename:       required(d, "filename", stringOf("filename", validate.MaxFilenameLength)),
					Content:        required(d, "content", stringOf("content", validate.EncodedLimit(int(d.bounds.MaxUpload)))),
					ExpectedDigest: present(d, "sha256", stringOf("sha256", 128)),
				}
			},
		},
		{
			Name:        SecurityEvents,
			Description: "List recent security events, newest first",
			Native:      true,
			schema: object(nil, map[string]any{
				"category":   prop("string", "Filter by category, one of "+strings.Join(EventCategories, ", ")),
				"severity":   prop("string", "Filter by severity, one of "+strings.Join(EventSeverities, ", ")),
				"event_type": prop("string", "Filter by event type"),
				"session_id": sessionProp,
				"limit":      withDefault(prop(flexibleNumber, "Maximum number of events (1-1000)"), 100),
			}),
			decode: func(d *decoder) Request {
				return &SecurityEventsRequest{
					Category:  present(d, "category", oneOf("category", EventCategories)),
					Severity:  present(d, "severity", oneOf("severity", EventSeverities)),
					EventType: present(d, "event_type", eventType),
					Session:   present(d, "session_id", sessionID),
					Limit:     optional(d, "limit", 100, intRange("limit", 1, 1000)),
				}
			},
		},
	}
}

func eventType(v any) (string, error) {
	s, err := validate.String("event_type", v, validate.StringRules{Min: 1, Max: 64, Pattern: `[A-Z_]+`})
	if err != nil {
		return "", err
	}
	return s, nil
}
