package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/tools"
)

func init() {
	toolsCmd.RunE = runTools
}

// ToolInfo is the tools command view of a tool
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Session     string         `json:"session"`
	Native      bool           `json:"native"`
	Timeout     string         `json:"timeout,omitempty"`
	MaxMemory   string         `json:"max_memory,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

func runTools(cmd *cobra.Command, args []string) error {
	registry, err := tools.NewRegistry(tools.Bounds{MaxCSVRows: cfg.MaxCSVRows})
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		t, ok := registry.Lookup(args[0])
		if !ok {
			return fmt.Errorf("%w: %s", tools.ErrUnknownTool, args[0])
		}
		info := toolInfo(t)
		info.InputSchema = t.InputSchema()
		return writeJSON(out, info)
	}

	infos := make([]ToolInfo, 0, len(registry.Names()))
	for _, name := range registry.Names() {
		t, _ := registry.Lookup(name)
		infos = append(infos, toolInfo(t))
	}
	if jsonOutput {
		return writeJSON(out, infos)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSESSION\tRUNS IN\tDESCRIPTION") //nolint:errcheck // output to stdout
	for _, info := range infos {
		where := "R"
		if info.Native {
			where = "gateway"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Session, where, info.Description) //nolint:errcheck // output to stdout
	}
	return w.Flush()
}

func toolInfo(t *tools.Tool) ToolInfo {
	info := ToolInfo{
		Name:        t.Name,
		Description: t.Description,
		Session:     sessionModeName(t.Session),
		Native:      t.Native,
	}
	if t.Limits != nil {
		if t.Limits.Timeout > 0 {
			info.Timeout = t.Limits.Timeout.String()
		}
		info.MaxMemory = t.Limits.MaxMemory
	}
	return info
}

func sessionModeName(m tools.SessionMode) string {
	switch m {
	case tools.SessionCreate:
		return "creates"
	case tools.SessionRequired:
		return "required"
	case tools.SessionOptional:
		return "optional"
	default:
		return "-"
	}
}

func writeJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
