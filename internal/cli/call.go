package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/rpc"
)

// callCmdFlags holds flags for the call command
type callCmdFlags struct {
	args     string
	argsFile string
	timeout  time.Duration
}

var callFlags callCmdFlags

func init() {
	callCmd.RunE = runCall
	callCmd.Flags().StringVar(&callFlags.args, "args", "", "Tool arguments as a JSON object")
	callCmd.Flags().StringVar(&callFlags.argsFile, "args-file", "", "File with tool arguments as a JSON object (- for stdin)")
	callCmd.Flags().DurationVar(&callFlags.timeout, "timeout", 0, "Overall deadline for the call (e.g. 5m, 30s)")
}

// runCall sends one tools/call through the gateway and prints the tool payload
func runCall(cmd *cobra.Command, args []string) error {
	toolArgs, err := readToolArgs(callFlags.args, callFlags.argsFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	logger := createLogger(cfg.LogLevel)
	g, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if callFlags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callFlags.timeout)
		defer cancel()
	}

	line, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  rpc.ToolCallParams{Name: args[0], Arguments: toolArgs},
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp := g.server.HandleLine(ctx, line)
	if resp == nil {
		return fmt.Errorf("no response")
	}
	if resp.Error != nil {
		return fmt.Errorf("tool call failed (%d): %s", resp.Error.Code, resp.Error.Message)
	}
	return printToolResult(cmd.OutOrStdout(), resp.Result)
}

// readToolArgs decodes arguments from the --args value or the --args-file file
func readToolArgs(inline, file string, stdin io.Reader) (map[string]any, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("use either --args or --args-file, not both")
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read arguments from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read arguments file: %w", err)
		}
		data = b
	default:
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// printToolResult pretty-prints the JSON text inside the content envelope
func printToolResult(w io.Writer, result any) error {
	res, ok := result.(rpc.ToolResult)
	if !ok || len(res.Content) == 0 {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(res.Content[0].Text), "", "  "); err != nil {
		_, err = fmt.Fprintln(w, res.Content[0].Text)
		return err
	}
	pretty.WriteByte('\n')
	_, err := pretty.WriteTo(w)
	return err
}
