package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/query"
	"github.com/devhaven/conductor/internal/terminal"
)

func newQueryCmd() *cobra.Command {
	var (
		model        string
		useCase      string
		systemPrompt string
		maxTurns     int
		sessionID    string
		schemaFile   string
		allowedTools []string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query [prompt]",
		Short: "Run a one-shot query against a provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
				cmd.SetContext(ctx)
			}

			opts := query.Options{
				ExecuteOptions: provider.ExecuteOptions{
					Prompt:       strings.Join(args, " "),
					Model:        model,
					WorkDir:      projectPath,
					SystemPrompt: systemPrompt,
					MaxTurns:     maxTurns,
					AllowedTools: allowedTools,
					SessionID:    sessionID,
				},
				UseCase: useCase,
			}
			if schemaFile != "" {
				data, err := os.ReadFile(schemaFile)
				if err != nil {
					return fmt.Errorf("read schema file: %w", err)
				}
				var schema map[string]any
				if err := json.Unmarshal(data, &schema); err != nil {
					return fmt.Errorf("parse schema file: %w", err)
				}
				opts.OutputSchema = schema
			}
			if opts.Model == "" && opts.UseCase == "" {
				opts.Model = a.resolved.DefaultModels["claude"]
			}

			stream, err := a.queries.Execute(ctx, opts)
			if err != nil {
				return err
			}
			return printStream(cmd, a, stream)
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to query (resolved through config equivalents)")
	cmd.Flags().StringVar(&useCase, "use-case", "", "Configured use-case key instead of an explicit model")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "System prompt override")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "Maximum agent turns (0 = provider default)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume a prior provider session")
	cmd.Flags().StringVar(&schemaFile, "schema", "", "Path to a JSON schema constraining the response")
	cmd.Flags().StringArrayVar(&allowedTools, "allow-tool", nil, "Tool the agent may use (repeatable)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Timeout for the query (0 = no limit)")
	return cmd
}

// printStream renders the message stream: assistant text to stdout, tool
// activity to stderr when verbose, and the terminal message last. An error
// terminal maps to exit code 2.
func printStream(cmd *cobra.Command, a *app, stream *provider.Stream) error {
	out := cmd.OutOrStdout()
	for {
		m, ok := stream.Next(cmd.Context())
		if !ok {
			return cmd.Context().Err()
		}

		switch m.Type {
		case provider.MessageAssistant:
			if text := m.TextContent(); text != "" {
				fmt.Fprintln(out, text)
			}
			if verbose && m.Body != nil {
				for _, block := range m.Body.Content {
					if block.Type == provider.BlockToolUse {
						a.logger.Logf(terminal.StyleDim, "tool: %s", block.Name)
					}
				}
			}
		case provider.MessageResult:
			if len(m.StructuredOutput) > 0 {
				fmt.Fprintln(out, string(m.StructuredOutput))
			} else if m.Result != "" {
				fmt.Fprintln(out, m.Result)
			}
			if verbose && m.SessionID != "" {
				a.logger.Logf(terminal.StyleDim, "session: %s", m.SessionID)
			}
			return nil
		case provider.MessageError:
			return fmt.Errorf("query failed: %s", m.Error)
		}
	}
}
