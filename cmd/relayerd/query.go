package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/pushchain/bridge-relayer/relayer/config"
)

// Output formats
const (
	OutputFormatYAML = "yaml"
	OutputFormatJSON = "json"
)

// QueryResponse is the envelope returned by the query server
type QueryResponse struct {
	Data      json.RawMessage `json:"data"`
	Count     int             `json:"count,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	QueriedAt time.Time       `json:"queried_at"`
}

// ErrorResponse represents an error response from the query server
type ErrorResponse struct {
	Error string `json:"error"`
}

// QueryOutput is what the query commands print
type QueryOutput struct {
	Data      interface{} `yaml:"data" json:"data"`
	Count     int         `yaml:"count,omitempty" json:"count,omitempty"`
	Truncated bool        `yaml:"truncated,omitempty" json:"truncated,omitempty"`
	QueriedAt time.Time   `yaml:"queried_at" json:"queried_at"`
}

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Query relay records from a running relayer",
	}
	cmd.AddCommand(recordsListCmd())
	cmd.AddCommand(recordsShowCmd())
	return cmd
}

func recordsListCmd() *cobra.Command {
	var (
		state        string
		limit        int
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in a given state",
		Example: `  relayerd records list --state DEAD_LETTERED
  relayerd records list --state FAILED --limit 10 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state == "" {
				return fmt.Errorf("state is required")
			}
			query := url.Values{}
			query.Set("state", state)
			query.Set("limit", strconv.Itoa(limit))
			return queryAndPrint(cmd, "/api/v1/records?"+query.Encode(), outputFormat)
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Record state, e.g. FAILED or DEAD_LETTERED")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of records (1-1000)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

func recordsShowCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:     "show <source_chain_id>:<tx_hash>:<log_index>",
		Short:   "Show a single record",
		Args:    cobra.ExactArgs(1),
		Example: "  relayerd records show 1:0xabc...:3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryAndPrint(cmd, "/api/v1/records/"+url.PathEscape(args[0]), outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

func statsCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the number of records per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryAndPrint(cmd, "/api/v1/stats", outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

func queryAndPrint(cmd *cobra.Command, path, outputFormat string) error {
	port, err := getQueryServerPort(homeDir(cmd))
	if err != nil {
		return err
	}

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", port, path))
	if err != nil {
		return fmt.Errorf("failed to query relayer: %w", err)
	}
	defer resp.Body.Close()

	output, err := decodeQueryResponse(resp)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), output, outputFormat)
}

func decodeQueryResponse(resp *http.Response) (*QueryOutput, error) {
	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("server error: %s", errResp.Error)
	}

	var queryResp QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var data interface{}
	if err := json.Unmarshal(queryResp.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response data: %w", err)
	}

	return &QueryOutput{
		Data:      data,
		Count:     queryResp.Count,
		Truncated: queryResp.Truncated,
		QueriedAt: queryResp.QueriedAt,
	}, nil
}

// getQueryServerPort reads the query server port from the relayer config
func getQueryServerPort(home string) (int, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.QueryServerPort, nil
}

func printOutput(out io.Writer, data interface{}, format string) error {
	switch format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case OutputFormatYAML:
		encoder := yaml.NewEncoder(out)
		defer encoder.Close()
		return encoder.Encode(data)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
