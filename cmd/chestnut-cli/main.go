package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	listName  string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "chestnut-cli",
	Short: "Command-line client for chestnut-server",
	Example: `  chestnut-cli append 42 7 --list follows
  chestnut-cli get 42 --list follows --limit 10
  chestnut-cli contains 42 7 --list follows
  chestnut-cli count 42 --list follows
  chestnut-cli lists`,
	SilenceUsage: true,
}

var appendCmd = &cobra.Command{
	Use:   "append <key> <value>...",
	Short: "Append one or more values to a key's list",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseUint("key", args[0])
		if err != nil {
			return err
		}
		for _, raw := range args[1:] {
			value, err := parseUint("value", raw)
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]uint64{"value": value})
			var resp struct {
				Count uint64 `json:"count"`
			}
			if err := call(http.MethodPost, keyPath(key), body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %d to %d (count %d)\n", value, key, resp.Count)
		}
		return nil
	},
}

var limit int64

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a key's values; --limit 0 prints the raw padded array",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseUint("key", args[0])
		if err != nil {
			return err
		}
		path := keyPath(key)
		if limit >= 0 {
			path += "?limit=" + strconv.FormatInt(limit, 10)
		}
		var resp struct {
			Count  uint64   `json:"count"`
			Values []uint64 `json:"values"`
		}
		if err := call(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		parts := make([]string, len(resp.Values))
		for i, v := range resp.Values {
			parts[i] = strconv.FormatUint(v, 10)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "count: %d\nvalues: [%s]\n", resp.Count, strings.Join(parts, " "))
		return nil
	},
}

var containsCmd = &cobra.Command{
	Use:   "contains <key> <value>",
	Short: "Report whether a key's list contains a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseUint("key", args[0])
		if err != nil {
			return err
		}
		value, err := parseUint("value", args[1])
		if err != nil {
			return err
		}
		var resp struct {
			Contains bool `json:"contains"`
		}
		if err := call(http.MethodGet, fmt.Sprintf("%s/contains/%d", keyPath(key), value), nil, &resp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Contains)
		return nil
	},
}

var countCmd = &cobra.Command{
	Use:   "count <key>",
	Short: "Print the number of values appended to a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseUint("key", args[0])
		if err != nil {
			return err
		}
		var resp struct {
			Count uint64 `json:"count"`
		}
		if err := call(http.MethodGet, keyPath(key)+"/count", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Count)
		return nil
	},
}

var listsCmd = &cobra.Command{
	Use:   "lists",
	Short: "List the named lists on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Lists []string `json:"lists"`
		}
		if err := call(http.MethodGet, "/v1/lists", nil, &resp); err != nil {
			return err
		}
		for _, name := range resp.Lists {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Server base URL")
	rootCmd.PersistentFlags().StringVarP(&listName, "list", "l", "default", "List name")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	getCmd.Flags().Int64Var(&limit, "limit", -1, "Maximum values to print (0 prints the raw array)")

	rootCmd.AddCommand(appendCmd, getCmd, containsCmd, countCmd, listsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseUint(name, raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an unsigned integer", name, raw)
	}
	return v, nil
}

func keyPath(key uint64) string {
	return fmt.Sprintf("/v1/lists/%s/keys/%d", url.PathEscape(listName), key)
}

// call sends a request and decodes a JSON response into out. Non-2xx
// responses are returned as errors carrying the server's message.
func call(method, path string, body []byte, out any) error {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s (request %s)", resp.StatusCode, e.Error, e.RequestID)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
