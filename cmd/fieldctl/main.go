// fieldctl is the operator CLI for a running syncd daemon. It talks to
// the loopback control API and prints JSON.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:   "fieldctl",
		Short: "Control a running odoofield sync daemon",
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", "127.0.0.1:8787", "daemon control API address")

	root.AddCommand(statusCmd(), syncCmd(), queueCmd(), drainCmd(), settingsCmd(), linkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status, queue depth and cache counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/status", nil)
		},
	}
}

func syncCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a sync pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/sync"
			if full {
				path += "?mode=full"
			}
			return call(http.MethodPost, path, nil)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "run a full sync instead of incremental")
	return cmd
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List pending offline operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/queue", nil)
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay the offline queue now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/queue/drain", nil)
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or replace sync settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print active sync settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/settings", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <file.json|->",
		Short: "Replace sync settings from a JSON file (or stdin with -)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			return call(http.MethodPut, "/api/settings", data)
		},
	})
	return cmd
}

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <wifi|cellular|unknown>",
		Short: "Tell the daemon what kind of network link the device is on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"link": args[0]})
			return call(http.MethodPut, "/api/link", body)
		},
	}
}

// call performs one API request and pretty-prints the JSON response.
func call(method, path string, body []byte) error {
	client := &http.Client{Timeout: 2 * time.Minute}
	req, err := http.NewRequest(method, "http://"+apiAddr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", apiAddr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
