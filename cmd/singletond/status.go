package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/singletonkit/node"
)

func newStatusCommand() *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the watchdogs of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, raw, err := fetchStatus(cmd, addr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				_, err := out.Write(raw)
				return err
			}

			fmt.Fprintf(out, "Node %s (backend %s)\n", st.Node, st.Backend)
			rows := make([][]string, 0, len(st.Singletons))
			for _, s := range st.Singletons {
				handle, owner := "-", "-"
				if s.Handle != nil {
					handle, owner = s.Handle.ID, s.Handle.Node
				}
				rows = append(rows, []string{s.Name, s.LocalIdentity, s.State, s.Role, owner, handle})
			}
			fmt.Fprintln(out, renderTable([]string{"Name", "Local identity", "State", "Role", "Owner", "Handle"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9090", "Admin address of the node")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON status")
	return cmd
}

func fetchStatus(cmd *cobra.Command, addr string) (node.Status, []byte, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/status"

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return node.Status{}, nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return node.Status{}, nil, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return node.Status{}, nil, fmt.Errorf("query %s: %s", url, resp.Status)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return node.Status{}, nil, fmt.Errorf("decode status: %w", err)
	}
	var st node.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return node.Status{}, nil, fmt.Errorf("decode status: %w", err)
	}
	return st, append(raw, '\n'), nil
}
