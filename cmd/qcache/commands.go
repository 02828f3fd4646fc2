package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/qcache/internal/api"
	"github.com/oriys/qcache/internal/cachestore"
)

var adminClient = &http.Client{Timeout: 5 * time.Minute}

// adminRequest calls the daemon admin API and decodes a JSON response into
// out when out is non-nil.
func adminRequest(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(adminAddr, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := adminClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusGatewayTimeout {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cacheTypeArg(arg string) (string, error) {
	tc, err := cachestore.LookupType(arg)
	if err != nil {
		return "", err
	}
	return string(tc.Type), nil
}

func storesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "Show the state of every cache store",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stores []api.StoreStatus
			if err := adminRequest(cmd.Context(), http.MethodGet, "/stores", nil, &stores); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tENABLED\tTTL\tMIN TTL\tLIVE\tREMOVED")
			for _, s := range stores {
				fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%d\t%d\n", s.Type, s.Enabled, s.TTL, s.MinimumTTL, s.Live, s.Removed)
			}
			return w.Flush()
		},
	}
}

func entryCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "entry <type> <key>",
		Short: "Show or remove a cached entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cacheType, err := cacheTypeArg(args[0])
			if err != nil {
				return err
			}
			path := "/stores/" + cacheType + "/entries/" + url.PathEscape(args[1])
			if remove {
				if err := adminRequest(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
					return err
				}
				fmt.Printf("Removed %s/%s\n", cacheType, args[1])
				return nil
			}

			var entry api.EntryResponse
			if err := adminRequest(cmd.Context(), http.MethodGet, path, nil, &entry); err != nil {
				return err
			}
			fmt.Printf("Key:     %s\n", entry.Key)
			fmt.Printf("Created: %s\n", entry.CreatedAt.Format(time.RFC3339))
			value, _ := json.MarshalIndent(entry.Value, "", "  ")
			fmt.Printf("Value:\n%s\n", value)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "rm", false, "Remove the entry instead of showing it")
	return cmd
}

// jobCmd builds the evict/reload/restore commands, which differ only in the
// admin route they call.
func jobCmd(name, short string) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   name + " <type>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cacheType, err := cacheTypeArg(args[0])
			if err != nil {
				return err
			}
			path := "/stores/" + cacheType + "/" + name
			if wait {
				path += "?wait=true"
			}
			var resp api.JobResponse
			if err := adminRequest(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Job %s (%s): %s\n", resp.JobID, resp.Name, resp.Status)
			if resp.Error != "" {
				return fmt.Errorf("%s %s: %s", name, cacheType, resp.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	return cmd
}

func evictCmd() *cobra.Command {
	return jobCmd("evict", "Run an eviction sweep")
}

func reloadCmd() *cobra.Command {
	return jobCmd("reload", "Re-run the queries of every live entry")
}

func restoreCmd() *cobra.Command {
	return jobCmd("restore", "Repopulate a store from persisted metadata")
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <type>",
		Short: "Delete every entry of a cache type and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cacheType, err := cacheTypeArg(args[0])
			if err != nil {
				return err
			}
			var report cachestore.ClearReport
			if err := adminRequest(cmd.Context(), http.MethodPost, "/stores/"+cacheType+"/clear", nil, &report); err != nil {
				return err
			}
			fmt.Printf("Cleared %s: %d keys, %d deleted, %d failed\n", cacheType, report.Keys, report.Deleted, report.Failed)
			return nil
		},
	}
}
