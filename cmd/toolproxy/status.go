package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jonwraymond/toolproxy/config"
	"github.com/jonwraymond/toolproxy/router"
	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend health from a running proxy",
	RunE:  runStatus,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file without starting anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewLoader(configPath).Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d backends, router on %s\n", configPath, len(cfg.Backends), cfg.Listen)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8080", "base URL of the running proxy")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(statusAddr, "/") + "/proxy/status")
	if err != nil {
		return fmt.Errorf("query %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("query %s: %s: %s", statusAddr, resp.Status, strings.TrimSpace(string(body)))
	}
	var status router.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	return printStatus(cmd.OutOrStdout(), status)
}

func printStatus(w io.Writer, status router.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHEALTH\tGEN\tADDRESS\tTRANSPORT\tROUTES\tLAST ERROR")
	for _, s := range status.Services {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.Name, s.Health, s.Generation, s.Address(), s.Transport,
			strings.Join(s.Routes, ","), s.LastError)
	}
	return tw.Flush()
}
