package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"rolloutd/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	triggerServer   string
	triggerArtifact string
	triggerVersion  string
	triggerActor    string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <service>",
	Short: "Trigger a pipeline execution",
	Long: `Trigger a pipeline execution for a service against a running rolloutd server.

Without --artifact the server deploys the newest artifact from its registry.
Triggering an artifact that already has an execution is a no-op and prints the
existing execution.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerServer, "server", getEnvOrDefault("ROLLOUTD_SERVER", "http://127.0.0.1:5000"), "Base URL of the rolloutd server")
	triggerCmd.Flags().StringVar(&triggerArtifact, "artifact", "", "Artifact id to deploy (default: latest from registry)")
	triggerCmd.Flags().StringVar(&triggerVersion, "artifact-version", "", "Semver of the artifact, used for ordering")
	triggerCmd.Flags().StringVar(&triggerActor, "actor", getEnvOrDefault("USER", "cli"), "Actor recorded on the execution")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	service := args[0]

	var body []byte
	if triggerArtifact != "" {
		payload := map[string]interface{}{
			"artifact": pipeline.Artifact{
				ID:      triggerArtifact,
				Version: triggerVersion,
				Source:  "cli",
			},
		}
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	url := fmt.Sprintf("%s/services/%s/executions", triggerServer, service)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", triggerActor)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "Trigger rejected (%s):\n%s\n", resp.Status, respBody)
		return fmt.Errorf("trigger failed with status %d", resp.StatusCode)
	}

	// Pretty-print the execution
	var out bytes.Buffer
	if err := json.Indent(&out, respBody, "", "  "); err != nil {
		fmt.Println(string(respBody))
		return nil
	}
	fmt.Println(out.String())
	return nil
}
