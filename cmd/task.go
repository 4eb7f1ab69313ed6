package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var taskServerURL string

func init() {
	taskCmd.PersistentFlags().StringVar(&taskServerURL, "server", "http://localhost:8900", "devbot API address")
	taskCmd.AddCommand(taskListCmd, taskCreateCmd, taskShowCmd, taskRetryCmd, taskStopCmd, taskContinueCmd)
	rootCmd.AddCommand(taskCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control tasks on a running devbot",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	RunE: func(_ *cobra.Command, _ []string) error {
		var out struct {
			Tasks []struct {
				ID        string    `json:"id"`
				Title     string    `json:"title"`
				Status    string    `json:"status"`
				PRURL     string    `json:"prUrl"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"tasks"`
		}
		if err := apiCall(http.MethodGet, "/task", nil, &out); err != nil {
			return err
		}
		for _, t := range out.Tasks {
			line := fmt.Sprintf("%-36s  %-9s  %s", t.ID, t.Status, t.Title)
			if t.PRURL != "" {
				line += "  " + t.PRURL
			}
			fmt.Println(line)
		}
		return nil
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title> [description]",
	Short: "Create a task",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(_ *cobra.Command, args []string) error {
		description := ""
		if len(args) > 1 {
			description = args[1]
		}
		body := map[string]string{
			"title":       args[0],
			"description": description,
			"createdBy":   "cli",
		}
		var out map[string]any
		if err := apiCall(http.MethodPost, "/task", body, &out); err != nil {
			return err
		}
		fmt.Printf("created task %v\n", out["id"])
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var out json.RawMessage
		if err := apiCall(http.MethodGet, "/task/"+args[0], nil, &out); err != nil {
			return err
		}
		var pretty bytes.Buffer
		json.Indent(&pretty, out, "", "  ")
		fmt.Println(pretty.String())
		return nil
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a finished task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return apiCall(http.MethodPost, "/task/"+args[0]+"/retry", nil, nil)
	},
}

var taskStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return apiCall(http.MethodPost, "/task/"+args[0]+"/stop", nil, nil)
	},
}

var taskContinueCmd = &cobra.Command{
	Use:   "continue <id> <instructions>",
	Short: "Requeue a finished task with follow-up instructions",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return apiCall(http.MethodPost, "/task/"+args[0]+"/continue",
			map[string]string{"instructions": args[1]}, nil)
	},
}

// apiCall hits the running devbot's HTTP API, sending the shared secret
// from the environment when set.
func apiCall(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(taskServerURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		req.Header.Set("X-Auth-Token", secret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
