package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eduverse/engine/internal/composer"
	"github.com/eduverse/engine/internal/config"
)

func ownerFromFlags(cmd *cobra.Command) (string, error) {
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		owner = os.Getenv("EDUVERSE_OWNER")
	}
	if owner == "" {
		return "", fmt.Errorf("--owner is required (or set EDUVERSE_OWNER)")
	}
	return owner, nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit a study material for ingestion",
	Long: `Submit a study material for ingestion.

Examples:
  eduverse ingest --owner alice --file ./lecture-03.pdf --course cs101
  eduverse ingest --owner alice --url https://example.edu/slides.pdf --name "Week 3 slides"
  eduverse ingest --owner alice --file ./lab.mp4 --course cs101 --course-name "Intro to CS"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ownerFromFlags(cmd)
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		rawURL, _ := cmd.Flags().GetString("url")
		name, _ := cmd.Flags().GetString("name")
		modality, _ := cmd.Flags().GetString("modality")
		courseID, _ := cmd.Flags().GetString("course")
		courseName, _ := cmd.Flags().GetString("course-name")

		if (file == "") == (rawURL == "") {
			return fmt.Errorf("exactly one of --file or --url is required")
		}

		var locator string
		switch {
		case file != "":
			abs, err := filepath.Abs(file)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			locator = "file://" + abs
			if name == "" {
				name = filepath.Base(abs)
			}
		case rawURL != "":
			locator = rawURL
			if name == "" {
				u, err := url.Parse(rawURL)
				if err != nil || u.Path == "" || u.Path == "/" {
					return fmt.Errorf("--name is required when the URL has no file name")
				}
				name = filepath.Base(u.Path)
			}
		}

		req := map[string]any{
			"owner_id": owner,
			"name":     name,
			"locator":  locator,
		}
		if modality != "" {
			req["modality"] = modality
		}
		if courseID != "" {
			req["course_id"] = courseID
		}
		if courseName != "" {
			req["course_name"] = courseName
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/artifacts", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s", name)
		printStatus("Artifact", "%s", result["artifact_id"])
		printStatus("Job", "%s", result["job_id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("owner", "", "owner id (default $EDUVERSE_OWNER)")
	ingestCmd.Flags().String("file", "", "local file to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("name", "", "display name (default: file name)")
	ingestCmd.Flags().String("modality", "", "force a modality (document, audio, video, image)")
	ingestCmd.Flags().String("course", "", "course id to attach the material to")
	ingestCmd.Flags().String("course-name", "", "human-readable course name")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question over your ingested materials",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ownerFromFlags(cmd)
		if err != nil {
			return err
		}
		question := strings.Join(args, " ")
		sessionID, _ := cmd.Flags().GetString("session")
		courseID, _ := cmd.Flags().GetString("course")
		sourceID, _ := cmd.Flags().GetString("source")
		visualOnly, _ := cmd.Flags().GetBool("visual-only")
		asJSON, _ := cmd.Flags().GetBool("json")

		req := map[string]any{
			"owner_id": owner,
			"question": question,
		}
		if sessionID != "" {
			req["session_id"] = sessionID
		}
		if courseID != "" {
			req["course_id"] = courseID
		}
		if sourceID != "" {
			req["source_id"] = sourceID
		}
		if visualOnly {
			req["visual_only"] = true
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ask", req)
		if err != nil {
			return err
		}

		var answer struct {
			Text       string              `json:"answer"`
			Citations  []composer.Citation `json:"citations"`
			DurationMs int64               `json:"duration_ms"`
		}
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(answer)
		}

		fmt.Println(answer.Text)
		if len(answer.Citations) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Sources:"))
			for _, c := range answer.Citations {
				fmt.Printf("  [%d] %s\n", c.Ordinal, colorize(colorCyan, c.Label))
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("owner", "", "owner id (default $EDUVERSE_OWNER)")
	askCmd.Flags().String("session", "", "session id for follow-up questions")
	askCmd.Flags().String("course", "", "restrict retrieval to a course")
	askCmd.Flags().String("source", "", "restrict retrieval to one artifact")
	askCmd.Flags().Bool("visual-only", false, "only retrieve visual content (slides, keyframes, images)")
	askCmd.Flags().Bool("json", false, "print the raw response as JSON")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control ingestion jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an ingestion job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job struct {
			ID         string  `json:"ID"`
			ArtifactID string  `json:"ArtifactID"`
			Status     string  `json:"Status"`
			Stage      string  `json:"Stage"`
			Progress   float64 `json:"Progress"`
			Attempts   int     `json:"Attempts"`
			Resumable  bool    `json:"Resumable"`
			LastError  string  `json:"LastError"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Job", "%s", job.ID)
		printStatus("Artifact", "%s", job.ArtifactID)
		printStatus("Status", "%s", job.Status)
		if job.Stage != "" {
			printStatus("Stage", "%s (%.0f%%)", job.Stage, job.Progress*100)
		}
		if job.LastError != "" {
			printStatus("Error", "%s (attempt %d)", job.LastError, job.Attempts)
			printStatus("Resumable", "%t", job.Resumable)
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancellation requested for job %s", args[0])
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobCancelCmd)
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage ingested study materials",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested materials",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ownerFromFlags(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/artifacts?owner_id="+url.QueryEscape(owner))
		if err != nil {
			return err
		}

		var artifacts []struct {
			ID       string `json:"ID"`
			Name     string `json:"Name"`
			Modality string `json:"Modality"`
			CourseID string `json:"CourseID"`
			DocType  string `json:"DocType"`
		}
		if err := decodeJSON(resp, &artifacts); err != nil {
			return err
		}

		if len(artifacts) == 0 {
			fmt.Println("No materials found.")
			return nil
		}

		for _, a := range artifacts {
			course := a.CourseID
			if course == "" {
				course = "-"
			}
			docType := a.DocType
			if docType == "" {
				docType = "-"
			}
			fmt.Printf("%s  %-8s  %-10s  %-10s  %s\n",
				colorize(colorCyan, a.ID[:8]),
				a.Modality,
				course,
				docType,
				a.Name,
			)
		}
		return nil
	},
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a material and its indexed chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/artifacts/"+args[0])
		if err != nil {
			return err
		}

		var result struct {
			Status        string `json:"status"`
			ChunksRemoved int    `json:"chunks_removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %s (%d chunks removed)", args[0], result.ChunksRemoved)
		return nil
	},
}

func init() {
	sourcesListCmd.Flags().String("owner", "", "owner id (default $EDUVERSE_OWNER)")
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesRemoveCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check server health and show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		printStatus("Config", "%s", configPath)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		printStatus("Gateway", "%s", cfg.Gateway.BaseURL)
		printStatus("Workers", "%d", cfg.Ingest.Workers)

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printError("Server not reachable on port %d", cfg.Server.Port)
			return nil
		}

		var health map[string]string
		if err := decodeJSON(resp, &health); err != nil {
			return err
		}
		printSuccess("Server healthy on port %d", cfg.Server.Port)
		return nil
	},
}
