package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/config"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/pipeline"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage workflow sessions",
}

// --- session new ---

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new workflow session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/sessions", nil)
		if err != nil {
			return err
		}

		var result struct {
			ID           string `json:"id"`
			CurrentStage string `json:"current_stage"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Created session %s (stage: %s)", result.ID, result.CurrentStage)
		fmt.Println(result.ID)
		return nil
	},
}

// --- session show ---

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's stage and document status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/sessions/"+args[0])
		if err != nil {
			return err
		}

		var session struct {
			ID           string `json:"id"`
			CurrentStage string `json:"current_stage"`
			Stages       []struct {
				Stage    string `json:"stage"`
				Doc      string `json:"doc"`
				Approved bool   `json:"approved"`
				Current  bool   `json:"current"`
			} `json:"stages"`
		}
		if err := decodeJSON(resp, &session); err != nil {
			return err
		}

		printStatus("Session", "%s", session.ID)
		printStatus("Stage", "%s", session.CurrentStage)
		for _, st := range session.Stages {
			mark := " "
			if st.Approved {
				mark = colorize(colorGreen, "✓")
			} else if st.Current {
				mark = colorize(colorCyan, "●")
			}
			fmt.Fprintf(os.Stderr, "  %s %-8s %s\n", mark, st.Stage, st.Doc)
		}
		return nil
	},
}

// --- session chat ---

var sessionChatCmd = &cobra.Command{
	Use:   "chat <session-id> <message>",
	Short: "Send a chat message and run the current stage",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		message := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.post(ctx, "/v1/sessions/"+sessionID+"/messages", map[string]any{
			"content": message,
		})
		if err != nil {
			return err
		}
		var posted map[string]string
		if err := decodeJSON(resp, &posted); err != nil {
			return err
		}

		stage, err := currentStage(cmd, client, sessionID)
		if err != nil {
			return err
		}

		return runStage(cmd, client, sessionID, stage, 0)
	},
}

// --- session run ---

var sessionRunCmd = &cobra.Command{
	Use:   "run <session-id> <stage>",
	Short: "Run a pipeline stage and stream its output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seedCalls, _ := cmd.Flags().GetInt("seed-calls")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runStage(cmd, client, args[0], args[1], seedCalls)
	},
}

func currentStage(cmd *cobra.Command, client *apiClient, sessionID string) (string, error) {
	resp, err := client.get(cmd.Context(), "/v1/sessions/"+sessionID)
	if err != nil {
		return "", err
	}
	var session struct {
		CurrentStage string `json:"current_stage"`
	}
	if err := decodeJSON(resp, &session); err != nil {
		return "", err
	}
	return session.CurrentStage, nil
}

func runStage(cmd *cobra.Command, client *apiClient, sessionID, stage string, seedCalls int) error {
	path := fmt.Sprintf("/v1/sessions/%s/stages/%s/run", sessionID, stage)
	if seedCalls > 0 {
		path += fmt.Sprintf("?seed_calls=%d", seedCalls)
	}

	sawDelta := false
	err := client.stream(cmd.Context(), path, func(e pipeline.Event) {
		switch e.Name {
		case pipeline.EventAssistantDelta:
			sawDelta = true
			fmt.Print(e.Data)
		case pipeline.EventDocUpdated:
			if sawDelta {
				fmt.Println()
				sawDelta = false
			}
			var payload pipeline.DocUpdatedPayload
			if json.Unmarshal([]byte(e.Data), &payload) == nil {
				printStep("Updated %s (%d bytes)", payload.Name, payload.Size)
			}
		case pipeline.EventStageReady:
			if sawDelta {
				fmt.Println()
			}
			printSuccess("Stage %s is ready for approval", stage)
		case pipeline.EventStageNeedsMore:
			if sawDelta {
				fmt.Println()
			}
			var payload pipeline.StagePayload
			if json.Unmarshal([]byte(e.Data), &payload) == nil && payload.Reason != "" {
				printWarning("Stage %s needs more: %s", stage, payload.Reason)
			} else {
				printWarning("Stage %s needs more input", stage)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("running stage %s: %w", stage, err)
	}
	return nil
}

// --- session approve ---

var sessionApproveCmd = &cobra.Command{
	Use:   "approve <session-id> <stage>",
	Short: "Validate and approve the current stage's document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/sessions/"+args[0]+"/approve", map[string]any{
			"stage": args[1],
		})
		if err != nil {
			return err
		}

		var result struct {
			OK      bool     `json:"ok"`
			Reasons []string `json:"reasons"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.OK {
			printError("Not approved:")
			for _, r := range result.Reasons {
				fmt.Fprintf(os.Stderr, "  - %s\n", r)
			}
			return fmt.Errorf("approval rejected")
		}

		printSuccess("Approved stage %s", args[1])
		return nil
	},
}

// --- session docs ---

var sessionDocsCmd = &cobra.Command{
	Use:   "docs <session-id> [name]",
	Short: "List session documents, or print one",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 2 {
			resp, err := client.get(cmd.Context(), "/v1/sessions/"+args[0]+"/docs/"+args[1])
			if err != nil {
				return err
			}
			var doc struct {
				Content string `json:"content"`
			}
			if err := decodeJSON(resp, &doc); err != nil {
				return err
			}
			fmt.Print(doc.Content)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/v1/sessions/"+args[0]+"/docs")
		if err != nil {
			return err
		}
		var docs []struct {
			Name     string `json:"name"`
			Size     int    `json:"size"`
			Approved bool   `json:"approved"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents yet.")
			return nil
		}
		for _, d := range docs {
			mark := " "
			if d.Approved {
				mark = colorize(colorGreen, "✓")
			}
			fmt.Printf("%s %-12s %d bytes\n", mark, d.Name, d.Size)
		}
		return nil
	},
}

// --- session assets ---

var sessionAssetsCmd = &cobra.Command{
	Use:   "assets <session-id> <file>...",
	Short: "Attach reference files to a session",
	Long: `Attach reference files to a session. Files are copied into the server's
data directory and indexed; text and PDF content is extracted in the
background and offered to the stage writers as context.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		root := filepath.Join(cfg.Storage.DataDir, "assets", sessionID)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("creating asset dir: %w", err)
		}

		var entries []map[string]any
		for _, src := range args[1:] {
			name := filepath.Base(src)
			size, checksum, err := copyFile(src, filepath.Join(root, name))
			if err != nil {
				return fmt.Errorf("copying %s: %w", src, err)
			}
			contentType := mime.TypeByExtension(filepath.Ext(name))
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			entries = append(entries, map[string]any{
				"path":        name,
				"size":        size,
				"contentType": contentType,
				"checksum":    checksum,
			})
		}

		resp, err := client.post(cmd.Context(), "/v1/sessions/"+sessionID+"/assets", map[string]any{
			"entries": entries,
		})
		if err != nil {
			return err
		}
		var result struct {
			AssetIDs []string `json:"asset_ids"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registered %d asset(s), extraction queued", len(result.AssetIDs))
		return nil
	},
}

func copyFile(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func init() {
	sessionRunCmd.Flags().Int("seed-calls", 0, "seed the run budget with calls already consumed by a prior partial run")

	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionChatCmd)
	sessionCmd.AddCommand(sessionRunCmd)
	sessionCmd.AddCommand(sessionApproveCmd)
	sessionCmd.AddCommand(sessionDocsCmd)
	sessionCmd.AddCommand(sessionAssetsCmd)
}
