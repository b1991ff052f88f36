package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload a PDF document for indexing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFile(cmd.Context(), "/documents", path, data)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s as document %s", path, result["id"])
		printStep("Run `docchat docs` to watch processing progress")
		return nil
	},
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List uploaded documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}

		var docs []struct {
			ID         string `json:"ID"`
			Filename   string `json:"Filename"`
			Status     string `json:"Status"`
			ChunkCount int    `json:"ChunkCount"`
			Error      string `json:"Error"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents uploaded.")
			return nil
		}

		for _, d := range docs {
			line := fmt.Sprintf("%s  %-10s  %s",
				colorize(colorCyan, d.ID[:8]),
				d.Status,
				d.Filename,
			)
			if d.Status == "completed" {
				line += fmt.Sprintf("  (%d chunks)", d.ChunkCount)
			}
			fmt.Println(line)
			if d.Error != "" {
				fmt.Printf("          %s\n", colorize(colorRed, d.Error))
			}
		}
		return nil
	},
}

// --- rm ---

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the uploaded documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"message": question}
		if sessionID != "" {
			body["session_id"] = sessionID
		}

		resp, err := client.post(cmd.Context(), "/chat", body)
		if err != nil {
			return err
		}

		var result struct {
			SessionID string `json:"session_id"`
			Answer    string `json:"answer"`
			Sources   []struct {
				Filename string  `json:"filename"`
				Page     int     `json:"page"`
				Score    float32 `json:"score"`
			} `json:"sources"`
			Unsourced bool `json:"unsourced"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if result.Unsourced {
			printWarning("No relevant passages found; the answer is not grounded in your documents.")
		}
		for _, s := range result.Sources {
			fmt.Printf("  %s %s p.%d [%.3f]\n", colorize(colorBold, "source:"), s.Filename, s.Page, s.Score)
		}
		printStep("Session %s (pass --session %s to continue)", result.SessionID, result.SessionID)
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the uploaded documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&k=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []struct {
			Filename string  `json:"filename"`
			Page     int     `json:"page"`
			Text     string  `json:"text"`
			Score    float32 `json:"score"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s  %s p.%d [score: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Filename, r.Page, r.Score)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

// --- rebuild ---

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-embed all documents and rebuild the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/index/rebuild", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Index rebuild queued")
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "continue an existing chat session")
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}
