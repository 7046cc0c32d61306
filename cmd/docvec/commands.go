package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docvec/internal/config"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/orchestrator"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vecmath"
	"github.com/kalambet/docvec/internal/vectordb"
)

// withClient runs fn against the local server.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *apiClient) error) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), client)
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "Upload and manage documents",
}

var documentsUploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents",
	Long: `Upload documents. Supported formats are txt, md, csv, html, pdf, docx and xlsx.

Examples:
  docvec documents upload ./handbook.pdf
  docvec documents upload --force ./notes.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		source, _ := cmd.Flags().GetString("source")

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			failed := 0
			for _, file := range args {
				resp, err := c.upload(ctx, "/documents", file, source, force)
				if err != nil {
					return err
				}
				var doc storage.Document
				if err := decodeJSON(resp, &doc); err != nil {
					printError("%s: %v", file, err)
					failed++
					continue
				}
				printSuccess("Uploaded %s as %s", doc.Name, doc.ID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		})
	},
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/documents")
			if err != nil {
				return err
			}
			var docs []storage.Document
			if err := decodeJSON(resp, &docs); err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Println("No documents found.")
				return nil
			}
			for _, d := range docs {
				fmt.Printf("%s  %-5s  %s  %s\n",
					colorize(colorCyan, d.ID),
					d.Ext,
					d.UpdatedAt.Format(time.DateTime),
					d.Name,
				)
			}
			return nil
		})
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a document and the collections it is embedded in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/documents/"+args[0])
			if err != nil {
				return err
			}
			var doc storage.Document
			if err := decodeJSON(resp, &doc); err != nil {
				return err
			}
			resp, err = c.get(ctx, "/documents/"+args[0]+"/collections")
			if err != nil {
				return err
			}
			var pairs []storage.EmbeddedPair
			if err := decodeJSON(resp, &pairs); err != nil {
				return err
			}
			return printJSON(map[string]any{"document": doc, "collections": pairs})
		})
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document, its images and all of its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.delete(ctx, "/documents/"+args[0])
			if err != nil {
				return err
			}
			var result struct {
				Removals []storage.RemovalReport `json:"removals"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Deleted %s (removed from %d collections)", args[0], len(result.Removals))
			return nil
		})
	},
}

var documentsRemoveCmd = &cobra.Command{
	Use:   "remove <id> <collection-id>",
	Short: "Remove a document's vectors from one collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.delete(ctx, "/documents/"+args[0]+"/collections/"+args[1])
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Removed %s from %s", args[0], args[1])
			return nil
		})
	},
}

var documentsImagesCmd = &cobra.Command{
	Use:   "images <id>",
	Short: "List images extracted from a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		extract, _ := cmd.Flags().GetBool("extract")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			if extract {
				resp, err := c.post(ctx, "/documents/"+args[0]+"/images/extract", nil)
				if err != nil {
					return err
				}
				if err := decodeJSON(resp, nil); err != nil {
					return err
				}
				printSuccess("Queued image extraction for %s", args[0])
				return nil
			}

			resp, err := c.get(ctx, "/documents/"+args[0]+"/images")
			if err != nil {
				return err
			}
			var images []storage.Image
			if err := decodeJSON(resp, &images); err != nil {
				return err
			}
			if len(images) == 0 {
				fmt.Println("No images found.")
				return nil
			}
			for _, img := range images {
				fmt.Printf("%s  p%-3d #%-3d %-4s %4dx%-4d %s\n",
					colorize(colorCyan, img.ID),
					img.PageNumber, img.ImageNumber, img.Format, img.Width, img.Height,
					truncate(img.Description, 60),
				)
			}
			return nil
		})
	},
}

var documentsConfigCmd = &cobra.Command{
	Use:   "config <id> <collection-id>",
	Short: "Show or set the parse and chunk configs of a document in a collection",
	Long: `Show or set the parse and chunk configs of a document in a collection.
Without flags the effective configs are printed. --parse and --chunk take JSON
files (or - for stdin).

Example:
  echo '{"kind":"sliding","sliding":{"size":500,"overlap":50}}' | docvec documents config DOC COLL --chunk -`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parseFile, _ := cmd.Flags().GetString("parse")
		chunkFile, _ := cmd.Flags().GetString("chunk")
		path := "/documents/" + args[0] + "/configs/" + args[1]

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			if parseFile == "" && chunkFile == "" {
				resp, err := c.get(ctx, path)
				if err != nil {
					return err
				}
				var configs map[string]any
				if err := decodeJSON(resp, &configs); err != nil {
					return err
				}
				return printJSON(configs)
			}

			body, err := configBody(parseFile, chunkFile)
			if err != nil {
				return err
			}
			resp, err := c.put(ctx, path, body)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Saved configs for %s in %s", args[0], args[1])
			return nil
		})
	},
}

// configBody reads the given JSON config files into a configs request.
func configBody(parseFile, chunkFile string) (map[string]json.RawMessage, error) {
	body := map[string]json.RawMessage{}
	for key, file := range map[string]string{"parse_config": parseFile, "chunk_config": chunkFile} {
		if file == "" {
			continue
		}
		raw, err := readInput(file)
		if err != nil {
			return nil, err
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%s: invalid JSON", file)
		}
		body[key] = raw
	}
	return body, nil
}

func readInput(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	return data, nil
}

func init() {
	documentsUploadCmd.Flags().Bool("force", false, "replace the content of a document with the same name")
	documentsUploadCmd.Flags().String("source", "cli", "where the document came from")
	documentsImagesCmd.Flags().Bool("extract", false, "queue image extraction instead of listing")
	documentsConfigCmd.Flags().String("parse", "", "parse config JSON file")
	documentsConfigCmd.Flags().String("chunk", "", "chunk config JSON file")

	documentsCmd.AddCommand(documentsUploadCmd)
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
	documentsCmd.AddCommand(documentsRemoveCmd)
	documentsCmd.AddCommand(documentsImagesCmd)
	documentsCmd.AddCommand(documentsConfigCmd)
}

// --- collections ---

var collectionsCmd = &cobra.Command{
	Use:     "collections",
	Aliases: []string{"coll"},
	Short:   "Manage vector collections",
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("vector-db")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			path := "/collections"
			if backend != "" {
				path += "?vector_db=" + url.QueryEscape(backend)
			}
			resp, err := c.get(ctx, path)
			if err != nil {
				return err
			}
			var colls []storage.Collection
			if err := decodeJSON(resp, &colls); err != nil {
				return err
			}
			if len(colls) == 0 {
				fmt.Println("No collections found.")
				return nil
			}
			for _, coll := range colls {
				fmt.Printf("%s  %-20s %-8s %s/%s (%d dims)\n",
					colorize(colorCyan, coll.ID),
					coll.Name, coll.VectorDb, coll.EmbeddingProvider, coll.Model, coll.Dimensions,
				)
			}
			return nil
		})
	},
}

var collectionsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a collection for an embedding model",
	Long: `Create a collection for an embedding model. The vector size is taken from the model.

Example:
  docvec collections create handbook --provider ollama --model nomic-embed-text --vector-db sqlite`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.NewCollection{Name: args[0]}
		req.Provider, _ = cmd.Flags().GetString("provider")
		req.Model, _ = cmd.Flags().GetString("model")
		req.VectorDb, _ = cmd.Flags().GetString("vector-db")
		distance, _ := cmd.Flags().GetString("distance")
		req.Distance = vecmath.Distance(distance)

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.post(ctx, "/collections", req)
			if err != nil {
				return err
			}
			var coll storage.Collection
			if err := decodeJSON(resp, &coll); err != nil {
				return err
			}
			printSuccess("Created collection %s (%s, %d dims)", coll.Name, coll.ID, coll.Dimensions)
			return nil
		})
	},
}

var collectionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a collection and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.delete(ctx, "/collections/"+args[0])
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Deleted collection %s", args[0])
			return nil
		})
	},
}

var collectionsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile collection rows with the vector databases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.post(ctx, "/collections/sync", nil)
			if err != nil {
				return err
			}
			var res orchestrator.SyncResult
			if err := decodeJSON(resp, &res); err != nil {
				return err
			}
			for _, coll := range res.Removed {
				printWarning("Removed %s: its %s collection no longer exists", coll.Name, coll.VectorDb)
			}
			for _, name := range res.Unmanaged {
				printStatus("Unmanaged", "%s", name)
			}
			printSuccess("Sync complete")
			return nil
		})
	},
}

var collectionsDocumentsCmd = &cobra.Command{
	Use:   "documents <id>",
	Short: "List the documents embedded in a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/collections/"+args[0]+"/documents")
			if err != nil {
				return err
			}
			var pairs []storage.EmbeddedPair
			if err := decodeJSON(resp, &pairs); err != nil {
				return err
			}
			if len(pairs) == 0 {
				fmt.Println("No documents embedded.")
				return nil
			}
			for _, p := range pairs {
				fmt.Printf("%s  embedded %s\n", colorize(colorCyan, p.DocumentID), p.FinishedAt.Format(time.DateTime))
			}
			return nil
		})
	},
}

func init() {
	collectionsListCmd.Flags().String("vector-db", "", "only collections on this backend")
	collectionsCreateCmd.Flags().String("provider", embedder.ProviderOllama, "embedding provider")
	collectionsCreateCmd.Flags().String("model", "", "embedding model")
	collectionsCreateCmd.Flags().String("vector-db", vectordb.BackendSQLite, "vector database backend")
	collectionsCreateCmd.Flags().String("distance", "", "distance function (cosine, l2, dot)")
	collectionsCreateCmd.MarkFlagRequired("model")

	collectionsCmd.AddCommand(collectionsListCmd)
	collectionsCmd.AddCommand(collectionsCreateCmd)
	collectionsCmd.AddCommand(collectionsDeleteCmd)
	collectionsCmd.AddCommand(collectionsSyncCmd)
	collectionsCmd.AddCommand(collectionsDocumentsCmd)
}

// --- embed ---

type batchItem struct {
	DocumentID string                   `json:"document_id"`
	Report     *storage.EmbeddingReport `json:"report,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// embedRequest embeds one document synchronously or several as a batch.
func embedRequest(collectionID string, documentIDs []string) map[string]any {
	req := map[string]any{"collection_id": collectionID}
	if len(documentIDs) == 1 {
		req["document_id"] = documentIDs[0]
	} else {
		req["document_ids"] = documentIDs
	}
	return req
}

var embedCmd = &cobra.Command{
	Use:   "embed <collection-id> <document-id>...",
	Short: "Embed documents into a collection",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collID, docIDs := args[0], args[1:]
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.post(ctx, "/embed", embedRequest(collID, docIDs))
			if err != nil {
				return err
			}
			if len(docIDs) == 1 {
				var rep storage.EmbeddingReport
				if err := decodeJSON(resp, &rep); err != nil {
					return err
				}
				printReport(rep)
				return nil
			}

			var items []batchItem
			if err := decodeJSON(resp, &items); err != nil {
				return err
			}
			failed := 0
			for _, it := range items {
				if it.Error != "" {
					printError("%s: %s", it.DocumentID, it.Error)
					failed++
					continue
				}
				printReport(*it.Report)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(items))
			}
			return nil
		})
	},
}

func printReport(rep storage.EmbeddingReport) {
	cached := ""
	if rep.Cache {
		cached = ", cached"
	}
	printSuccess("Embedded %s into %s: %d vectors in %s%s",
		rep.DocumentName, rep.CollectionName, rep.TotalVectors,
		rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond), cached)
}

// --- preview ---

var previewCmd = &cobra.Command{
	Use:   "preview <document-id>",
	Short: "Show the chunks a document would be embedded as",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collID, _ := cmd.Flags().GetString("collection")
		parseFile, _ := cmd.Flags().GetString("parse")
		chunkFile, _ := cmd.Flags().GetString("chunk")

		body, err := configBody(parseFile, chunkFile)
		if err != nil {
			return err
		}
		req := map[string]any{"document_id": args[0]}
		if collID != "" {
			req["collection_id"] = collID
		}
		for k, v := range body {
			req[k] = v
		}

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.post(ctx, "/preview", req)
			if err != nil {
				return err
			}
			var p struct {
				Chunks []string `json:"chunks"`
				Total  int      `json:"total"`
			}
			if err := decodeJSON(resp, &p); err != nil {
				return err
			}
			for i, chunk := range p.Chunks {
				fmt.Printf("%s\n%s\n\n", colorize(colorBold, fmt.Sprintf("Chunk %d", i)), chunk)
			}
			printStatus("Total chunks", "%d", p.Total)
			return nil
		})
	},
}

func init() {
	previewCmd.Flags().String("collection", "", "use the configs saved for this collection")
	previewCmd.Flags().String("parse", "", "parse config JSON file")
	previewCmd.Flags().String("chunk", "", "chunk config JSON file")
}

// --- images ---

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Inspect, describe and embed extracted images",
}

var imagesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an image and the collections it is embedded in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/images/"+args[0])
			if err != nil {
				return err
			}
			var v any
			if err := decodeJSON(resp, &v); err != nil {
				return err
			}
			return printJSON(v)
		})
	},
}

var imagesSaveCmd = &cobra.Command{
	Use:   "save <id> <file>",
	Short: "Write an image's bytes to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/images/"+args[0]+"/content")
			if err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return decodeJSON(resp, nil)
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], data, 0o644); err != nil {
				return err
			}
			printSuccess("Saved %s (%d bytes)", args[1], len(data))
			return nil
		})
	},
}

var imagesDescribeCmd = &cobra.Command{
	Use:   "describe <id> <description>",
	Short: "Set the text description used when embedding an image",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc := strings.Join(args[1:], " ")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.patch(ctx, "/images/"+args[0], map[string]string{"description": desc})
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Described %s", args[0])
			return nil
		})
	},
}

var imagesEmbedCmd = &cobra.Command{
	Use:   "embed <id> <collection-id>",
	Short: "Embed an image into a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.post(ctx, "/images/"+args[0]+"/embed", map[string]string{
				"collection_id": args[1],
				"description":   desc,
			})
			if err != nil {
				return err
			}
			var rep storage.EmbeddingReport
			if err := decodeJSON(resp, &rep); err != nil {
				return err
			}
			printSuccess("Embedded image %s into %s", args[0], rep.CollectionName)
			return nil
		})
	},
}

var imagesRemoveCmd = &cobra.Command{
	Use:   "remove <id> <collection-id>",
	Short: "Remove an image's vector from a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.delete(ctx, "/images/"+args[0]+"/collections/"+args[1])
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Removed image %s from %s", args[0], args[1])
			return nil
		})
	},
}

func init() {
	imagesEmbedCmd.Flags().String("description", "", "description to embed with the image")

	imagesCmd.AddCommand(imagesShowCmd)
	imagesCmd.AddCommand(imagesSaveCmd)
	imagesCmd.AddCommand(imagesDescribeCmd)
	imagesCmd.AddCommand(imagesEmbedCmd)
	imagesCmd.AddCommand(imagesRemoveCmd)
}

// --- reports ---

func reportsPath(base string, filters map[string]string, limit int) string {
	q := url.Values{}
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) == 0 {
		return base
	}
	return base + "?" + q.Encode()
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List embedding reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		removals, _ := cmd.Flags().GetBool("removals")
		limit, _ := cmd.Flags().GetInt("limit")
		filters := map[string]string{}
		for _, f := range []string{"type", "document", "collection", "image"} {
			v, _ := cmd.Flags().GetString(f)
			key := f
			if f != "type" {
				key = f + "_id"
			}
			filters[key] = v
		}

		base := "/reports"
		if removals {
			base = "/reports/removals"
		}
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, reportsPath(base, filters, limit))
			if err != nil {
				return err
			}
			if removals {
				var reports []storage.RemovalReport
				if err := decodeJSON(resp, &reports); err != nil {
					return err
				}
				for _, r := range reports {
					fmt.Printf("%s  %-5s removed %s from %s\n",
						r.FinishedAt.Format(time.DateTime), r.Type, orDash(r.DocumentName, r.ImageID), r.CollectionName)
				}
				return nil
			}

			var reports []storage.EmbeddingReport
			if err := decodeJSON(resp, &reports); err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("No reports found.")
				return nil
			}
			for _, r := range reports {
				tokens := "-"
				if r.TokensUsed != nil {
					tokens = fmt.Sprint(*r.TokensUsed)
				}
				fmt.Printf("%s  %-5s %-30s -> %-20s %5d vectors  %s tokens  %s/%s\n",
					r.FinishedAt.Format(time.DateTime), r.Type,
					truncate(orDash(r.DocumentName, r.ImageID), 30), r.CollectionName,
					r.TotalVectors, tokens, r.EmbeddingProvider, r.ModelUsed)
			}
			return nil
		})
	},
}

func orDash(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "-"
}

func init() {
	reportsCmd.Flags().Bool("removals", false, "list removal reports instead")
	reportsCmd.Flags().String("type", "", "text or image")
	reportsCmd.Flags().String("document", "", "filter by document ID")
	reportsCmd.Flags().String("collection", "", "filter by collection ID")
	reportsCmd.Flags().String("image", "", "filter by image ID")
	reportsCmd.Flags().Int("limit", 20, "maximum number of reports")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <collection-id> <query>",
	Short: "Semantic search over a collection",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.SearchRequest{
			CollectionID: args[0],
			Query:        strings.Join(args[1:], " "),
		}
		req.Limit, _ = cmd.Flags().GetInt("limit")
		req.DocumentID, _ = cmd.Flags().GetString("document")
		if cmd.Flags().Changed("max-distance") {
			d, _ := cmd.Flags().GetFloat32("max-distance")
			req.MaxDistance = &d
		}

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.post(ctx, "/search", req)
			if err != nil {
				return err
			}
			var matches []vectordb.Match
			if err := decodeJSON(resp, &matches); err != nil {
				return err
			}
			if len(matches) == 0 {
				fmt.Println("No results found.")
				return nil
			}
			for i, m := range matches {
				fmt.Printf("\n%s [distance: %.4f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), m.Distance)
				if m.Payload.ImageID != "" {
					fmt.Printf("  Image %s: %s\n", m.Payload.ImageID, truncate(m.Payload.Description, 500))
					continue
				}
				fmt.Printf("  Document %s, chunk %d\n", m.Payload.DocumentID, m.Payload.ChunkIndex)
				fmt.Printf("  %s\n", truncate(m.Payload.ChunkText, 500))
			}
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().Float32("max-distance", 0, "drop matches farther than this")
	searchCmd.Flags().String("document", "", "only search chunks of this document")
}

// --- models, jobs, outdated ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List embedding models of the enabled providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/models")
			if err != nil {
				return err
			}
			var models []embedder.Model
			if err := decodeJSON(resp, &models); err != nil {
				return err
			}
			for _, m := range models {
				mm := ""
				if m.Multimodal {
					mm = "  multimodal"
				}
				fmt.Printf("%-8s %-40s %5d dims%s\n", m.Provider, m.Name, m.Dimensions, mm)
			}
			return nil
		})
	},
}

type jobsResponse struct {
	Jobs       []orchestrator.JobInfo `json:"jobs"`
	ImageQueue map[string]int         `json:"image_queue"`
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show running embedding jobs and the image queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/jobs")
			if err != nil {
				return err
			}
			var jobs jobsResponse
			if err := decodeJSON(resp, &jobs); err != nil {
				return err
			}
			if len(jobs.Jobs) == 0 {
				fmt.Println("No running jobs.")
			}
			for _, j := range jobs.Jobs {
				fmt.Printf("%-6s %-12s attempt %d  %s  %s\n",
					j.Kind, j.State, j.Attempt, time.Since(j.StartedAt).Round(time.Second), j.Key)
			}
			printStatus("Image queue", "%s", queueLabel(jobs.ImageQueue))
			return nil
		})
	},
}

var outdatedCmd = &cobra.Command{
	Use:   "outdated",
	Short: "List embeddings older than their document, optionally re-embedding them",
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			if !refresh {
				resp, err := c.get(ctx, "/outdated")
				if err != nil {
					return err
				}
				var pairs []storage.EmbeddedPair
				if err := decodeJSON(resp, &pairs); err != nil {
					return err
				}
				if len(pairs) == 0 {
					printSuccess("All embeddings are up to date")
					return nil
				}
				for _, p := range pairs {
					fmt.Printf("%s in %s (embedded %s)\n", p.DocumentID, p.CollectionID, p.FinishedAt.Format(time.DateTime))
				}
				return nil
			}

			printStep("Re-embedding outdated documents...")
			resp, err := c.post(ctx, "/outdated/refresh", nil)
			if err != nil {
				return err
			}
			var items []batchItem
			if err := decodeJSON(resp, &items); err != nil {
				return err
			}
			for _, it := range items {
				if it.Error != "" {
					printError("%s: %s", it.DocumentID, it.Error)
					continue
				}
				printReport(*it.Report)
			}
			return nil
		})
	},
}

func init() {
	outdatedCmd.Flags().Bool("refresh", false, "re-embed every outdated document")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Config file", "%s", config.ConfigPath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys and their environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ShowAll(config.Config{}) {
			secret := ""
			if k.Secret {
				secret = " (secret)"
			}
			fmt.Printf("  %-28s %s%s\n", k.Key, k.EnvVar, secret)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
}
