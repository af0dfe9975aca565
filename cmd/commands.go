package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yungbote/scenegraph-backend/internal/app"
	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/services"
)

func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	log, err := app.NewLogger()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), log)
	if err != nil {
		log.Sync()
		return err
	}
	defer a.Close()
	return fn(a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				return a.Run(cmd.Context())
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var mediaType, buildingID, drawingID string
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Extract a scene graph from a diagram and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			if mediaType == "" {
				mediaType = mime.TypeByExtension(filepath.Ext(path))
			}
			owner := map[string]string{}
			if buildingID != "" {
				owner["building_id"] = buildingID
			}
			if drawingID != "" {
				owner["drawing_id"] = drawingID
			}
			return withApp(cmd, func(a *app.App) error {
				sum, err := a.Services.SceneGraph.Ingest(cmd.Context(), services.IngestRequest{
					Upload: normalize.Upload{Data: data, MediaType: mediaType, Filename: filepath.Base(path)},
					Owner:  owner,
				})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			})
		},
	}
	cmd.Flags().StringVar(&mediaType, "media-type", "", "Declared media type (default: from the file extension)")
	cmd.Flags().StringVar(&buildingID, "building-id", "", "Building the drawing belongs to")
	cmd.Flags().StringVar(&drawingID, "drawing-id", "", "Drawing number")
	return cmd
}

func askCmd() *cobra.Command {
	var caller string
	cmd := &cobra.Command{
		Use:   "ask GRAPH_ID QUESTION",
		Short: "Ask a question about a stored graph and stream the answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			graphID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid graph id %q: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			return withApp(cmd, func(a *app.App) error {
				_, err := a.Services.Sessions.Ask(cmd.Context(), services.AskRequest{
					GraphID:  graphID,
					CallerID: caller,
					Question: args[1],
				}, func(chunk string) {
					fmt.Fprint(out, chunk)
				})
				fmt.Fprintln(out)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "cli", "Caller id that owns the conversation")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create graph constraints and chat tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := app.NewLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg := app.LoadConfig(log)
			storage, err := app.OpenStorage(cmd.Context(), log, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			if err := storage.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("Migration complete")
			return nil
		},
	}
}
