package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	internal_http "github.com/drbfraser/CRADLE-Platform-sub000/internal/http"
	"github.com/drbfraser/CRADLE-Platform-sub000/internal/log"
	internal_storage "github.com/drbfraser/CRADLE-Platform-sub000/internal/storage"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/datasource"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			port, err := cmd.Flags().GetString("port")
			if err != nil || port == "" {
				port = "8080"
			}
			store, svc := initService(cmd)
			defer store.Close()
			if err := internal_http.StartServer(port, svc); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")

	uploadTemplateCmd := &cobra.Command{
		Use:   "upload-template [file]",
		Short: "Upload a workflow template from a JSON file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, svc := initService(cmd)
			defer store.Close()
			data, err := os.ReadFile(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to read template file: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to read template file: %v\n", err)
				os.Exit(1)
			}
			var t models.WorkflowTemplate
			if err := json.Unmarshal(data, &t); err != nil {
				log.GetLogger().Errorf("Failed to parse template file: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to parse template file: %v\n", err)
				os.Exit(1)
			}
			saved, err := svc.UploadWorkflowTemplate(t)
			if err != nil {
				log.GetLogger().Errorf("Failed to upload template: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to upload template: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Uploaded template '%s' version '%s' with ID %s\n", saved.Name, saved.Version, saved.ID)
		},
	}

	listTemplatesCmd := &cobra.Command{
		Use:   "list-templates",
		Short: "List all workflow templates",
		Run: func(cmd *cobra.Command, args []string) {
			store, svc := initService(cmd)
			defer store.Close()
			templates, err := svc.ListWorkflowTemplates()
			if err != nil {
				log.GetLogger().Errorf("Failed to list templates: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list templates: %v\n", err)
				os.Exit(1)
			}
			if len(templates) == 0 {
				fmt.Fprintf(os.Stdout, "No templates found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Templates:\n")
			for _, t := range templates {
				state := "active"
				if t.Archived {
					state = "archived"
				}
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Version: %s (%s), Created: %s\n",
					t.ID, t.Name, t.Version, state, t.DateCreated.Format(time.RFC3339))
			}
		},
	}

	generateInstanceCmd := &cobra.Command{
		Use:   "generate-instance [template-id]",
		Short: "Generate a pending workflow instance from a template",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, svc := initService(cmd)
			defer store.Close()
			inst, err := svc.GenerateWorkflowInstance(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to generate instance: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to generate instance: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Generated instance %s (status %s)\n", inst.ID, inst.Status)
			patientID, _ := cmd.Flags().GetString("patient")
			if patientID != "" {
				if err := svc.AssignPatient(inst.ID, patientID); err != nil {
					log.GetLogger().Errorf("Failed to assign patient: %v", err)
					fmt.Fprintf(os.Stderr, "Error: failed to assign patient: %v\n", err)
					os.Exit(1)
				}
				fmt.Fprintf(os.Stdout, "Assigned patient %s\n", patientID)
			}
		},
	}
	generateInstanceCmd.Flags().String("patient", "", "Patient to assign to the new instance")

	rootCmd.AddCommand(serveCmd, uploadTemplateCmd, listTemplatesCmd, generateInstanceCmd)
}

// initService builds the store, the clinical datasource catalogue, and the
// workflow service from the --db flag.
func initService(cmd *cobra.Command) (*internal_storage.PostgresStore, *service.WorkflowService) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		log.GetLogger().Errorf("Missing --db connection string")
		os.Exit(1)
	}
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	catalogue := datasource.NewClinicalCatalogue(store, time.Now)
	resolver := datasource.NewResolver(catalogue, log.GetLogger())
	return store, service.NewWorkflowService(store, resolver, log.GetLogger())
}
