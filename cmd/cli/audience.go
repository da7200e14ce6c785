package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/spf13/cobra"
)

var (
	contactsFile string
	segmentID    string
)

var audienceCmd = &cobra.Command{
	Use:   "audience",
	Short: "Manage contacts and segments",
}

var audienceImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Load contacts from a JSON file into a segment",
	Long: `Read a JSON array of contacts ({"id", "email", "phone", "device_token",
"attributes"}) and store them for the tenant. With --segment the contacts are
also added to that segment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(contactsFile)
		if err != nil {
			return fmt.Errorf("failed to read contacts: %w", err)
		}
		var contacts []model.ContactRef
		if err := json.Unmarshal(raw, &contacts); err != nil {
			return fmt.Errorf("failed to parse contacts: %w", err)
		}

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ids := make([]string, 0, len(contacts))
		for i := range contacts {
			if err := a.Audience.PutContact(cmd.Context(), tenantID, &contacts[i]); err != nil {
				return err
			}
			ids = append(ids, contacts[i].ID)
		}
		if segmentID != "" && len(ids) > 0 {
			if err := a.Audience.AddToSegment(cmd.Context(), tenantID, segmentID, ids...); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d contacts\n", len(ids))
		return nil
	},
}

func init() {
	audienceImportCmd.Flags().StringVar(&contactsFile, "file", "", "JSON file with contacts")
	audienceImportCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	audienceImportCmd.Flags().StringVar(&segmentID, "segment", "", "segment to add the contacts to")
	_ = audienceImportCmd.MarkFlagRequired("file")
	_ = audienceImportCmd.MarkFlagRequired("tenant")
	audienceCmd.AddCommand(audienceImportCmd)
}
