package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/chatblast/internal/api"
	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/client"
	"github.com/foxzi/chatblast/internal/config"
)

var (
	apiURL    string
	apiKey    string
	listLimit int
	listRun   bool

	startName       string
	startType       string
	startTemplate   string
	startCSV        string
	startAttachment string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
	Long: `Campaign management commands.

With --api the commands talk to a running server. Without it they open the
database from the config file directly, which only works while the server is
stopped.`,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details and recipients",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignProgressCmd = &cobra.Command{
	Use:   "progress <campaign_id>",
	Short: "Show campaign progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignProgress,
}

var campaignStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a campaign from a CSV file and start it (requires --api)",
	RunE:  runCampaignStart,
}

var campaignStopCmd = &cobra.Command{
	Use:   "stop <campaign_id>",
	Short: "Request a campaign stop",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStop,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a running campaign (requires --api)",
	Args:  cobra.ExactArgs(1),
	RunE:  remoteAction("pause", (*client.Client).Pause),
}

var campaignUnpauseCmd = &cobra.Command{
	Use:   "unpause <campaign_id>",
	Short: "Continue a paused campaign (requires --api)",
	Args:  cobra.ExactArgs(1),
	RunE:  remoteAction("unpause", (*client.Client).Unpause),
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a stopped campaign from its pending recipients (requires --api)",
	Args:  cobra.ExactArgs(1),
	RunE:  remoteAction("resume", (*client.Client).Resume),
}

var campaignDeleteCmd = &cobra.Command{
	Use:   "delete <campaign_id>",
	Short: "Delete a campaign that is not running",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignDelete,
}

func init() {
	campaignCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Server base URL, e.g. http://localhost:8080")
	campaignCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default: $"+config.EnvAPIKey+")")

	campaignListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of campaigns to show")
	campaignListCmd.Flags().BoolVar(&listRun, "running", false, "Show only running campaigns")

	campaignStartCmd.Flags().StringVar(&startName, "name", "", "Campaign name")
	campaignStartCmd.Flags().StringVar(&startType, "type", "sheet", "Campaign type (sheet, group)")
	campaignStartCmd.Flags().StringVar(&startTemplate, "template", "", "Message template, e.g. \"Hi {{name}}\"")
	campaignStartCmd.Flags().StringVar(&startCSV, "csv", "", "Recipients CSV file")
	campaignStartCmd.Flags().StringVar(&startAttachment, "attachment", "", "Attachment path sent with every message")
	campaignStartCmd.MarkFlagRequired("csv")

	campaignCmd.AddCommand(
		campaignListCmd, campaignShowCmd, campaignProgressCmd, campaignStartCmd,
		campaignStopCmd, campaignPauseCmd, campaignUnpauseCmd, campaignResumeCmd, campaignDeleteCmd,
	)
	rootCmd.AddCommand(campaignCmd)
}

func newAPIClient() *client.Client {
	key := apiKey
	if key == "" {
		key = os.Getenv(config.EnvAPIKey)
	}
	return client.New(apiURL, key)
}

func requireAPI(action string) error {
	if apiURL == "" {
		return fmt.Errorf("%s needs a running server (use --api)", action)
	}
	return nil
}

func openCampaignStore() (*campaign.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage (is the server running? use --api): %w", err)
	}
	return store, nil
}

// campaignRow is the listing view shared by local and remote modes
type campaignRow struct {
	ID        string
	Name      string
	Type      string
	Progress  campaign.Progress
	State     string
	CreatedAt time.Time
}

func campaignState(running, stopped, paused bool, lastError string) string {
	switch {
	case running && paused:
		return "paused"
	case running:
		return "running"
	case lastError != "":
		return "error"
	case stopped:
		return "stopped"
	default:
		return "idle"
	}
}

func rowFromCampaign(c *campaign.Campaign) campaignRow {
	state := campaignState(c.IsRunning, c.IsStopped, false, c.LastError)
	if state == "idle" && c.PendingCount() == 0 {
		state = "finished"
	}
	return campaignRow{
		ID:        c.ID,
		Name:      c.Name,
		Type:      string(c.Type),
		Progress:  c.Progress(),
		State:     state,
		CreatedAt: c.CreatedAt,
	}
}

func rowFromResponse(c *api.CampaignResponse) campaignRow {
	state := campaignState(c.IsRunning, c.IsStopped, c.IsPaused, c.LastError)
	if state == "idle" && c.Progress.Pending == 0 {
		state = "finished"
	}
	return campaignRow{
		ID:        c.ID,
		Name:      c.Name,
		Type:      string(c.Type),
		Progress:  c.Progress,
		State:     state,
		CreatedAt: c.CreatedAt,
	}
}

func formatProgress(p campaign.Progress) string {
	return fmt.Sprintf("%d/%d sent, %d failed, %d pending", p.Sent, p.Total, p.Failed, p.Pending)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var running *bool
	if listRun {
		running = &listRun
	}

	var rows []campaignRow
	if apiURL != "" {
		resp, err := newAPIClient().ListCampaigns(ctx, running, listLimit)
		if err != nil {
			return fmt.Errorf("failed to list campaigns: %w", err)
		}
		for _, c := range resp.Campaigns {
			rows = append(rows, rowFromResponse(c))
		}
	} else {
		store, err := openCampaignStore()
		if err != nil {
			return err
		}
		defer store.Close()

		campaigns, err := store.List(ctx, campaign.ListFilter{Running: running, Limit: listLimit})
		if err != nil {
			return fmt.Errorf("failed to list campaigns: %w", err)
		}
		for _, c := range campaigns {
			rows = append(rows, rowFromCampaign(c))
		}
	}

	if len(rows) == 0 {
		fmt.Println("No campaigns found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tPROGRESS\tCREATED")
	fmt.Fprintln(w, "--\t----\t----\t-----\t--------\t-------")

	for _, r := range rows {
		name := r.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID, name, r.Type, r.State,
			r.Progress.Sent+r.Progress.Failed, r.Progress.Total,
			r.CreatedAt.Format("2006-01-02 15:04"))
	}

	w.Flush()
	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	var (
		row        campaignRow
		template   string
		lastError  string
		attachment string
		recipients []campaign.ContactStatus
	)

	if apiURL != "" {
		c, err := newAPIClient().GetCampaign(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get campaign: %w", err)
		}
		row = rowFromResponse(c)
		lastError, attachment, recipients = c.LastError, c.AttachmentRef, c.Recipients
	} else {
		store, err := openCampaignStore()
		if err != nil {
			return err
		}
		defer store.Close()

		c, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get campaign: %w", err)
		}
		row = rowFromCampaign(c)
		template, lastError, attachment, recipients = c.MessageTemplate, c.LastError, c.AttachmentRef, c.Recipients
	}

	fmt.Printf("ID:         %s\n", row.ID)
	fmt.Printf("Name:       %s\n", row.Name)
	fmt.Printf("Type:       %s\n", row.Type)
	fmt.Printf("State:      %s\n", row.State)
	fmt.Printf("Progress:   %s\n", formatProgress(row.Progress))
	fmt.Printf("Created:    %s\n", row.CreatedAt.Format(time.RFC3339))
	if attachment != "" {
		fmt.Printf("Attachment: %s\n", attachment)
	}
	if lastError != "" {
		fmt.Printf("Last error: %s\n", lastError)
	}
	if template != "" {
		fmt.Printf("\nTemplate:\n%s\n", indent(template))
	}

	if len(recipients) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTIFIER\tNAME\tSTATUS\tUPDATED")
		for _, r := range recipients {
			updated := "-"
			if !r.UpdatedAt.IsZero() {
				updated = r.UpdatedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Identifier, r.Name, r.Status, updated)
		}
		w.Flush()
	}

	return nil
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func runCampaignProgress(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	var p campaign.Progress
	if apiURL != "" {
		resp, err := newAPIClient().Progress(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get progress: %w", err)
		}
		p = *resp
	} else {
		store, err := openCampaignStore()
		if err != nil {
			return err
		}
		defer store.Close()

		c, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get progress: %w", err)
		}
		p = c.Progress()
	}

	fmt.Println(formatProgress(p))
	return nil
}

func runCampaignStart(cmd *cobra.Command, args []string) error {
	if err := requireAPI("start"); err != nil {
		return err
	}

	f, err := os.Open(startCSV)
	if err != nil {
		return fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()

	recipients, err := readRecipientsCSV(f)
	if err != nil {
		return fmt.Errorf("failed to read recipients: %w", err)
	}

	resp, err := newAPIClient().StartCampaign(context.Background(), &api.StartCampaignRequest{
		Name:            startName,
		Type:            startType,
		MessageTemplate: startTemplate,
		AttachmentRef:   startAttachment,
		Recipients:      recipients,
	})
	if err != nil {
		return fmt.Errorf("failed to start campaign: %w", err)
	}

	fmt.Printf("Campaign %s started with %d recipients\n", resp.ID, len(recipients))
	return nil
}

func runCampaignStop(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	if apiURL != "" {
		if _, err := newAPIClient().Stop(ctx, id); err != nil {
			return fmt.Errorf("failed to stop campaign: %w", err)
		}
		fmt.Printf("Stop requested for campaign %s\n", id)
		return nil
	}

	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.RequestStop(ctx, id); err != nil {
		return fmt.Errorf("failed to stop campaign: %w", err)
	}

	fmt.Printf("Campaign %s marked as stopped\n", id)
	return nil
}

func remoteAction(name string, fn func(*client.Client, context.Context, string) (*api.CampaignResponse, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := requireAPI(name); err != nil {
			return err
		}

		resp, err := fn(newAPIClient(), context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to %s campaign: %w", name, err)
		}

		fmt.Printf("Campaign %s: %s\n", resp.ID, rowFromResponse(resp).State)
		return nil
	}
}

func runCampaignDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	if apiURL != "" {
		if err := newAPIClient().DeleteCampaign(ctx, id); err != nil {
			return fmt.Errorf("failed to delete campaign: %w", err)
		}
		fmt.Printf("Campaign %s deleted\n", id)
		return nil
	}

	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	// A record left running by a crash is fine to delete offline
	if err := store.Delete(ctx, c.ID); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}

	fmt.Printf("Campaign %s deleted\n", id)
	return nil
}
