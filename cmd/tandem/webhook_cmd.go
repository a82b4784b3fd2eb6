package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/tandem"
	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/svcfields"
)

// newWebhookCommand groups manual webhook operations. Running instances
// register the webhook themselves on activation; these are for inspection
// and for retiring a deployment.
func newWebhookCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Inspect or change the bot API webhook registration",
	}
	clientFor := func(cmd *cobra.Command) (*botapi.Client, error) {
		cmd.SilenceUsage = true
		if _, err := loadConfigFile(v); err != nil {
			return nil, err
		}
		token := strings.TrimSpace(v.GetString("bot-token"))
		if token == "" {
			return nil, fmt.Errorf("bot token is required (--bot-token or TANDEM_BOT_TOKEN)")
		}
		return botapi.New(token,
			botapi.WithBaseURL(v.GetString("bot-api-url")),
			botapi.WithLogger(svcfields.WithSubsystem(baseLogger, "cli.webhook")),
		)
	}

	info := &cobra.Command{
		Use:   "info",
		Short: "Show the webhook currently registered with the bot API",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			wh, err := client.GetWebhookInfo(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(webhookInfoView(wh))
		},
	}

	var dropPending bool
	remove := &cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.DeleteWebhook(cmd.Context(), dropPending); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "webhook deleted")
			return nil
		},
	}
	remove.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates queued at the bot API")

	var (
		setURL      string
		setWorkers  int
		setDropPend bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Register the webhook without starting a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			target := setURL
			if target == "" {
				cfg := tandem.Config{
					PublicURL:     strings.TrimRight(strings.TrimSpace(v.GetString("public-url")), "/"),
					WebhookSecret: v.GetString("webhook-secret"),
				}
				if cfg.PublicURL == "" || cfg.WebhookSecret == "" {
					return fmt.Errorf("--url or both public-url and webhook-secret are required")
				}
				target = cfg.WebhookURL()
			}
			err = client.SetWebhook(cmd.Context(), botapi.WebhookConfig{
				URL:                target,
				SecretToken:        v.GetString("webhook-header-secret"),
				MaxConnections:     setWorkers * 10,
				DropPendingUpdates: setDropPend,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "webhook registered")
			return nil
		},
	}
	set.Flags().StringVar(&setURL, "url", "", "webhook URL (default public-url/webhook/<webhook-secret>)")
	set.Flags().IntVar(&setWorkers, "workers", tandem.DefaultQueueWorkers, "worker count used to size max connections")
	set.Flags().BoolVar(&setDropPend, "drop-pending", false, "discard updates queued at the bot API")

	cmd.AddCommand(info, remove, set)
	return cmd
}

type webhookInfoOutput struct {
	URL                string     `json:"url"`
	PendingUpdateCount int        `json:"pending_update_count"`
	MaxConnections     int        `json:"max_connections,omitempty"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	LastErrorMessage   string     `json:"last_error_message,omitempty"`
}

func webhookInfoView(wh botapi.WebhookInfo) webhookInfoOutput {
	out := webhookInfoOutput{
		URL:                wh.URL,
		PendingUpdateCount: wh.PendingUpdateCount,
		MaxConnections:     wh.MaxConnections,
		LastErrorMessage:   wh.LastErrorMessage,
	}
	if wh.LastErrorDate > 0 {
		at := time.Unix(wh.LastErrorDate, 0).UTC()
		out.LastErrorAt = &at
	}
	return out
}
