package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aponysus/attribution/attribution"
	"github.com/aponysus/attribution/model"
	"github.com/aponysus/attribution/observe"
)

type pollOptions struct {
	rdid       string
	lat        bool
	retries    int
	timeout    time.Duration
	lookback   int
	endpoint   string
	devToken   string
	linkID     string
	appVersion string
	osVersion  string
	sdkVersion string
}

func NewPollCommand(root *rootOptions) *cobra.Command {
	opts := &pollOptions{}

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll attribution for a device",
		Long: `Poll the conversion endpoint for the given advertising id and print the campaign
of the most recent click when it falls within the lookback window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runPoll(ctx, cmd.OutOrStdout(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.rdid, "rdid", "", "Advertising id of the device")
	cmd.Flags().BoolVar(&opts.lat, "lat", false, "Limit ad tracking is enabled on the device")
	cmd.Flags().IntVar(&opts.retries, "retries", -1, "Retries after the first attempt (default: policy)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Per-attempt timeout (default: policy)")
	cmd.Flags().IntVar(&opts.lookback, "lookback", 0, "Lookback window in days, 1-364 (default: policy)")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Override the conversion endpoint")
	cmd.Flags().StringVar(&opts.devToken, "dev-token", "", "Override the developer token")
	cmd.Flags().StringVar(&opts.linkID, "link-id", "", "Override the link id")
	cmd.Flags().StringVar(&opts.appVersion, "app-version", "", "App version reported with the ping")
	cmd.Flags().StringVar(&opts.osVersion, "os-version", "", "OS version reported with the ping")
	cmd.Flags().StringVar(&opts.sdkVersion, "sdk-version", "", "SDK version reported with the ping")
	_ = cmd.MarkFlagRequired("rdid")

	return cmd
}

func (o *pollOptions) overrides() map[string]any {
	m := map[string]any{}
	set := func(key, v string) {
		if v != "" {
			m[key] = v
		}
	}
	set("endpoint", o.endpoint)
	set("dev_token", o.devToken)
	set("link_id", o.linkID)
	set("app_version", o.appVersion)
	set("os_version", o.osVersion)
	set("sdk_version", o.sdkVersion)
	if o.retries >= 0 {
		m["policy.max_retries"] = o.retries
	}
	if o.timeout > 0 {
		m["policy.attempt_timeout"] = o.timeout
	}
	return m
}

func runPoll(ctx context.Context, out io.Writer, root *rootOptions, opts *pollOptions) error {
	cfg, err := root.loadConfig(opts.overrides())
	if err != nil {
		return err
	}

	sink := observe.NewAsyncSink(observe.NewLogSink(log.Logger), 0)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := sink.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry sink did not drain")
		}
	}()

	tracker, err := attribution.NewFromConfig(cfg,
		attribution.WithSink(sink),
		attribution.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}

	req := model.PollRequest{
		DeviceID:        opts.rdid,
		LimitAdTracking: opts.lat,
		AppVersion:      cfg.AppVersion,
		OSVersion:       cfg.OSVersion,
		SDKVersion:      cfg.SDKVersion,
	}
	res := tracker.Track(ctx, req, opts.lookback)

	return printResult(out, res)
}

func printResult(w io.Writer, res attribution.Result) error {
	st := res.State
	if res.Attributed() {
		_, err := fmt.Fprintf(w, "attributed\n  campaign: %s (%s)\n  ad group: %s (%s)\n  attempts: %d\n",
			res.Campaign.CampaignName, res.Campaign.CampaignID,
			res.Campaign.AdGroupName, res.Campaign.AdGroupID,
			st.Attempts)
		return err
	}

	_, err := fmt.Fprintf(w, "not attributed\n  attempts: %d\n  last outcome: %s", st.Attempts, st.LastOutcome.Kind)
	if err != nil {
		return err
	}
	if st.LastOutcome.Reason != "" {
		_, err = fmt.Fprintf(w, " (%s)", st.LastOutcome.Reason)
		if err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w)
	return err
}
