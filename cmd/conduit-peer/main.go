package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ssd-technologies/conduit/internal/client"
	"github.com/ssd-technologies/conduit/internal/logging"
)

var (
	brokerURL string
	logLevel  string
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "conduit-peer",
	Short:        "share and fetch files through a conduit broker",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Options{Level: logLevel, Out: os.Stderr})
		return err
	},
}

func init() {
	defaultBroker := os.Getenv("CONDUIT_BROKER")
	if defaultBroker == "" {
		defaultBroker = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", defaultBroker, "broker base URL (env CONDUIT_BROKER)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	getCmd.Flags().StringP("output", "o", "", "output path (default: the shared filename)")
	unshareCmd.Flags().String("token", "", "owner token returned by share")
	unshareCmd.MarkFlagRequired("token")
	shareCmd.Flags().Duration("heartbeat", client.DefaultHeartbeatInterval, "heartbeat interval")

	rootCmd.AddCommand(shareCmd, getCmd, infoCmd, statsCmd, unshareCmd)
}

func newClient() *client.Client {
	return client.New(brokerURL, nil)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var shareCmd = &cobra.Command{
	Use:   "share file",
	Short: "share a file and serve it until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		interval, _ := cmd.Flags().GetDuration("heartbeat")

		ctx, stop := signalContext()
		defer stop()

		c := newClient()
		sh, err := c.Share(ctx, filepath.Base(path), fi.Size())
		if err != nil {
			return fmt.Errorf("creating share: %w", err)
		}
		fmt.Printf("Sharing %s (%s)\n", filepath.Base(path), humanize.IBytes(uint64(fi.Size())))
		fmt.Printf("  share id:    %s\n", sh.ShareID)
		fmt.Printf("  owner token: %s\n", sh.OwnerToken)
		fmt.Printf("  download:    %s/download/%s\n", brokerURL, sh.ShareID)

		seeder, err := client.NewSeeder(client.SeederOptions{
			Client:            c,
			Seeds:             []client.Seed{{ShareID: sh.ShareID, OwnerToken: sh.OwnerToken, Path: path}},
			HeartbeatInterval: interval,
			Logger:            logger,
		})
		if err != nil {
			return err
		}
		runErr := seeder.Run(ctx)

		// Best effort: the reaper removes the share anyway once heartbeats stop.
		unshareCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Unshare(unshareCtx, sh.ShareID, sh.OwnerToken); err != nil {
			logger.Warn("unshare failed", "share", sh.ShareID, "error", err)
		}
		return runErr
	},
}

var getCmd = &cobra.Command{
	Use:   "get share-id",
	Short: "download a shared file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		c := newClient()
		info, err := c.Info(ctx, args[0])
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = filepath.Base(info.Filename)
		}

		f, err := os.Create(out)
		if err != nil {
			return err
		}
		bar := progressbar.DefaultBytes(info.Size, "downloading "+info.Filename)
		n, err := c.Download(ctx, info.ShareID, io.MultiWriter(f, bar))
		bar.Finish()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
			return err
		}
		fmt.Printf("Saved %s (%s)\n", out, humanize.IBytes(uint64(n)))
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info share-id",
	Short: "show a share's file metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n  size: %s\n  type: %s\n", info.Filename, humanize.IBytes(uint64(info.Size)), info.Type)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats share-id",
	Short: "show a share's transfer statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Stats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", st.Filename, humanize.IBytes(uint64(st.Size)))
		fmt.Printf("  created:        %s\n", humanize.Time(st.CreatedAt))
		if st.LastHeartbeatAt != nil {
			fmt.Printf("  last heartbeat: %s\n", humanize.Time(*st.LastHeartbeatAt))
		} else {
			fmt.Printf("  last heartbeat: never\n")
		}
		fmt.Printf("  active streams: %d\n", st.ActiveStreams)
		if t := st.Telemetry; t != nil {
			fmt.Printf("  uploads:        %d (%s)\n", t.UploadCount, humanize.IBytes(uint64(t.TotalUploadBytes)))
			fmt.Printf("  downloads:      %d (%s)\n", t.DownloadCount, humanize.IBytes(uint64(t.TotalDownloadBytes)))
			fmt.Printf("  speed:          avg %.2f Mbps, max %.2f Mbps, min %.2f Mbps\n",
				t.AverageSpeedMbps, t.MaxSpeedMbps, t.MinSpeedMbps)
		}
		return nil
	},
}

var unshareCmd = &cobra.Command{
	Use:   "unshare share-id",
	Short: "remove a share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if err := newClient().Unshare(cmd.Context(), args[0], token); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
