package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/mirror/config"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/api"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/audio"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/control"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/device"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/installer"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/session"
	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/video"
)

type ConnectOptions struct {
	Serial      string
	NoVideo     bool
	NoAudio     bool
	NoControl   bool
	VideoCodec  string
	AudioCodec  string
	MaxSize     int
	AudioOutput string
	ScreenOff   bool
	Dedup       string
	Serve       string
}

func NewConnectCommand() *cobra.Command {
	opts := &ConnectOptions{}

	cmd := &cobra.Command{
		Use:   "connect [flags]",
		Short: "Start mirroring a device",
		Long: `Push and start the mirroring server on a device, then open the video, audio and control
streams. Runs in the foreground until interrupted or the device goes away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteConnect(cmd.Context(), opts)
		},
		Example: `  # Mirror the only attached device:
  mirror connect

  # Control only, screen off, with the automation server on the default address:
  mirror connect --serial emulator-5554 --no-video --no-audio --screen-off --serve

  # H.265 video and raw PCM written to a file:
  mirror connect --video-codec h265 --audio-codec raw --audio-output out.pcm`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Serial, "serial", "s", "", "Device serial (required with more than one device)")
	flags.BoolVar(&opts.NoVideo, "no-video", false, "Do not open the video stream")
	flags.BoolVar(&opts.NoAudio, "no-audio", false, "Do not open the audio stream")
	flags.BoolVar(&opts.NoControl, "no-control", false, "Do not open the control stream")
	flags.StringVar(&opts.VideoCodec, "video-codec", config.VideoCodec(), "Video codec: h264, h265 or av1")
	flags.StringVar(&opts.AudioCodec, "audio-codec", config.AudioCodec(), "Audio codec: opus, aac, flac or raw")
	flags.IntVarP(&opts.MaxSize, "max-size", "m", config.VideoMaxSize(), "Limit both video dimensions to this value (0 means no limit)")
	flags.StringVar(&opts.AudioOutput, "audio-output", config.AudioOutput(), "Write the audio stream to this file, \"-\" for stdout")
	flags.BoolVar(&opts.ScreenOff, "screen-off", false, "Turn the device screen off once control is up")
	flags.StringVar(&opts.Dedup, "dedup", config.ControlDedup(), "Drop repeated control packets: all or idempotent")
	flags.StringVar(&opts.Serve, "serve", "", "Serve the automation API on this address")
	flags.Lookup("serve").NoOptDefVal = config.APIAddr()

	cmd.RegisterFlagCompletionFunc("video-codec", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"h264", "h265", "av1"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("audio-codec", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"opus", "aac", "flac", "raw"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("dedup", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"all", "idempotent"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("serial", completeSerials)
	return cmd
}

func completeSerials(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	devices, err := device.ListDevices(ctx, adbPath())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var serials []string
	for _, d := range devices {
		if d.Online() {
			serials = append(serials, d.Serial)
		}
	}
	return serials, cobra.ShellCompDirectiveNoFileComp
}

// adbPath is the configured adb, else the one found in PATH or the Android SDK.
func adbPath() string {
	if p := config.ADBPath(); p != "" {
		return p
	}
	return installer.FindADB()
}

// sessionOptions merges the configuration and the command flags.
func (o *ConnectOptions) sessionOptions() (session.Options, error) {
	opts := session.Options{
		ServerVersion:   config.ServerVersion(),
		ServerJar:       config.ServerJar(),
		LogLevel:        config.ServerLogLevel(),
		Port:            config.TunnelPort(),
		ConnectTimeout:  config.ConnectTimeout(),
		ConnectAttempts: config.ConnectAttempts(),
		ConnectInterval: config.ConnectInterval(),
		WatchDevice:     true,
		DeviceMeta:      true,

		HandshakeTimeout: config.HandshakeTimeout(),
	}

	if !o.NoVideo {
		opts.Video = &video.Options{
			Codec:      o.VideoCodec,
			BufferSize: config.VideoBufferSize(),
			MaxSize:    o.MaxSize,
		}
	}
	if !o.NoAudio {
		opts.Audio = &audio.Options{
			Codec:        o.AudioCodec,
			OutputDevice: o.AudioOutput,
		}
		if o.AudioOutput != "" {
			opts.Audio.SinkFactory = audio.FileSinkFactory
		}
	}
	if !o.NoControl {
		dedup, err := control.ParseDedupPolicy(o.Dedup)
		if err != nil {
			return opts, err
		}
		opts.Control = &control.Options{
			QueueSize:         config.ControlQueueSize(),
			Dedup:             dedup,
			Clipboard:         control.SystemClipboard{},
			ClipboardAutosync: true,
			ScreenOff:         o.ScreenOff,
		}
	}
	if opts.Video == nil && opts.Audio == nil && opts.Control == nil {
		return opts, fmt.Errorf("nothing to connect: video, audio and control are all disabled")
	}
	return opts, nil
}

func ExecuteConnect(ctx context.Context, opts *ConnectOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sessOpts, err := opts.sessionOptions()
	if err != nil {
		return err
	}
	if sessOpts.ServerJar == "" {
		// nothing configured and nothing installed yet
		jar, err := installer.NewDownloader(config.DataDir()).EnsureServer(ctx, sessOpts.ServerVersion)
		if err != nil {
			return fmt.Errorf("no server jar configured and download failed: %v", err)
		}
		sessOpts.ServerJar = jar
	}

	bridge, err := device.NewBridge(device.BridgeOptions{
		Serial:     opts.Serial,
		ADBPath:    adbPath(),
		ADBPort:    config.ADBPort(),
		RemotePath: config.ServerRemotePath(),
	})
	if err != nil {
		return fmt.Errorf("failed to reach device: %v", err)
	}

	sess := session.New(bridge, sessOpts)

	connectCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	err = sess.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", bridge.Serial(), err)
	}
	defer sess.Disconnect()

	printReadiness(sess)

	if opts.Serve != "" {
		srv := api.NewServer(opts.Serve, sess)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
		fmt.Printf("\nAutomation API listening at: %s\n", color.CyanString("ws://%s/ws", srv.Addr()))
	}

	fmt.Printf("(Running in foreground. Press %s to disconnect.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		fmt.Println("\nDisconnecting...")
	case <-sess.Done():
		fmt.Println(color.YellowString("\nDevice %s went away.", bridge.Serial()))
	case <-ctx.Done():
	}
	return nil
}

func printReadiness(sess *session.Session) {
	label := color.New(color.FgCyan).Sprint(sess.Serial())
	if name := sess.DeviceName(); name != "" {
		label += " " + color.New(color.Faint).Sprintf("[%s]", name)
	}
	fmt.Printf("Connected to %s (session %s)\n", label, sess.ID())

	streams := []struct {
		name    string
		enabled bool
		ready   bool
		detail  string
	}{
		{"video", sess.Video() != nil, sess.IsVideoReady(), ""},
		{"audio", sess.Audio() != nil, sess.IsAudioReady(), ""},
		{"control", sess.Control() != nil, sess.IsControlReady(), ""},
	}
	if v := sess.Video(); v != nil && v.IsReady() {
		c := v.Coordinate()
		streams[0].detail = fmt.Sprintf("%s %dx%d", v.Options().Codec, c.Width, c.Height)
	}
	if a := sess.Audio(); a != nil && a.IsReady() {
		streams[1].detail = a.Options().Codec
	}

	for _, s := range streams {
		var state string
		switch {
		case !s.enabled:
			state = color.New(color.Faint).Sprint("disabled")
		case s.ready:
			state = color.New(color.FgGreen).Sprint("ready")
		default:
			state = color.New(color.FgRed).Sprint("failed")
		}
		line := fmt.Sprintf("  %-8s %s", s.name, state)
		if s.detail != "" {
			line += " " + color.New(color.Faint).Sprintf("(%s)", s.detail)
		}
		fmt.Println(line)
	}
}
