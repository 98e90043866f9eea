package main

import (
	"fmt"
	"strings"

	"github.com/dkeye/Rally/internal/config"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to peer config keys.
var flagKeys = map[string]string{
	"signal":       "signaling_url",
	"name":         "name",
	"ice":          "ice_servers",
	"loopback":     "loopback_candidates",
	"capacity":     "room_capacity",
	"step-timeout": "step_timeout",
	"one-answer":   "one_input_per_step",
	"tick":         "tick_interval",
}

type options struct {
	rounds  int
	verbose bool
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	config.SetPeerDefaults(v)
	// The quiz counts one answer per player and round.
	v.SetDefault("one_input_per_step", true)

	opts := &options{}
	root := &cobra.Command{
		Use:           "rally-peer",
		Short:         "Host or join a Rally room from the terminal.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	fs := root.PersistentFlags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.String("signal", v.GetString("signaling_url"), "signaling websocket url (env: RALLY_SIGNALING_URL)")
	fs.StringP("name", "n", v.GetString("name"), "display name (env: RALLY_NAME)")
	fs.StringSlice("ice", v.GetStringSlice("ice_servers"), "STUN/TURN urls (env: RALLY_ICE_SERVERS)")
	fs.Bool("loopback", v.GetBool("loopback_candidates"), "gather loopback candidates, for two peers on one machine")
	fs.Int("capacity", v.GetInt("room_capacity"), "room size when hosting, 2-4")
	fs.Duration("step-timeout", v.GetDuration("step_timeout"), "time limit per round")
	fs.Bool("one-answer", v.GetBool("one_input_per_step"), "accept one answer per player per round")
	fs.Duration("tick", v.GetDuration("tick_interval"), "host simulation tick")
	fs.IntVarP(&opts.rounds, "rounds", "r", 5, "rounds per game when hosting")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	for flag, key := range flagKeys {
		_ = v.BindPFlag(key, fs.Lookup(flag))
	}

	load := func() (*config.Peer, error) {
		return config.LoadPeer(v)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "host",
			Short: "Create a room and host the game",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return run(cmd.Context(), cfg, opts, "")
			},
		},
		&cobra.Command{
			Use:   "join ROOM",
			Short: "Join a room by its code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := domain.ParseRoomID(args[0])
				if err != nil {
					return fmt.Errorf("room code %q: %w", args[0], err)
				}
				cfg, err := load()
				if err != nil {
					return err
				}
				return run(cmd.Context(), cfg, opts, id)
			},
		},
	)
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{Hidden: true})
	return root
}
