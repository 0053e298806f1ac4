package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiesman99/untile/internal/join"
	"github.com/kiesman99/untile/internal/untiler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "untile SOURCE OUTPUT_FILE",
	Short: "Download and losslessly reassemble a Zoomify image",
	Long: `untile takes a URL containing a page with a Zoomify object, a Zoomify base
directory or a list of these, downloads all tiles of the requested zoom level
and joins them back into the full-resolution image without any loss of
quality. Joining is delegated to a jpegtran build with the lossless
crop 'n' drop feature.

Examples:
  # Reconstruct the image embedded in a page
  untile http://example.com/gallery/item.html out.jpg

  # The source is already a Zoomify base directory
  untile -b http://example.com/tiles/item/ out.jpg

  # Batch mode: one "source [filename]" pair per line
  untile -l pages.list out.jpg

  # Pick a zoom level, keep the tiles, use 32 parallel downloads
  untile -z 2 -s -t 32 http://example.com/gallery/item.html out.jpg

  # Re-join previously stored tiles without downloading
  untile -x http://example.com/gallery/item.html out.jpg

  # Start the HTTP API
  untile serve --port 8080`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected SOURCE and OUTPUT_FILE, got %d argument(s)", len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no args, show help
		if len(args) == 0 {
			return cmd.Help()
		}
		return runUntile(cmd, args)
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.untile.yaml)")

	// Source interpretation
	rootCmd.Flags().BoolP("base", "b", false, "SOURCE is the base directory of the Zoomify tile structure")
	rootCmd.Flags().BoolP("list", "l", false, "batch mode: SOURCE is a local file with 'source [filename]' pairs, one per line")

	// Tile options
	rootCmd.Flags().IntP("zoom", "z", -1, "zoom level to grab the image at (default: maximum)")
	rootCmd.Flags().BoolP("store", "s", false, "keep tiles in a local directory named after the output file instead of a temp directory")
	rootCmd.Flags().BoolP("no-download", "x", false, "join previously stored tiles (-s) without downloading (implies -s)")
	rootCmd.Flags().IntP("threads", "t", 16, "number of simultaneous tile downloads")

	// Joining options
	rootCmd.Flags().StringP("jpegtran", "j", "", "location of the jpegtran executable (default: next to the untile binary)")
	rootCmd.Flags().StringP("algorithm", "a", join.StrategyColumn, "join strategy (classic|column); column is much faster for large images")

	rootCmd.Flags().CountP("verbose", "v", "increase verbosity (-vv for more)")

	// Bind flags to viper for root command
	viper.BindPFlag("base", rootCmd.Flags().Lookup("base"))
	viper.BindPFlag("list", rootCmd.Flags().Lookup("list"))
	viper.BindPFlag("zoom", rootCmd.Flags().Lookup("zoom"))
	viper.BindPFlag("store", rootCmd.Flags().Lookup("store"))
	viper.BindPFlag("no-download", rootCmd.Flags().Lookup("no-download"))
	viper.BindPFlag("threads", rootCmd.Flags().Lookup("threads"))
	viper.BindPFlag("jpegtran", rootCmd.Flags().Lookup("jpegtran"))
	viper.BindPFlag("algorithm", rootCmd.Flags().Lookup("algorithm"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".untile" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".untile")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func runUntile(cmd *cobra.Command, args []string) error {
	opts := &untiler.Options{
		Source:     args[0],
		Output:     args[1],
		Base:       viper.GetBool("base"),
		List:       viper.GetBool("list"),
		Store:      viper.GetBool("store"),
		NoDownload: viper.GetBool("no-download"),
		ZoomLevel:  viper.GetInt("zoom"),
		ZoomSet:    cmd.Flags().Changed("zoom"),
		Threads:    viper.GetInt("threads"),
		Jpegtran:   viper.GetString("jpegtran"),
		Strategy:   viper.GetString("algorithm"),
		Verbosity:  viper.GetInt("verbose"),
	}

	switch opts.Strategy {
	case join.StrategyClassic, join.StrategyColumn:
	default:
		return fmt.Errorf("unknown join strategy: %s (options: classic, column)", opts.Strategy)
	}

	u, err := untiler.New(opts)
	if err != nil {
		return err
	}

	// An interrupt cancels the run; in-flight jpegtran processes are killed
	// and temporary files removed before the error propagates.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := u.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("interrupted")
		}
		return err
	}
	return nil
}
