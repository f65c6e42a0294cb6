package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stl311/stl311sync/internal/config"
	"github.com/stl311/stl311sync/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stl311sync",
	Short: "Keeps a spatial store of St. Louis 311 service requests in sync.",
	Long: `stl311sync pulls service requests from the City of St. Louis 311 API, validates
and normalizes them, reconciles them into a spatial store and republishes the
map layer. Run it one-shot from cron or as a long-lived service with its own scheduler.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stl311.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy for source API calls (Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().String("logformat", "text", "Log output format: text or json")
	rootCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (overrides store.path)")

	viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("dbpath"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".stl311")
		viper.SetConfigType("yaml")
	}

	config.BindEnv(viper.GetViper())

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := filepath.Join(home, ".stl311.yaml")
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s\n", err)
			}
		} else {
			fmt.Printf("Error reading config file: %s\n", err)
			os.Exit(1)
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	if err := utils.SetLogLevel(levelString); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	formatString, _ := rootCmd.PersistentFlags().GetString("logformat")
	utils.SetLogFormat(formatString)
}

// loadConfig returns the validated settings for the current invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}
