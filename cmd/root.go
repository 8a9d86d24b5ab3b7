package cmd

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
)

var _rootCmdOpts struct {
	cfgFile string
	debug   bool

	clientID     string
	clientSecret string
	projectID    string
	refreshToken string
	snapshotFile string
}

var rootCmd = &cobra.Command{
	Use:   "nest-bridge",
	Short: "Bridge Google Nest devices into a home automation host",

	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the selected sub-command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.cfgFile, "config", "", "config file (default is $HOME/.nest-bridge.yaml)")
	rootCmd.PersistentFlags().BoolVar(&_rootCmdOpts.debug, "debug", false, "enable debug logging")

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.clientID, "sdm-clientid", "", "oauth Client ID from the Device Access project")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.clientSecret, "sdm-clientsecret", "", "oauth Client Secret from the Device Access project")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.projectID, "sdm-project", "", "Device Access project ID")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.refreshToken, "sdm-refresh-token", "", "oauth refresh token obtained from the authorize command")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.snapshotFile, "credential-file", "", "File to stash the credential snapshot")

	errPanic(viper.GetViper().BindPFlag("logging.debug", rootCmd.PersistentFlags().Lookup("debug")))
	errPanic(viper.GetViper().BindPFlag("google.sdm.client-id", rootCmd.PersistentFlags().Lookup("sdm-clientid")))
	errPanic(viper.GetViper().BindPFlag("google.sdm.client-secret", rootCmd.PersistentFlags().Lookup("sdm-clientsecret")))
	errPanic(viper.GetViper().BindPFlag("google.device-access.project", rootCmd.PersistentFlags().Lookup("sdm-project")))
	errPanic(viper.GetViper().BindPFlag("google.sdm.refresh-token", rootCmd.PersistentFlags().Lookup("sdm-refresh-token")))
	errPanic(viper.GetViper().BindPFlag("google.sdm.credential-file", rootCmd.PersistentFlags().Lookup("credential-file")))
}

func initConfig() {
	if _rootCmdOpts.cfgFile != "" {
		viper.SetConfigFile(_rootCmdOpts.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".nest-bridge")
	}

	viper.SetEnvPrefix("NESTBRIDGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	if viper.GetBool("logging.debug") {
		viper.Set("logging.level", "debug")
	}

	errPanic(logging.Configure(viper.GetViper()))
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}
