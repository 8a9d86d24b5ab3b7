package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/jake-scott/nest-bridge/internal/pkg/nestauth"
)

const sdmScope = "https://www.googleapis.com/auth/sdm.service"

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Perform the one-time OAuth consent flow and obtain a refresh token",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doAuthorize(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("google.sdm.client-id", "google.sdm.client-secret",
			"google.device-access.project")
	},
}

func init() {
	rootCmd.AddCommand(authorizeCmd)
}

func doAuthorize() error {
	proj := viper.GetString("google.device-access.project")

	conf := &oauth2.Config{
		ClientID:     viper.GetString("google.sdm.client-id"),
		ClientSecret: viper.GetString("google.sdm.client-secret"),
		Scopes:       []string{sdmScope},
		RedirectURL:  "https://www.google.com",
		Endpoint: oauth2.Endpoint{
			AuthURL:  fmt.Sprintf("https://nestservices.google.com/partnerconnections/%s/auth", proj),
			TokenURL: nestauth.DefaultTokenURL,
		},
	}

	url := conf.AuthCodeURL("state", oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))

	fmt.Printf("Visit this URL in a browser and approve access:\n\n  %s\n\n", url)
	fmt.Printf("After approval you will be redirected to google.com; copy the `code`\n")
	fmt.Printf("parameter from the redirected URL and paste it here.\n\n")
	fmt.Printf("Code: ")

	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)

	tok, err := conf.Exchange(context.Background(), code)
	if err != nil {
		return err
	}

	fmt.Printf("\nRefresh token:\n\n  %s\n\n", tok.RefreshToken)
	fmt.Printf("Configure this as google.sdm.refresh-token (or the Domoticz hardware\n")
	fmt.Printf("settings) for the run command.\n")

	if path := viper.GetString("google.sdm.credential-file"); path != "" {
		cred := nestauth.Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		}
		if err := nestauth.SaveSnapshot(path, cred, tok.Expiry); err != nil {
			return err
		}
		fmt.Printf("\nSaved credential snapshot to %s\n", path)
	}

	return nil
}
