package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an access token for the configured service account",
		Long: `Exchange a signed assertion for an access token and print it.

The token is cached in memory and, unless disabled, on disk so repeated
invocations reuse it until it expires. Use --info to print the token type
and expiry without the secret value.`,
		Args: cobra.NoArgs,
		RunE: runToken,
	}

	cmd.Flags().StringSlice("scopes", nil, "scopes to request instead of the configured ones")
	cmd.Flags().Bool("info", false, "print metadata only, not the token value")

	return cmd
}

type tokenOutput struct {
	AccessToken string    `json:"access_token,omitempty"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int64     `json:"expires_in"`
}

func runToken(cmd *cobra.Command, _ []string) error {
	scopes, err := cmd.Flags().GetStringSlice("scopes")
	if err != nil {
		return err
	}

	infoOnly, err := cmd.Flags().GetBool("info")
	if err != nil {
		return err
	}

	return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
		ctx, cancel := withRequestTimeout(ctx, cc)
		defer cancel()

		var tok auth.AccessToken
		if len(scopes) > 0 {
			tok, err = rt.coord.AccessTokenForScopes(ctx, scopes)
		} else {
			tok, err = rt.coord.AccessToken(ctx)
		}

		if err != nil {
			return err
		}

		out := tokenOutput{
			TokenType: tok.Type,
			ExpiresAt: tok.Expiry.UTC(),
			ExpiresIn: int64(time.Until(tok.Expiry).Seconds()),
		}

		if !infoOnly {
			out.AccessToken = tok.Value
		}

		if cc.Flags.JSON {
			return printJSON(cc.Out, out)
		}

		if infoOnly {
			fmt.Fprintf(cc.Out, "%s token, expires %s (in %s)\n",
				out.TokenType, out.ExpiresAt.Format(time.RFC3339), time.Until(tok.Expiry).Round(time.Second))

			return nil
		}

		fmt.Fprintln(cc.Out, tok.Value)

		return nil
	})
}
