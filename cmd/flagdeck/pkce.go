package main

import (
	"errors"
	"fmt"

	"github.com/mnehpets/flagdeck/pkce"
	"github.com/spf13/cobra"
)

func newPKCECmd() *cobra.Command {
	var verifier string
	cmd := &cobra.Command{
		Use:   "pkce",
		Short: "Print a PKCE verifier and its S256 challenge",
		Long: `Prints a fresh PKCE verifier and its S256 challenge, or with --verifier
the challenge of a given verifier. Useful for exercising an identity provider
or the backend exchange by hand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pair pkce.Pair
			if verifier != "" {
				v := pkce.Verifier(verifier)
				if !v.Valid() {
					return errors.New("verifier must be 43-128 unreserved characters")
				}
				pair = pkce.Pair{Verifier: v, Challenge: pkce.DeriveChallenge(v), Method: pkce.Method}
			} else {
				var err error
				if pair, err = pkce.New(); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "code_verifier=%s\n", pair.Verifier)
			fmt.Fprintf(out, "code_challenge=%s\n", pair.Challenge)
			fmt.Fprintf(out, "code_challenge_method=%s\n", pair.Method)
			return nil
		},
	}
	cmd.Flags().StringVar(&verifier, "verifier", "", "derive the challenge of this verifier instead of generating one")
	return cmd
}
