package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "flagdeck",
		Short: "Operator console for feature flags",
		Long: `flagdeck is a server-rendered console for browsing and editing the
feature flags held by a flags backend. Operators sign in through an OAuth2
identity provider; the console keeps their backend session in an encrypted
cookie.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "flagdeck version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newPKCECmd())
	return root
}
