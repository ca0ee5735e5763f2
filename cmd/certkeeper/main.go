package main

import (
	"fmt"
	"os"

	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/ossignal"
	"github.com/spf13/cobra"
)

func main() {
	app := &cobra.Command{
		Use:     os.Args[0],
		Short:   "Cert Keeper obtains and renews the TLS certificate of a proxied domain",
		Version: dynversion.Version,
	}

	app.AddCommand(obtainEntry())
	app.AddCommand(renewEntry())
	app.AddCommand(statusEntry())
	app.AddCommand(recoverEntry())
	app.AddCommand(exportEntry())
	app.AddCommand(configDisplayEntry())

	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func obtainEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "obtain",
		Short: "Obtain the first certificate (skipped if one exists)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			k := mustBuild()

			exitWith(k.orchestrator.Obtain(ossignal.InterruptOrTerminateBackgroundCtx(k.logger)))
		},
	}
}

func renewEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Renew the certificate (the ACME client decides whether it is due)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			k := mustBuild()

			exitWith(k.orchestrator.Renew(ossignal.InterruptOrTerminateBackgroundCtx(k.logger)))
		},
	}
}

func statusEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show certificate and proxy config status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			k := mustBuild()

			if err := k.status(os.Stdout); err != nil {
				exitWith(ckdomain.Failed(err))
			}
		},
	}
}

func recoverEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Restore proxy config left behind by an interrupted run",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			k := mustBuild()

			if err := k.orchestrator.Recover(); err != nil {
				exitWith(ckdomain.Failed(err))
			}

			fmt.Printf("state: %s\n", k.orchestrator.State())
		},
	}
}

func exportEntry() *cobra.Command {
	pubKeyPath := "backup.pub"

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of the bundle, private key encrypted to an RSA public key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			k := mustBuild()

			if err := k.export(pubKeyPath, os.Stdout); err != nil {
				exitWith(ckdomain.Failed(err))
			}
		},
	}

	cmd.Flags().StringVarP(&pubKeyPath, "pubkey", "k", pubKeyPath, "PEM (PKCS #1) RSA public key to encrypt with")

	return cmd
}

func configDisplayEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "conf-display",
		Short: "Display effective configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := loadConfig()
			if err != nil {
				exitWith(ckdomain.Failed(err))
			}

			if err := displayConfig(conf, os.Stdout); err != nil {
				exitWith(ckdomain.Failed(err))
			}
		},
	}
}

func mustBuild() *keeper {
	conf, err := loadConfig()
	if err != nil {
		exitWith(ckdomain.Failed(err))
	}

	k, err := build(conf, logex.StandardLogger())
	if err != nil {
		exitWith(ckdomain.Failed(err))
	}

	return k
}

func exitWith(result ckdomain.OperationResult) {
	if result.Ok() {
		fmt.Println(result.String())
	} else {
		fmt.Fprintln(os.Stderr, result.String())
	}

	os.Exit(result.ExitCode())
}
