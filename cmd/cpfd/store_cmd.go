package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/cpfd"
	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/pslog"
)

func newStoreCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "store",
		Short:        "Manage the cpf and cnpj record stores",
		SilenceUsage: true,
	}
	cmd.AddCommand(newStoreInitCommand(logger))
	return cmd
}

func newStoreInitCommand(logger pslog.Logger) *cobra.Command {
	var cpfPath, cnpjPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create empty stores with the expected schema (existing tables are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cpfAbs, err := expandPath(cpfPath)
			if err != nil {
				return fmt.Errorf("expand --cpf-store: %w", err)
			}
			cnpjAbs, err := expandPath(cnpjPath)
			if err != nil {
				return fmt.Errorf("expand --cnpj-store: %w", err)
			}
			if err := lookup.InitStores(cmd.Context(), cpfAbs, cnpjAbs); err != nil {
				return err
			}
			logger.Debug("cpfd.store.initialized", "cpf", cpfAbs, "cnpj", cnpjAbs)
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\ninitialized %s\n", cpfAbs, cnpjAbs)
			return nil
		},
	}
	cmd.Flags().StringVar(&cpfPath, "cpf-store", cpfd.DefaultCPFStore, "path to the cpf record store")
	cmd.Flags().StringVar(&cnpjPath, "cnpj-store", cpfd.DefaultCNPJStore, "path to the cnpj record store")
	return cmd
}
