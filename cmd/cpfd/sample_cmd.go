package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/cpfd"
	"pkt.systems/cpfd/internal/lookup"
)

func newSampleCommand() *cobra.Command {
	var cpfPath, cnpjPath string
	var count int
	var asJSON bool
	cmd := &cobra.Command{
		Use:          "sample",
		Short:        "Print random CPF/name pairs from the cpf store (load-test input)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return fmt.Errorf("--count must not be negative")
			}
			opener, err := lookup.NewSQLiteOpener(lookup.SQLiteConfig{CPFPath: cpfPath, CNPJPath: cnpjPath})
			if err != nil {
				return err
			}
			samples, err := opener.Sample(cmd.Context(), count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				type row struct {
					CPF  string `json:"cpf"`
					Name string `json:"nome"`
				}
				rows := make([]row, 0, len(samples))
				for _, s := range samples {
					rows = append(rows, row{CPF: s.CPF, Name: s.Name})
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			for _, s := range samples {
				if _, err := fmt.Fprintf(out, "%s\t%s\n", s.CPF, s.Name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cpfPath, "cpf-store", cpfd.DefaultCPFStore, "path to the cpf record store")
	cmd.Flags().StringVar(&cnpjPath, "cnpj-store", cpfd.DefaultCNPJStore, "path to the cnpj record store")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of pairs to print")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array instead of tab-separated lines")
	return cmd
}
