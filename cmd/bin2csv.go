package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"sleepywoodpecker/adcstream/internal/processing"
	"sleepywoodpecker/adcstream/internal/rawdump"
)

func newBin2CSVCommand() *cobra.Command {
	var (
		millivolts bool
		reference  float64
		fullScale  int
	)

	cmd := &cobra.Command{
		Use:   "bin2csv <input.bin> <output.csv>",
		Short: "Convert a raw dump of big endian 32 bit codes to one value per line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, out.Close())
			}()

			n, err := rawdump.Convert(in, out, rawdump.Options{
				Millivolts: millivolts,
				Converter:  processing.Converter{FullScaleCodes: fullScale, ReferenceVoltage: reference},
			})
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d values to %s\n", n, args[1])
			return err
		},
	}

	cmd.Flags().BoolVar(&millivolts, "mv", false, "write millivolts instead of raw codes")
	cmd.Flags().Float64Var(&reference, "vref", processing.DefaultReferenceVoltage, "reference voltage used with --mv")
	cmd.Flags().IntVar(&fullScale, "full-scale", processing.DefaultFullScaleCodes, "full scale code count used with --mv")
	return cmd
}
