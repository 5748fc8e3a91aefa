package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vendortools/miscwriter/miscwriter"
)

// dumpCmd prints the current contents of every vendor space slot.
var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Display the vendor flags currently set in the misc partition",
	Long: `Display the vendor flags currently set in the misc partition.
Slots that hold no record are shown as <clear>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		slots, err := miscwriter.ReadSlots(viper.GetString("misc-path"))
		if err != nil {
			log.WithFields(logrus.Fields{
				"error": err,
			}).Error("couldn't read vendor space")
			return err
		}
		for _, slot := range slots {
			value := slot.Value
			if value == "" {
				value = "<clear>"
			}
			fmt.Printf("%4d  %-18s %s\n", slot.Offset, slot.Name, value)
		}
		return nil
	},
}
