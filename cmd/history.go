package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"barista/internal/report"
	"barista/internal/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List previous runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			item, err := store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(report.Item(item))
			return nil
		}
		items, err := store.List()
		if err != nil {
			return err
		}
		fmt.Println(report.History(items))
		return nil
	},
}
