package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/session"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if !cfg.Session.Enabled {
			fmt.Println("Session persistence is disabled.")
			return nil
		}

		store, err := session.NewSQLiteStore(cfg.Session.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		rooms, err := store.Rooms(cmd.Context())
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			fmt.Println("No stored rooms.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM\tMESSAGES\tUPDATED")
		for _, r := range rooms {
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.RoomID, r.MessageCount, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
}
