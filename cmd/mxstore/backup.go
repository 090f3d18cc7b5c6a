package main

import "fmt"

type backupCommand struct {
	Limit int  `short:"n" long:"limit" description:"Maximum number of pending sessions to list" default:"20"`
	Reset bool `long:"reset" description:"Clear all backup markers"`
}

func (cmd *backupCommand) Execute(args []string) error {
	m := loadMachine()
	defer m.Close()

	if cmd.Reset {
		if err := m.Backup().Reset(); err != nil {
			return err
		}
		fmt.Println("Backup markers cleared")
		return nil
	}

	version, err := m.Backup().Version()
	if err != nil {
		return err
	}
	if version == "" {
		version = "(none)"
	}
	fmt.Printf("Backup version: %s\n", version)

	pending, err := m.Backup().Pending(cmd.Limit)
	if err != nil {
		return err
	}
	fmt.Printf("Pending sessions (%d shown):\n", len(pending))
	for _, rec := range pending {
		fmt.Printf("  %s room=%s\n", rec.SessionID, rec.RoomID)
	}
	return nil
}
