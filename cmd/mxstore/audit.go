package main

import (
	"encoding/json"
	"os"
)

type auditCommand struct {
	Limit int `short:"n" long:"limit" description:"Maximum number of entries" default:"100"`
}

// Execute writes audit entries as JSON lines, newest first.
func (cmd *auditCommand) Execute(args []string) error {
	m := loadMachine()
	defer m.Close()

	entries, err := m.Store().AuditTrail(cmd.Limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}
