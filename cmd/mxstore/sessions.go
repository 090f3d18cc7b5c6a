package main

import (
	"fmt"
	"time"
)

type sessionsCommand struct {
	Room string `long:"room" description:"Room id to list group sessions for" required:"true"`
}

func (cmd *sessionsCommand) Execute(args []string) error {
	m := loadMachine()
	defer m.Close()

	recs, err := m.Store().GetInboundGroupSessionsForRoom(cmd.Room)
	if err != nil {
		return err
	}
	fmt.Printf("Inbound group sessions for %s (%d):\n", cmd.Room, len(recs))
	for _, rec := range recs {
		backed := " "
		if rec.BackedUp {
			backed = "b"
		}
		fmt.Printf("  [%s] %s sender=%s\n", backed, rec.SessionID, rec.SenderKey)
	}

	if out, err := m.Store().GetOutboundGroupSession(cmd.Room); err == nil && out != nil {
		created := time.UnixMilli(out.CreationTs).Format("2006-01-02 15:04")
		fmt.Printf("Outbound session: %s created=%s sharedHistory=%v\n",
			out.SessionID, created, out.SharedHistory)
	}
	return nil
}
