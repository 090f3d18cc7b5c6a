package main

import (
	"fmt"
	"time"

	"github.com/mxcrypt/cryptocore/internal/store"
)

type requestsCommand struct {
	All bool `long:"all" description:"Include cancelled requests"`
}

func (cmd *requestsCommand) Execute(args []string) error {
	m := loadMachine()
	defer m.Close()

	states := []store.RequestState{
		store.RequestUnsent,
		store.RequestSent,
		store.RequestCancellationPending,
	}
	if cmd.All {
		states = append(states, store.RequestCancelled)
	}

	reqs, err := m.Store().OutgoingRoomKeyRequestsInStates(states...)
	if err != nil {
		return err
	}
	fmt.Printf("Outgoing key requests (%d):\n", len(reqs))
	for _, req := range reqs {
		created := time.UnixMilli(req.CreationTs).Format("2006-01-02 15:04")
		fmt.Printf("  %s %-20s room=%s session=%s replies=%d created=%s\n",
			req.RequestID, req.State, req.Body.RoomID, req.Body.SessionID,
			len(req.Replies), created)
	}
	return nil
}
