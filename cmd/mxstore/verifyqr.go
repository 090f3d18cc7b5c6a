package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/google/uuid"
	qrterminal "github.com/mdp/qrterminal/v3"
)

type verifyQRCommand struct {
	OtherUser   string `long:"other-user" description:"User id to verify (defaults to own account)"`
	OtherDevice string `long:"other-device" description:"Device id to verify" required:"true"`
}

func (cmd *verifyQRCommand) Execute(args []string) error {
	m := loadMachine()
	defer m.Close()

	otherUser := cmd.OtherUser
	if otherUser == "" {
		otherUser = opts.User
	}
	transactionID := uuid.NewString()

	payload, err := m.Verifier().QRPayload(otherUser, cmd.OtherDevice, transactionID)
	if err != nil {
		return err
	}

	fmt.Printf("Scan this code with %s to verify:\n\n", cmd.OtherDevice)
	qrterminal.GenerateWithConfig(base64.StdEncoding.EncodeToString(payload), qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
	})
	fmt.Printf("\nTransaction: %s\n", transactionID)
	return nil
}
