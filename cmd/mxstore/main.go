// Command mxstore inspects and maintains a local encryption store.
//
// Usage:
//
//	mxstore sessions --room <id>     List group sessions for a room
//	mxstore requests                 List outgoing key requests
//	mxstore audit                    Export the audit trail as JSON lines
//	mxstore tidy                     Run the retention sweep
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	cryptocore "github.com/mxcrypt/cryptocore"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to store database file"`
	User    string `short:"u" long:"user" description:"User id of the account (e.g. @alice:example.org)" required:"true"`
	Device  string `short:"d" long:"device" description:"Device id of the account" required:"true"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Sessions sessionsCommand `command:"sessions" description:"List stored group sessions"`
	Requests requestsCommand `command:"requests" description:"List outgoing room key requests"`
	Audit    auditCommand    `command:"audit" description:"Export the audit trail as JSON lines"`
	Tidy     tidyCommand     `command:"tidy" description:"Delete aged-out requests and audit entries"`
	Backup   backupCommand   `command:"backup" description:"Show key backup status and pending sessions"`
	VerifyQR verifyQRCommand `command:"verify-qr" description:"Render a verification QR code for another device"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadMachine() *cryptocore.Machine {
	var mopts []cryptocore.Option
	if opts.DB != "" {
		mopts = append(mopts, cryptocore.WithDBPath(opts.DB))
	}
	if opts.Verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		mopts = append(mopts, cryptocore.WithLogger(logger))
	}

	m, err := cryptocore.NewMachine(opts.User, opts.Device, mopts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return m
}
