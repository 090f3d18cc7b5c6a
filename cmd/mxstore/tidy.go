package main

import "fmt"

type tidyCommand struct{}

func (cmd *tidyCommand) Execute(args []string) error {
	m := loadMachine()
	defer m.Close()

	if err := m.Requests().TidyUpDataBase(); err != nil {
		return err
	}
	fmt.Println("Retention sweep done")
	return nil
}
