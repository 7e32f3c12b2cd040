package main

import "github.com/example/appt-scheduler/cmd"

func main() {
	cmd.Execute()
}
