package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"localchat/config"
)

func banner(w io.Writer, inst config.Instance, history, notifyCommand string) {
	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	label := color.New(color.FgHiBlack).SprintFunc()
	value := color.New(color.FgGreen).SprintFunc()

	if notifyCommand == "" {
		notifyCommand = "log only"
	}

	fmt.Fprintf(w, "%s\n", title(fmt.Sprintf("LocalChat daemon (instance %d)", inst.Number)))
	fmt.Fprintf(w, "%s %s\n", label("TCP port:      "), value(inst.TCPPort))
	fmt.Fprintf(w, "%s %s\n", label("Control socket:"), value(inst.ControlSocketPath))
	fmt.Fprintf(w, "%s %s\n", label("Data directory:"), value(inst.DataDir))
	fmt.Fprintf(w, "%s %s\n", label("History:       "), value(history))
	fmt.Fprintf(w, "%s %s\n", label("Notifications: "), value(notifyCommand))
	fmt.Fprintf(w, "%s\n", color.YellowString("Running, press Ctrl+C to stop"))
}
