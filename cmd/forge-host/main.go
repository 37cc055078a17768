package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/tjrbrom/forge/internal/config"
)

var CLI struct {
	Debug bool `help:"Whether to enable debug logging."`

	Serve struct {
		Config    string `help:"Configuration file." short:"c" type:"existingfile"`
		Port      int    `help:"Override the listen port."`
		Slots     int    `help:"Override the number of lobby slots."`
		Computers int    `help:"Override the number of computer players." default:"-1"`
		AutoStart bool   `help:"Start a match as soon as every seat is ready." name:"auto-start"`
	} `cmd:"" default:"1" help:"Run the host."`

	Config struct {
	} `cmd:"" help:"Write the default configuration to standard output."`
}

func writeError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("forge-host"),
		kong.Description("host a forge match"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	switch ctx.Command() {
	case "serve":
		if err := serve(); err != nil {
			writeError(err)
		}
	case "config":
		out, err := config.Default().YAML()
		if err != nil {
			writeError(err)
		}
		os.Stdout.Write(out)
	}
}
